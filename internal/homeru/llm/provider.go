// Package llm defines the completion provider interface and message types
// used to ask a chat model for replies.
package llm

import "context"

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int
	// Temperature is sent when non-nil.
	Temperature *float64
}

// CompletionResponse is the output from the model.
type CompletionResponse struct {
	// Message is the assistant message produced.
	Message Message
	// FinishReason explains why the model stopped.
	FinishReason string
	// Usage holds token count information.
	Usage TokenUsage
}

// TokenUsage reports token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the interface that all completion backends implement. Every
// failure is reported as a *ServiceError.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
