package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/Homeru/common/redact"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint (useful for local models and
	// gateways). Defaults to https://api.openai.com/v1.
	BaseURL string
	// Model is the default model to use when CompletionRequest.Model is empty.
	Model string
	// Timeout bounds a request whose context carries no deadline. Callers
	// that set a deadline are not capped by it. Defaults to 200s.
	Timeout time.Duration
	// ProxyURL routes requests through an HTTP(S) proxy. Empty means the
	// standard proxy environment variables apply.
	ProxyURL string
}

// openAIProvider implements Provider using the chat completions API.
type openAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns a Provider backed by the OpenAI (or compatible) API.
func NewOpenAI(cfg OpenAIConfig) (Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 200 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", redact.URL(cfg.ProxyURL), err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}, nil
}

// --- wire types (subset of the OpenAI API) ---

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete sends a chat completion request.
func (p *openAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	data, err := json.Marshal(oaiRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var oaiResp oaiResponse
	decodeErr := json.Unmarshal(respBody, &oaiResp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &ServiceError{StatusCode: resp.StatusCode}
		if decodeErr == nil && oaiResp.Error != nil {
			se.Message = oaiResp.Error.Message
		} else {
			se.Message = strings.TrimSpace(truncate(string(respBody), 200))
		}
		se.Message = redact.String(se.Message, p.cfg.APIKey)
		return nil, se
	}
	if decodeErr != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if oaiResp.Error != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: oaiResp.Error.Type + ": " + oaiResp.Error.Message}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: "no choices in response"}
	}

	choice := oaiResp.Choices[0]
	return &CompletionResponse{
		Message: Message{
			Role:    Role(choice.Message.Role),
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage: TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
