// Package homeru defines the bot configuration schema (v1).
//
// The document is versioned YAML. It carries the whitelist policy, the
// keyword rules the router matches on, the history bound, the completion
// model parameters, the prompt templates and the scheduled announcements.
// Process-level settings (credentials, paths, transport selection) come from
// the environment instead.
package homeru

import "time"

// SpecVersion is the API version string required in every config.
const SpecVersion = "homeru/v1"

// Config is the root type of a bot configuration.
type Config struct {
	// APIVersion must be "homeru/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Whitelist decides which rooms and private contacts get autoresponses
	// and check-in recording.
	Whitelist Whitelist `yaml:"whitelist" json:"whitelist"`

	Keywords Keywords `yaml:"keywords,omitempty" json:"keywords,omitempty"`

	History History `yaml:"history,omitempty" json:"history,omitempty"`

	Model Model `yaml:"model,omitempty" json:"model,omitempty"`

	Prompts Prompts `yaml:"prompts,omitempty" json:"prompts,omitempty"`

	// Announcements post the check-in ranking of a room on a cron schedule.
	Announcements []Announcement `yaml:"announcements,omitempty" json:"announcements,omitempty"`
}

// Metadata holds descriptive information about the bot.
type Metadata struct {
	// Name is the bot's display name; it is also used in log lines.
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Whitelist lists the rooms and contacts the bot serves.
type Whitelist struct {
	// Rooms are exact room names.
	Rooms []string `yaml:"rooms,omitempty" json:"rooms,omitempty"`

	// RoomKeywords admit any room whose name contains one of them.
	RoomKeywords []string `yaml:"roomKeywords,omitempty" json:"roomKeywords,omitempty"`

	// Aliases are private-contact identifiers (Matrix user IDs, Feishu
	// open IDs) allowed to chat with the bot one-to-one.
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Keywords holds the substring rules used to classify inbound messages.
type Keywords struct {
	// CheckIn marks a message as a check-in.
	CheckIn []string `yaml:"checkIn,omitempty" json:"checkIn,omitempty"`

	// Stats, together with a mention of the bot, requests the room tally.
	Stats []string `yaml:"stats,omitempty" json:"stats,omitempty"`

	// QuotePattern is a regular expression matching quoted references to an
	// earlier message. Matching messages never get an AI reply.
	QuotePattern string `yaml:"quotePattern,omitempty" json:"quotePattern,omitempty"`
}

// History bounds the rolling per-conversation context.
type History struct {
	// MaxTurns is the per-conversation bound H. Read once at startup.
	MaxTurns int `yaml:"maxTurns,omitempty" json:"maxTurns,omitempty"`
}

// Model configures completion requests.
type Model struct {
	// Name is the model identifier. Empty uses the process default (LLM_MODEL,
	// falling back to DefaultModel).
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	MaxTokens int `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`

	// Temperature is sent as-is; nil means the default of 1.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// TimeoutSeconds bounds a single completion call.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`

	// MaxConcurrent caps the number of completion calls in flight.
	MaxConcurrent int `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
}

// Timeout returns TimeoutSeconds as a duration.
func (m Model) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// TemperatureValue returns the configured temperature or 1.
func (m Model) TemperatureValue() float64 {
	if m.Temperature == nil {
		return 1
	}
	return *m.Temperature
}

// Prompts holds the fixed system instruction and the text/template sources
// used by the router.
type Prompts struct {
	// System is the leading system instruction of every completion request.
	System string `yaml:"system,omitempty" json:"system,omitempty"`

	// CheckInPraise renders the prompt sent after a recorded check-in.
	// Fields: .Name, .Text.
	CheckInPraise string `yaml:"checkInPraise,omitempty" json:"checkInPraise,omitempty"`

	// CheckInStats renders the tally reply. Fields: .Room, .Total, .Entries
	// (each with .Name and .Count), plus the "inc" function.
	CheckInStats string `yaml:"checkInStats,omitempty" json:"checkInStats,omitempty"`

	// Apology is sent when the completion service fails.
	Apology string `yaml:"apology,omitempty" json:"apology,omitempty"`
}

// Announcement posts the check-in tally of RoomName into RoomID on Cron.
type Announcement struct {
	Name string `yaml:"name" json:"name"`
	// Cron is a standard 5-field cron expression or a descriptor (@daily).
	Cron     string `yaml:"cron" json:"cron"`
	RoomID   string `yaml:"roomId" json:"roomId"`
	RoomName string `yaml:"roomName" json:"roomName"`
}
