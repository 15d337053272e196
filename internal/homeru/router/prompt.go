package router

import (
	"fmt"
	"strings"
	"text/template"

	homeruspec "github.com/bdobrica/Homeru/common/spec/homeru"
	"github.com/bdobrica/Homeru/internal/homeru/history"
	"github.com/bdobrica/Homeru/internal/homeru/ledger"
	"github.com/bdobrica/Homeru/internal/homeru/llm"
)

// praiseView is the data passed to prompts.checkInPraise.
type praiseView struct {
	Name string
	Text string
}

// StatsView is the data passed to prompts.checkInStats.
type StatsView struct {
	Room    string
	Total   int
	Entries []ledger.Entry
}

// RenderPraise builds the prompt sent to the model after a check-in.
func RenderPraise(tmpl *template.Template, name, text string) (string, error) {
	return execute(tmpl, praiseView{Name: name, Text: text})
}

// RenderStats formats a tally for posting into room.
func RenderStats(tmpl *template.Template, room string, counts map[string]int) (string, error) {
	view := StatsView{Room: room, Entries: ledger.Rank(counts)}
	for _, e := range view.Entries {
		view.Total += e.Count
	}
	return execute(tmpl, view)
}

func execute(tmpl *template.Template, data any) (string, error) {
	if tmpl == nil {
		return "", fmt.Errorf("template not configured")
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// buildRequest assembles the completion request: the system instruction,
// then the stored turns oldest first, then prompt as the final user turn.
func buildRequest(cfg *homeruspec.Config, turns []history.Turn, prompt string) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(turns)+2)
	if sys := strings.TrimSpace(cfg.Prompts.System); sys != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	temp := cfg.Model.TemperatureValue()
	return llm.CompletionRequest{
		Model:       cfg.Model.Name,
		Messages:    msgs,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: &temp,
	}
}

// containsAny reports whether s contains any non-empty keyword.
func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
