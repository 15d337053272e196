package homeru

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://github.com/bdobrica/Homeru/schema/homeru-v1.json"

var schema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// TemplateFuncs are available to the prompt templates.
var TemplateFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Parse decodes a YAML document, checks it against the JSON schema, applies
// defaults and validates the result. It is the canonical entry point for
// loading bot configurations.
func Parse(data []byte) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("homeru parse: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("homeru parse: empty document")
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("homeru parse: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateSchema checks a decoded YAML tree against the embedded schema. The
// tree goes through a JSON round trip so that the validator sees JSON types.
func validateSchema(raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("homeru schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("homeru schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("homeru schema: %w", err)
	}
	return nil
}

// Validate checks a Config for semantic correctness. It expects defaults to
// have been applied and returns the first error encountered.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	// ── API version ──────────────────────────────────────────────────────────
	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, cfg.APIVersion)
	}

	// ── Metadata ─────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}

	// ── Keywords ─────────────────────────────────────────────────────────────
	if err := nonBlank("keywords.checkIn", cfg.Keywords.CheckIn); err != nil {
		return err
	}
	if err := nonBlank("keywords.stats", cfg.Keywords.Stats); err != nil {
		return err
	}
	if _, err := regexp.Compile(cfg.Keywords.QuotePattern); err != nil {
		return fmt.Errorf("keywords.quotePattern: %w", err)
	}
	if err := nonBlank("whitelist.roomKeywords", cfg.Whitelist.RoomKeywords); err != nil {
		return err
	}

	// ── History / model ──────────────────────────────────────────────────────
	if cfg.History.MaxTurns < 0 {
		return fmt.Errorf("history.maxTurns must be >= 0, got %d", cfg.History.MaxTurns)
	}
	if t := cfg.Model.TemperatureValue(); t < 0 || t > 2 {
		return fmt.Errorf("model.temperature must be within [0, 2], got %v", t)
	}
	if cfg.Model.MaxConcurrent < 0 {
		return fmt.Errorf("model.maxConcurrent must be >= 0, got %d", cfg.Model.MaxConcurrent)
	}

	// ── Prompts ──────────────────────────────────────────────────────────────
	if _, err := ParseTemplate("checkInPraise", cfg.Prompts.CheckInPraise); err != nil {
		return fmt.Errorf("prompts.checkInPraise: %w", err)
	}
	if _, err := ParseTemplate("checkInStats", cfg.Prompts.CheckInStats); err != nil {
		return fmt.Errorf("prompts.checkInStats: %w", err)
	}

	// ── Announcements ────────────────────────────────────────────────────────
	seen := make(map[string]struct{}, len(cfg.Announcements))
	for i, a := range cfg.Announcements {
		if err := validateAnnouncement(a); err != nil {
			return fmt.Errorf("announcements[%d] (%q): %w", i, a.Name, err)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("announcements[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
	}

	return nil
}

// ParseTemplate parses a prompt template with TemplateFuncs installed.
func ParseTemplate(name, src string) (*template.Template, error) {
	return template.New(name).Funcs(TemplateFuncs).Option("missingkey=error").Parse(src)
}

func validateAnnouncement(a Announcement) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(a.RoomID) == "" {
		return fmt.Errorf("roomId must not be empty")
	}
	if strings.TrimSpace(a.RoomName) == "" {
		return fmt.Errorf("roomName must not be empty")
	}
	if _, err := cron.ParseStandard(a.Cron); err != nil {
		return fmt.Errorf("cron %q: %w", a.Cron, err)
	}
	return nil
}

func nonBlank(field string, vals []string) error {
	for i, v := range vals {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s[%d] must not be blank", field, i)
		}
	}
	return nil
}
