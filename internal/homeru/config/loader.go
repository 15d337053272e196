// Package config holds the bot's live configuration. The Loader is the
// authoritative source of the current config; every routed message reads
// one Snapshot and uses it throughout.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"text/template"

	homeruspec "github.com/bdobrica/Homeru/common/spec/homeru"
)

// Snapshot is an immutable, pre-compiled view of one applied config.
type Snapshot struct {
	Config *homeruspec.Config
	Hash   string

	QuotePattern *regexp.Regexp
	Praise       *template.Template
	Stats        *template.Template
}

// Loader holds the current configuration and allows hot reloads.
type Loader struct {
	mu   sync.RWMutex
	snap *Snapshot
	yaml string
}

// New creates an empty Loader with no configuration loaded yet.
func New() *Loader {
	return &Loader{}
}

// LoadFile reads a YAML file from disk, validates it and applies it.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return l.Apply(data)
}

// Apply parses and validates a raw YAML payload, then atomically replaces
// the current snapshot. On error the live config is left untouched.
func (l *Loader) Apply(data []byte) error {
	cfg, err := homeruspec.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	snap, err := compile(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	h := sha256.Sum256(data)
	snap.Hash = hex.EncodeToString(h[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev := l.snap; prev != nil && prev.Config.History.MaxTurns != cfg.History.MaxTurns {
		slog.Warn("history.maxTurns changed; the new bound applies after restart",
			"current", prev.Config.History.MaxTurns,
			"configured", cfg.History.MaxTurns,
		)
	}
	l.snap = snap
	l.yaml = string(data)

	slog.Info("config applied",
		"bot", cfg.Metadata.Name,
		"hash", snap.Hash[:12],
		"rooms", len(cfg.Whitelist.Rooms),
		"room_keywords", len(cfg.Whitelist.RoomKeywords),
		"aliases", len(cfg.Whitelist.Aliases),
	)
	return nil
}

// Snapshot returns the current snapshot, or nil before the first Apply.
func (l *Loader) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap
}

// Config returns the current live config.
// Returns nil if no config has been loaded yet.
func (l *Loader) Config() *homeruspec.Config {
	if s := l.Snapshot(); s != nil {
		return s.Config
	}
	return nil
}

// Hash returns the SHA-256 hex digest of the applied YAML, or "".
func (l *Loader) Hash() string {
	if s := l.Snapshot(); s != nil {
		return s.Hash
	}
	return ""
}

// YAML returns the raw text of the applied config.
func (l *Loader) YAML() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.yaml
}

func compile(cfg *homeruspec.Config) (*Snapshot, error) {
	quote, err := regexp.Compile(cfg.Keywords.QuotePattern)
	if err != nil {
		return nil, fmt.Errorf("keywords.quotePattern: %w", err)
	}
	praise, err := homeruspec.ParseTemplate("checkInPraise", cfg.Prompts.CheckInPraise)
	if err != nil {
		return nil, fmt.Errorf("prompts.checkInPraise: %w", err)
	}
	stats, err := homeruspec.ParseTemplate("checkInStats", cfg.Prompts.CheckInStats)
	if err != nil {
		return nil, fmt.Errorf("prompts.checkInStats: %w", err)
	}
	return &Snapshot{
		Config:       cfg,
		QuotePattern: quote,
		Praise:       praise,
		Stats:        stats,
	}, nil
}
