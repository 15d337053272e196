// Package policy decides which rooms and private contacts the bot serves.
//
// Evaluation is a pure function of the active configuration: no I/O, no
// failure modes. Empty input is never eligible.
package policy

import (
	"slices"
	"strings"

	homeruspec "github.com/bdobrica/Homeru/common/spec/homeru"
)

// Engine evaluates whitelist eligibility against the currently loaded config.
type Engine struct {
	loader ConfigProvider
}

// ConfigProvider is any type that can return the current bot config.
type ConfigProvider interface {
	Config() *homeruspec.Config
}

// New returns a new Engine backed by the provided config provider.
func New(provider ConfigProvider) *Engine {
	return &Engine{loader: provider}
}

// IsRoomEligible reports whether roomName exactly matches a whitelisted room
// or contains one of the whitelisted room keywords.
func (e *Engine) IsRoomEligible(roomName string) bool {
	if roomName == "" {
		return false
	}
	cfg := e.loader.Config()
	if cfg == nil {
		return false
	}
	if slices.Contains(cfg.Whitelist.Rooms, roomName) {
		return true
	}
	for _, kw := range cfg.Whitelist.RoomKeywords {
		if kw != "" && strings.Contains(roomName, kw) {
			return true
		}
	}
	return false
}

// IsPrivateContactEligible reports whether alias is a whitelisted contact.
func (e *Engine) IsPrivateContactEligible(alias string) bool {
	if alias == "" {
		return false
	}
	cfg := e.loader.Config()
	if cfg == nil {
		return false
	}
	return slices.Contains(cfg.Whitelist.Aliases, alias)
}
