// Package history keeps the bounded rolling context of every conversation.
package history

import (
	"sync"
	"time"
)

// DefaultMaxTurns is used when New is given a non-positive bound.
const DefaultMaxTurns = 30

// Role tags a turn as coming from a user or from the bot.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored message. Content already carries the "name: " prefix
// when the turn was added with a speaker name.
type Turn struct {
	Role        Role
	Content     string
	SpeakerName string
	At          time.Time
}

// Store maps conversation keys to bounded turn sequences. Whole
// conversations are never evicted, only their oldest turns.
// It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	maxTurns int
	convos   map[string][]Turn
	now      func() time.Time
}

// New creates a Store bounded to maxTurns turns per conversation.
func New(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		maxTurns: maxTurns,
		convos:   make(map[string][]Turn),
		now:      time.Now,
	}
}

// MaxTurns returns the per-conversation bound.
func (s *Store) MaxTurns() int { return s.maxTurns }

// AddMessage appends a turn to key. A non-empty speakerName is folded into
// the content as "speakerName: content".
func (s *Store) AddMessage(key string, role Role, content, speakerName string) {
	if speakerName != "" {
		content = speakerName + ": " + content
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.convos[key], Turn{
		Role:        role,
		Content:     content,
		SpeakerName: speakerName,
		At:          s.now(),
	})
	s.convos[key] = s.enforceLimit(turns)
}

// History returns a copy of the turns stored for key, oldest first. Unknown
// keys yield an empty slice.
func (s *Store) History(key string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.convos[key]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Clear drops every turn stored for key.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convos, key)
}

// Conversations returns the number of keys with at least one turn.
func (s *Store) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convos)
}

// enforceLimit drops the oldest turns beyond maxTurns. Must be called with
// mu held. The surviving turns are copied into a fresh slice so the backing
// array does not grow without bound.
func (s *Store) enforceLimit(turns []Turn) []Turn {
	if len(turns) <= s.maxTurns {
		return turns
	}
	excess := len(turns) - s.maxTurns
	kept := make([]Turn, s.maxTurns, s.maxTurns+1)
	copy(kept, turns[excess:])
	return kept
}
