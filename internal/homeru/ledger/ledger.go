// Package ledger records check-ins and answers per-room tallies.
//
// All access goes through Ledger, which serializes backend calls with a
// mutex. Backend failures never reach the caller: RecordCheckIn reports
// false and Stats reports an empty tally, and both log a warning.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend persists records.
type Backend interface {
	// Append durably adds one record.
	Append(ctx context.Context, r Record) error
	// All returns every record in insertion order. A missing store yields
	// no records and no error.
	All(ctx context.Context) ([]Record, error)
}

// Counter is implemented by backends that can tally without loading every
// record.
type Counter interface {
	Count(ctx context.Context, room string) (map[string]int, error)
}

// Eligibility decides whether a room may record check-ins.
type Eligibility interface {
	IsRoomEligible(roomName string) bool
}

// Ledger is the single writer in front of a Backend.
type Ledger struct {
	mu      sync.Mutex
	backend Backend
	policy  Eligibility
	logger  *slog.Logger

	hooksMu sync.RWMutex
	hooks   []func(Record)

	now   func() time.Time
	newID func() string
}

// New returns a Ledger writing to backend and gated by policy.
func New(backend Backend, policy Eligibility, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		backend: backend,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// OnRecord registers fn to run after every successfully recorded check-in.
// Hooks run on the recording goroutine and must not block.
func (l *Ledger) OnRecord(fn func(Record)) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// RecordCheckIn appends a check-in by speakerName. A non-empty roomName that
// is not whitelisted is refused without writing. It returns true only when
// the record was persisted.
func (l *Ledger) RecordCheckIn(ctx context.Context, speakerName, text, roomName string) bool {
	if roomName != "" && !l.policy.IsRoomEligible(roomName) {
		return false
	}

	rec := Record{
		ID:      l.newID(),
		Name:    speakerName,
		Time:    l.now().UTC(),
		Message: text,
		Room:    roomName,
	}

	l.mu.Lock()
	err := l.backend.Append(ctx, rec)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("failed to record check-in", "name", speakerName, "room", roomName, "err", err)
		return false
	}
	l.logger.Info("check-in recorded", "id", rec.ID, "name", speakerName, "room", roomName)

	l.hooksMu.RLock()
	hooks := l.hooks
	l.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(rec)
	}
	return true
}

// Stats tallies check-ins per name, restricted to room when it is non-empty.
// An unreadable ledger yields an empty tally.
func (l *Ledger) Stats(ctx context.Context, room string) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.backend.(Counter); ok {
		counts, err := c.Count(ctx, room)
		if err != nil {
			l.logger.Warn("failed to count check-ins", "room", room, "err", err)
			return map[string]int{}
		}
		return counts
	}

	records, err := l.backend.All(ctx)
	if err != nil {
		l.logger.Warn("failed to read check-ins", "room", room, "err", err)
		return map[string]int{}
	}
	return Tally(records, room)
}

// Records returns every record in insertion order.
func (l *Ledger) Records(ctx context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend.All(ctx)
}
