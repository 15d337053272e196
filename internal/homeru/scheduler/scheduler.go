// Package scheduler posts the configured check-in announcements on their
// cron schedules.
//
// Each announcement renders the stats template for one room and sends it
// to that room. The schedule set is rebuilt whenever a new config snapshot
// is applied.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/Homeru/common/trace"
	homeruspec "github.com/bdobrica/Homeru/common/spec/homeru"
	"github.com/bdobrica/Homeru/internal/homeru/chat"
	"github.com/bdobrica/Homeru/internal/homeru/config"
	"github.com/bdobrica/Homeru/internal/homeru/router"
)

// Snapshots supplies the current config.
type Snapshots interface {
	Snapshot() *config.Snapshot
}

// StatsSource tallies check-ins for a room name.
type StatsSource interface {
	Stats(ctx context.Context, room string) map[string]int
}

// RoomSender posts into a room.
type RoomSender interface {
	SendToRoom(ctx context.Context, roomID, text string, to *chat.Addressee) error
}

// Scheduler owns a cron runner whose entries mirror cfg.Announcements.
type Scheduler struct {
	snaps  Snapshots
	stats  StatsSource
	sender RoomSender
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	hash    string
	entries []cron.EntryID
}

// New creates a Scheduler. Nothing runs until Start.
func New(snaps Snapshots, stats StatsSource, sender RoomSender, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		snaps:  snaps,
		stats:  stats,
		sender: sender,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    context.Background(),
	}
}

// Start schedules the current announcements and blocks until ctx is
// cancelled, then waits for running announcements to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.Reload(s.snaps.Snapshot())
	s.cron.Start()
	s.logger.Info("announcement scheduler started", "entries", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("announcement scheduler stopped")
	return nil
}

// Reload replaces the scheduled entries with snap's announcements. It is a
// no-op when snap has the same hash as the last reload.
func (s *Scheduler) Reload(snap *config.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Hash == s.hash {
		return
	}
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	s.hash = snap.Hash

	for _, a := range snap.Config.Announcements {
		id, err := s.cron.AddFunc(a.Cron, func() { s.Announce(s.baseContext(), a) })
		if err != nil {
			// Parse already validated the expression.
			s.logger.Error("announcement not scheduled", "name", a.Name, "cron", a.Cron, "err", err)
			continue
		}
		s.entries = append(s.entries, id)
	}
	s.logger.Info("announcements scheduled", "count", len(s.entries), "config_hash", snap.Hash)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Announce posts the stats for a.RoomName into a.RoomID. Rooms without any
// check-ins are skipped. It reports whether a message was sent.
func (s *Scheduler) Announce(ctx context.Context, a homeruspec.Announcement) bool {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := s.logger.With("announcement", a.Name, "room_id", a.RoomID, "trace_id", trace.FromContext(ctx))

	snap := s.snaps.Snapshot()
	if snap == nil {
		return false
	}
	counts := s.stats.Stats(ctx, a.RoomName)
	if len(counts) == 0 {
		log.Debug("announcement skipped: no check-ins")
		return false
	}
	text, err := router.RenderStats(snap.Stats, a.RoomName, counts)
	if err != nil {
		log.Error("announcement render failed", "err", err)
		return false
	}
	if err := s.sender.SendToRoom(ctx, a.RoomID, text, nil); err != nil {
		log.Warn("announcement send failed", "err", err)
		return false
	}
	log.Info("announcement sent", "people", len(counts))
	return true
}
