// Package router classifies inbound chat messages and drives the check-in,
// statistics and AI-reply handlers.
//
// Rules are evaluated in a fixed order for every message and the first
// terminal rule wins:
//
//  1. self-authored or non-text messages are discarded
//  2. room messages are appended to the room history
//  3. check-in keyword in a whitelisted room: record, then praise
//  4. bot mention plus stats keyword in a whitelisted room: post the tally
//  5. quoted messages and non-whitelisted rooms/contacts are ignored
//  6. room mentions and whitelisted private contacts get an AI reply
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bdobrica/Homeru/common/trace"
	"github.com/bdobrica/Homeru/internal/homeru/chat"
	"github.com/bdobrica/Homeru/internal/homeru/config"
	"github.com/bdobrica/Homeru/internal/homeru/history"
	"github.com/bdobrica/Homeru/internal/homeru/llm"
	"github.com/bdobrica/Homeru/internal/homeru/observability"
	"github.com/bdobrica/Homeru/internal/homeru/store"
)

// Outcome is the terminal state a message reached.
type Outcome int

const (
	OutcomeDiscarded Outcome = iota
	OutcomeIgnored
	OutcomeCheckIn
	OutcomeStats
	OutcomeReply
	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeCheckIn:
		return "checkin"
	case OutcomeStats:
		return "stats"
	case OutcomeReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Snapshots supplies the config snapshot a message is routed against.
type Snapshots interface {
	Snapshot() *config.Snapshot
}

// Eligibility is the whitelist policy.
type Eligibility interface {
	IsRoomEligible(roomName string) bool
	IsPrivateContactEligible(alias string) bool
}

// CheckIns is the check-in ledger.
type CheckIns interface {
	RecordCheckIn(ctx context.Context, speakerName, text, roomName string) bool
	Stats(ctx context.Context, room string) map[string]int
}

// TurnLog records AI-reply attempts. Optional.
type TurnLog interface {
	LogTurn(ctx context.Context, t store.TurnStart) (int64, error)
	FinishTurn(ctx context.Context, id int64, status string, durationMS int64, errMsg string) error
}

// Options wires a Router. Turns and Logger are optional.
type Options struct {
	Config   Snapshots
	Policy   Eligibility
	History  *history.Store
	Ledger   CheckIns
	Provider llm.Provider
	Sender   chat.Sender
	Turns    TurnLog
	Logger   *slog.Logger

	// MaxConcurrent caps in-flight completion calls. Defaults to 4.
	MaxConcurrent int
}

// Router is the single entry point for inbound messages.
type Router struct {
	cfg      Snapshots
	policy   Eligibility
	history  *history.Store
	ledger   CheckIns
	provider llm.Provider
	sender   chat.Sender
	turns    TurnLog
	logger   *slog.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inflight atomic.Int64
	counts   [numOutcomes]atomic.Int64
}

// New validates opts and returns a Router.
func New(opts Options) (*Router, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("router: config is required")
	case opts.Policy == nil:
		return nil, errors.New("router: policy is required")
	case opts.History == nil:
		return nil, errors.New("router: history store is required")
	case opts.Ledger == nil:
		return nil, errors.New("router: ledger is required")
	case opts.Provider == nil:
		return nil, errors.New("router: completion provider is required")
	case opts.Sender == nil:
		return nil, errors.New("router: sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Router{
		cfg:      opts.Config,
		policy:   opts.Policy,
		history:  opts.History,
		ledger:   opts.Ledger,
		provider: opts.Provider,
		sender:   opts.Sender,
		turns:    opts.Turns,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}, nil
}

// Dispatch routes msg on its own goroutine. The goroutine does not observe
// cancellation of ctx; use Wait to drain in-flight messages on shutdown.
func (r *Router) Dispatch(ctx context.Context, msg chat.Message) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	r.inflight.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)
		defer func() {
			if v := recover(); v != nil {
				r.logger.Error("panic while routing message", "msg_id", msg.ID, "panic", fmt.Sprint(v))
			}
		}()
		r.Handle(ctx, msg)
	}()
}

// Wait blocks until every dispatched message has been handled or ctx ends.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d in-flight messages: %w", r.inflight.Load(), ctx.Err())
	}
}

// InFlight returns the number of dispatched messages not yet handled.
func (r *Router) InFlight() int64 { return r.inflight.Load() }

// Counts returns how many messages reached each outcome.
func (r *Router) Counts() map[string]int64 {
	out := make(map[string]int64, numOutcomes)
	for o := Outcome(0); o < numOutcomes; o++ {
		out[o.String()] = r.counts[o].Load()
	}
	return out
}

// Handle routes msg synchronously and reports where it ended up.
func (r *Router) Handle(ctx context.Context, msg chat.Message) Outcome {
	o := r.handle(ctx, msg)
	r.counts[o].Add(1)
	return o
}

func (r *Router) handle(ctx context.Context, msg chat.Message) Outcome {
	if msg.Self || msg.Kind != chat.KindText {
		return OutcomeDiscarded
	}
	snap := r.cfg.Snapshot()
	if snap == nil {
		r.logger.Warn("no config loaded; dropping message", "msg_id", msg.ID)
		return OutcomeDiscarded
	}
	cfg := snap.Config

	ctx = trace.Ensure(ctx)
	log := observability.WithTrace(ctx, r.logger).With("msg_id", msg.ID)
	log.Debug("message received",
		"sender", msg.SenderName,
		"room", msg.RoomName,
		"mentioned", msg.MentionsSelf,
		"text", msg.Text,
	)

	if msg.IsRoom() {
		r.history.AddMessage(msg.RoomID, history.RoleUser, msg.Text, msg.SenderName)
	}
	roomEligible := msg.IsRoom() && r.policy.IsRoomEligible(msg.RoomName)

	// ── Check-in ─────────────────────────────────────────────────────────────
	if roomEligible && containsAny(strings.TrimSpace(msg.Text), cfg.Keywords.CheckIn) {
		if r.ledger.RecordCheckIn(ctx, msg.SenderName, msg.Text, msg.RoomName) {
			prompt, err := RenderPraise(snap.Praise, msg.SenderName, msg.Text)
			if err != nil {
				log.Error("could not render praise prompt; using message text", "err", err)
				prompt = msg.Text
			}
			r.reply(ctx, log, snap, msg, prompt, true)
			return OutcomeCheckIn
		}
		log.Warn("check-in not recorded; continuing with normal routing", "room", msg.RoomName)
	}

	// ── Stats ────────────────────────────────────────────────────────────────
	if roomEligible && msg.MentionsSelf && containsAny(msg.Text, cfg.Keywords.Stats) {
		r.postStats(ctx, log, snap, msg)
		return OutcomeStats
	}

	// ── Eligibility gate ─────────────────────────────────────────────────────
	if msg.Quote || snap.QuotePattern.MatchString(msg.Text) {
		log.Debug("quoted message; not replying")
		return OutcomeIgnored
	}
	if msg.IsRoom() {
		if !roomEligible || !msg.MentionsSelf {
			return OutcomeIgnored
		}
	} else if !r.policy.IsPrivateContactEligible(msg.SenderAlias) {
		log.Debug("private message from non-whitelisted contact", "alias", msg.SenderAlias)
		return OutcomeIgnored
	}

	// ── Reply ────────────────────────────────────────────────────────────────
	r.reply(ctx, log, snap, msg, msg.Text, false)
	return OutcomeReply
}

func (r *Router) postStats(ctx context.Context, log *slog.Logger, snap *config.Snapshot, msg chat.Message) {
	counts := r.ledger.Stats(ctx, msg.RoomName)
	text, err := RenderStats(snap.Stats, msg.RoomName, counts)
	if err != nil {
		log.Error("could not render stats", "err", err)
		return
	}
	if err := r.sender.SendToRoom(ctx, msg.RoomID, text, nil); err != nil {
		log.Warn("could not send stats", "room", msg.RoomName, "err", err)
		return
	}
	log.Info("stats sent", "room", msg.RoomName, "people", len(counts))
}

// reply runs the AI-reply path for prompt and delivers the answer, or the
// apology when the completion service fails.
func (r *Router) reply(ctx context.Context, log *slog.Logger, snap *config.Snapshot, msg chat.Message, prompt string, checkIn bool) {
	cfg := snap.Config
	key := msg.ConversationKey()
	kind := "reply"
	if checkIn {
		kind = "checkin"
	}

	// Room messages were already appended on arrival.
	if !msg.IsRoom() {
		r.history.AddMessage(key, history.RoleUser, prompt, msg.SenderName)
	}
	turns := r.history.History(key)
	req := buildRequest(cfg, turns, prompt)

	turnID := r.logTurn(ctx, log, store.TurnStart{
		TraceID:         trace.FromContext(ctx),
		ConversationKey: key,
		RoomID:          msg.RoomID,
		SenderID:        msg.SenderID,
		Kind:            kind,
	})
	start := time.Now()

	answer, err := r.complete(ctx, cfg.Model.Timeout(), req)
	dur := time.Since(start)
	if err != nil {
		var se *llm.ServiceError
		timeout := errors.As(err, &se) && se.Timeout()
		log.Warn("completion failed; sending apology",
			"conversation", key,
			"kind", kind,
			"timeout", timeout,
			"duration_ms", dur.Milliseconds(),
			"err", err,
		)
		r.finishTurn(ctx, log, turnID, store.TurnFailed, dur, err.Error())
		r.deliver(ctx, log, msg, cfg.Prompts.Apology)
		return
	}

	r.history.AddMessage(key, history.RoleAssistant, answer, "")
	r.finishTurn(ctx, log, turnID, store.TurnSuccess, dur, "")
	log.Info("reply generated",
		"conversation", key,
		"kind", kind,
		"history_turns", len(turns),
		"duration_ms", dur.Milliseconds(),
	)
	r.deliver(ctx, log, msg, answer)
}

// complete runs one completion call under the concurrency cap. The timeout
// covers the call only, not the wait for a slot.
func (r *Router) complete(ctx context.Context, timeout time.Duration, req llm.CompletionRequest) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", &llm.ServiceError{Err: err}
	}
	defer r.sem.Release(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Message.Content)
	if answer == "" {
		return "", &llm.ServiceError{Message: "empty completion"}
	}
	return answer, nil
}

// deliver sends text back where msg came from. Room replies mention the
// speaker. Send failures are logged and dropped.
func (r *Router) deliver(ctx context.Context, log *slog.Logger, msg chat.Message, text string) {
	var err error
	if msg.IsRoom() {
		err = r.sender.SendToRoom(ctx, msg.RoomID, text, &chat.Addressee{ID: msg.SenderID, Name: msg.SenderName})
	} else {
		chatID := msg.ChatID
		if chatID == "" {
			chatID = msg.SenderID
		}
		err = r.sender.SendToContact(ctx, chatID, text)
	}
	if err != nil {
		log.Warn("could not deliver reply", "room", msg.RoomID, "sender", msg.SenderID, "err", err)
	}
}

func (r *Router) logTurn(ctx context.Context, log *slog.Logger, t store.TurnStart) int64 {
	if r.turns == nil {
		return 0
	}
	id, err := r.turns.LogTurn(ctx, t)
	if err != nil {
		log.Warn("could not log turn", "err", err)
		return 0
	}
	return id
}

func (r *Router) finishTurn(ctx context.Context, log *slog.Logger, id int64, status string, dur time.Duration, errMsg string) {
	if r.turns == nil || id == 0 {
		return
	}
	if err := r.turns.FinishTurn(ctx, id, status, dur.Milliseconds(), errMsg); err != nil {
		log.Warn("could not finish turn", "err", err)
	}
}
