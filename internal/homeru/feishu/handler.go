package feishu

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bdobrica/Homeru/common/trace"
	"github.com/bdobrica/Homeru/internal/homeru/chat"
)

// eventChatUpdated is delivered when a group is renamed.
const eventChatUpdated = "im.chat.updated_v1"

// dedupLimit bounds the set of seen event ids. Feishu redelivers events it
// did not get a timely 200 for, usually within minutes.
const dedupLimit = 1000

// lookupTimeout bounds the name lookups done while converting an event.
const lookupTimeout = 5 * time.Second

// dedup remembers recently seen ids. When full it starts over.
type dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	max  int
}

func newDedup(max int) *dedup {
	return &dedup{seen: make(map[string]struct{}), max: max}
}

// first reports whether id has not been seen before and records it.
func (d *dedup) first(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.seen) >= d.max {
		clear(d.seen)
	}
	d.seen[id] = struct{}{}
	return true
}

// Handler serves the event subscription callback.
type Handler struct {
	client  *Client
	handle  chat.Handler
	dedup   *dedup
	logger  *slog.Logger
	names   names
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewHandler returns an http.Handler that answers url_verification and
// passes received messages to handle. Messages are handled under ctx, not
// the request context, so replies outlive the callback response.
func NewHandler(ctx context.Context, client *Client, handle chat.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:  client,
		handle:  handle,
		dedup:   newDedup(dedupLimit),
		logger:  logger,
		names:   client,
		baseCtx: ctx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cb callback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cb); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if want := h.client.cfg.VerificationToken; want != "" {
		got := cb.Token
		if got == "" {
			got = cb.Header.Token
		}
		if got != want {
			h.logger.Warn("feishu callback rejected: token mismatch")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	if cb.Type == typeURLVerification {
		writeJSON(w, map[string]string{"challenge": cb.Challenge})
		return
	}

	switch cb.Header.EventType {
	case eventMessageReceive:
		h.onMessage(cb)
	case eventChatUpdated:
		var ev struct {
			ChatID string `json:"chat_id"`
		}
		if err := json.Unmarshal(cb.Event, &ev); err == nil && ev.ChatID != "" {
			h.client.forgetChat(ev.ChatID)
		}
	default:
		h.logger.Debug("feishu event ignored", "event_type", cb.Header.EventType)
	}
	writeJSON(w, map[string]int{"code": 0})
}

func (h *Handler) onMessage(cb callback) {
	var ev messageReceive
	if err := json.Unmarshal(cb.Event, &ev); err != nil {
		h.logger.Warn("feishu message event malformed", "event_id", cb.Header.EventID, "err", err)
		return
	}
	id := cb.Header.EventID
	if id == "" {
		id = ev.Message.MessageID
	}
	if !h.dedup.first(id) {
		h.logger.Debug("feishu duplicate event dropped", "event_id", id)
		return
	}

	// Name lookups can be slow; Feishu redelivers callbacks that are not
	// acknowledged within a few seconds.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx := trace.WithTraceID(h.baseCtx, trace.GenerateID())
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		msg := toMessage(lookupCtx, h.names, h.client.BotOpenID(), ev)
		cancel()
		h.handle(ctx, msg)
	}()
}

// Wait blocks until every accepted message has been passed to the handle
// func. Call it after the HTTP server has stopped.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
