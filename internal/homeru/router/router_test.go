package router

// Tests for the message router.
//
// Every test wires a real history store, whitelist policy, config loader and
// JSON-lines ledger; only the completion provider and the chat sender are
// stubs, so no network access is required.

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
	"github.com/bdobrica/Homeru/internal/homeru/config"
	"github.com/bdobrica/Homeru/internal/homeru/history"
	"github.com/bdobrica/Homeru/internal/homeru/ledger"
	"github.com/bdobrica/Homeru/internal/homeru/llm"
	"github.com/bdobrica/Homeru/internal/homeru/policy"
	"github.com/bdobrica/Homeru/internal/homeru/store"
)

const testConfig = `
apiVersion: homeru/v1
metadata:
  name: homeru
whitelist:
  rooms: ["bot测试"]
  roomKeywords: ["打卡"]
  aliases: ["jackiexiao"]
history:
  maxTurns: 30
prompts:
  system: "SYSTEM"
  checkInPraise: "PRAISE {{.Name}} / {{.Text}}"
`

// --- stubs ---

type stubProvider struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	answer   string
	err      error
	delay    time.Duration
}

func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	answer, err, delay := p.answer, p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &llm.ServiceError{Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: answer}}, nil
}

func (p *stubProvider) calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}

type sent struct {
	roomID string
	chatID string
	text   string
	to     *chat.Addressee
}

type stubSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *stubSender) SendToRoom(_ context.Context, roomID, text string, to *chat.Addressee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{roomID: roomID, text: text, to: to})
	return s.err
}

func (s *stubSender) SendToContact(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{chatID: chatID, text: text})
	return s.err
}

func (s *stubSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type failingBackend struct{}

func (failingBackend) Append(context.Context, ledger.Record) error  { return errors.New("disk full") }
func (failingBackend) All(context.Context) ([]ledger.Record, error) { return nil, errors.New("disk full") }

type recordingTurns struct {
	mu       sync.Mutex
	started  []store.TurnStart
	statuses []string
}

func (r *recordingTurns) LogTurn(_ context.Context, t store.TurnStart) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, t)
	return int64(len(r.started)), nil
}

func (r *recordingTurns) FinishTurn(_ context.Context, _ int64, status string, _ int64, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

// --- fixture ---

type fixture struct {
	router   *Router
	history  *history.Store
	ledger   *ledger.Ledger
	provider *stubProvider
	sender   *stubSender
	turns    *recordingTurns
}

func newFixture(t *testing.T, backend ledger.Backend) *fixture {
	t.Helper()
	loader := config.New()
	if err := loader.Apply([]byte(testConfig)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pol := policy.New(loader)
	if backend == nil {
		backend = ledger.NewJSONL(filepath.Join(t.TempDir(), "checkins.jsonl"))
	}
	f := &fixture{
		history:  history.New(loader.Config().History.MaxTurns),
		ledger:   ledger.New(backend, pol, logger),
		provider: &stubProvider{answer: "AI ANSWER"},
		sender:   &stubSender{},
		turns:    &recordingTurns{},
	}
	r, err := New(Options{
		Config:   loader,
		Policy:   pol,
		History:  f.history,
		Ledger:   f.ledger,
		Provider: f.provider,
		Sender:   f.sender,
		Turns:    f.turns,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.router = r
	return f
}

func roomMsg(room, text string, mention bool) chat.Message {
	return chat.Message{
		ID:           "evt1",
		Kind:         chat.KindText,
		Text:         text,
		SenderID:     "@alice:test",
		SenderName:   "Alice",
		RoomID:       "!" + room + ":test",
		RoomName:     room,
		MentionsSelf: mention,
		Timestamp:    time.Now(),
	}
}

func privateMsg(alias, text string) chat.Message {
	return chat.Message{
		ID:          "evt2",
		Kind:        chat.KindText,
		Text:        text,
		SenderID:    "@" + alias + ":test",
		SenderName:  alias,
		SenderAlias: alias,
		ChatID:      "!dm-" + alias + ":test",
	}
}

// --- tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestHandle_DiscardsSelfAndNonText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	self := roomMsg("bot测试", "hi", true)
	self.Self = true
	other := roomMsg("bot测试", "[image]", true)
	other.Kind = chat.KindOther

	for _, m := range []chat.Message{self, other} {
		if got := f.router.Handle(ctx, m); got != OutcomeDiscarded {
			t.Errorf("outcome = %s, want discarded", got)
		}
	}
	if n := len(f.history.History("!bot测试:test")); n != 0 {
		t.Errorf("history len = %d, want 0 for discarded messages", n)
	}
	if len(f.sender.all()) != 0 || len(f.provider.calls()) != 0 {
		t.Error("discarded messages must not trigger any call")
	}
}

func TestHandle_RoomHistoryAccumulatesWithoutReply(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Whitelisted but not mentioned, then a non-whitelisted room.
	if got := f.router.Handle(ctx, roomMsg("bot测试", "hello all", false)); got != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", got)
	}
	if got := f.router.Handle(ctx, roomMsg("random", "hello", true)); got != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", got)
	}

	h := f.history.History("!bot测试:test")
	if len(h) != 1 || h[0].Content != "Alice: hello all" || h[0].Role != history.RoleUser {
		t.Errorf("history = %+v", h)
	}
	if len(f.history.History("!random:test")) != 1 {
		t.Error("non-whitelisted room messages are still recorded in history")
	}
	if len(f.sender.all()) != 0 {
		t.Errorf("unexpected sends: %+v", f.sender.all())
	}
}

func TestHandle_CheckInInWhitelistedRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	msg := roomMsg("每日打卡群", "  #打卡 跑步 5km  ", false)
	if got := f.router.Handle(ctx, msg); got != OutcomeCheckIn {
		t.Fatalf("outcome = %s, want checkin", got)
	}

	if stats := f.ledger.Stats(ctx, "每日打卡群"); stats["Alice"] != 1 || len(stats) != 1 {
		t.Errorf("ledger stats = %v, want exactly one record for Alice", stats)
	}

	calls := f.provider.calls()
	if len(calls) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(calls))
	}
	last := calls[0].Messages[len(calls[0].Messages)-1]
	if last.Role != llm.RoleUser || last.Content != "PRAISE Alice /   #打卡 跑步 5km  " {
		t.Errorf("praise prompt = %q", last.Content)
	}

	out := f.sender.all()
	if len(out) != 1 {
		t.Fatalf("sends = %d, want 1", len(out))
	}
	if out[0].roomID != msg.RoomID || out[0].to == nil || out[0].to.ID != "@alice:test" || out[0].text != "AI ANSWER" {
		t.Errorf("send = %+v", out[0])
	}

	h := f.history.History(msg.RoomID)
	if len(h) != 2 || h[1].Role != history.RoleAssistant || h[1].Content != "AI ANSWER" {
		t.Errorf("history = %+v", h)
	}
	if len(f.turns.started) != 1 || f.turns.started[0].Kind != "checkin" || f.turns.statuses[0] != store.TurnSuccess {
		t.Errorf("turn log = %+v / %v", f.turns.started, f.turns.statuses)
	}
}

func TestHandle_CheckInInNonWhitelistedRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if got := f.router.Handle(ctx, roomMsg("random", "#打卡", false)); got != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", got)
	}
	if stats := f.ledger.Stats(ctx, ""); len(stats) != 0 {
		t.Errorf("ledger stats = %v, want empty", stats)
	}
	if len(f.sender.all()) != 0 {
		t.Error("no reply expected")
	}
}

func TestHandle_CheckInStorageFailureFallsThrough(t *testing.T) {
	f := newFixture(t, failingBackend{})
	ctx := context.Background()

	if got := f.router.Handle(ctx, roomMsg("bot测试", "#打卡", false)); got != OutcomeIgnored {
		t.Errorf("unmentioned: outcome = %s, want ignored", got)
	}
	if got := f.router.Handle(ctx, roomMsg("bot测试", "#打卡 我来了", true)); got != OutcomeReply {
		t.Errorf("mentioned: outcome = %s, want reply", got)
	}
	calls := f.provider.calls()
	if len(calls) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(calls))
	}
	if last := calls[0].Messages[len(calls[0].Messages)-1]; last.Content != "#打卡 我来了" {
		t.Errorf("prompt = %q, want raw text", last.Content)
	}
}

func TestHandle_StatsCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.Handle(ctx, roomMsg("bot测试", "#打卡 day1", false))
	bob := roomMsg("bot测试", "#打卡", false)
	bob.SenderID, bob.SenderName = "@bob:test", "Bob"
	f.router.Handle(ctx, bob)
	f.router.Handle(ctx, roomMsg("bot测试", "#打卡 day2", false))
	f.sender.sent = nil

	if got := f.router.Handle(ctx, roomMsg("bot测试", "@homeru 统计", true)); got != OutcomeStats {
		t.Fatalf("outcome = %s, want stats", got)
	}
	out := f.sender.all()
	if len(out) != 1 {
		t.Fatalf("sends = %d, want 1", len(out))
	}
	if out[0].to != nil {
		t.Errorf("stats reply should not address anyone: %+v", out[0].to)
	}
	for _, want := range []string{"「bot测试」", "共 3 次", "1. Alice：2 次", "2. Bob：1 次"} {
		if !strings.Contains(out[0].text, want) {
			t.Errorf("stats text %q missing %q", out[0].text, want)
		}
	}
	if calls := len(f.provider.calls()); calls != 3 {
		t.Errorf("completion calls = %d, want 3 (one per check-in, none for stats)", calls)
	}
}

func TestHandle_StatsKeywordWithoutMentionIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.router.Handle(context.Background(), roomMsg("bot测试", "统计一下", false)); got != OutcomeIgnored {
		t.Errorf("outcome = %s, want ignored", got)
	}
}

func TestHandle_QuotedMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	quoted := roomMsg("bot测试", "「Bob: 你好」\n- - - - - - - - - - - - - -\n@homeru 什么意思", true)
	if got := f.router.Handle(ctx, quoted); got != OutcomeIgnored {
		t.Errorf("pattern quote: outcome = %s, want ignored", got)
	}
	reply := roomMsg("bot测试", "@homeru 什么意思", true)
	reply.Quote = true
	if got := f.router.Handle(ctx, reply); got != OutcomeIgnored {
		t.Errorf("transport quote: outcome = %s, want ignored", got)
	}
	if len(f.sender.all()) != 0 {
		t.Error("quoted messages must not be answered")
	}
}

func TestHandle_RoomMentionReply(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.router.Handle(ctx, roomMsg("bot测试", "earlier chatter", false))
	msg := roomMsg("bot测试", "@homeru 讲个笑话", true)
	if got := f.router.Handle(ctx, msg); got != OutcomeReply {
		t.Fatalf("outcome = %s, want reply", got)
	}

	req := f.provider.calls()[0]
	wantContents := []string{"SYSTEM", "Alice: earlier chatter", "Alice: @homeru 讲个笑话", "@homeru 讲个笑话"}
	if len(req.Messages) != len(wantContents) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, want := range wantContents {
		if req.Messages[i].Content != want {
			t.Errorf("messages[%d] = %q, want %q", i, req.Messages[i].Content, want)
		}
	}
	if req.Messages[0].Role != llm.RoleSystem || req.MaxTokens != 1024 || *req.Temperature != 1 {
		t.Errorf("request params = %+v", req)
	}

	out := f.sender.all()
	if len(out) != 1 || out[0].roomID != msg.RoomID || out[0].to.Name != "Alice" {
		t.Errorf("sends = %+v", out)
	}
}

func TestHandle_ReplyLogCountsHistoryWithoutSystemPrompt(t *testing.T) {
	loader := config.New()
	cfg := strings.Replace(testConfig, `system: "SYSTEM"`, `system: " "`, 1)
	if err := loader.Apply([]byte(cfg)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	pol := policy.New(loader)
	provider := &stubProvider{answer: "AI ANSWER"}
	r, err := New(Options{
		Config:   loader,
		Policy:   pol,
		History:  history.New(30),
		Ledger:   ledger.New(ledger.NewJSONL(filepath.Join(t.TempDir(), "c.jsonl")), pol, logger),
		Provider: provider,
		Sender:   &stubSender{},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	r.Handle(ctx, roomMsg("bot测试", "earlier chatter", false))
	if got := r.Handle(ctx, roomMsg("bot测试", "@homeru hi", true)); got != OutcomeReply {
		t.Fatalf("outcome = %s, want reply", got)
	}
	if req := provider.calls()[0]; req.Messages[0].Role == llm.RoleSystem {
		t.Errorf("blank system prompt should be omitted: %+v", req.Messages)
	}
	if !strings.Contains(logs.String(), "history_turns=2") {
		t.Errorf("reply log should count 2 history turns:\n%s", logs.String())
	}
}

func TestHandle_PrivateMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stranger := privateMsg("mallory", "hi bot")
	if got := f.router.Handle(ctx, stranger); got != OutcomeIgnored {
		t.Errorf("stranger: outcome = %s, want ignored", got)
	}
	if len(f.history.History(stranger.SenderID)) != 0 {
		t.Error("non-whitelisted contacts must not touch history")
	}

	friend := privateMsg("jackiexiao", "hi bot")
	if got := f.router.Handle(ctx, friend); got != OutcomeReply {
		t.Fatalf("friend: outcome = %s, want reply", got)
	}
	h := f.history.History(friend.SenderID)
	if len(h) != 2 || h[0].Content != "jackiexiao: hi bot" || h[1].Content != "AI ANSWER" {
		t.Errorf("history = %+v", h)
	}
	req := f.provider.calls()[0]
	if len(req.Messages) != 3 {
		t.Errorf("messages = %d, want system + 1 history + prompt", len(req.Messages))
	}
	out := f.sender.all()
	if len(out) != 1 || out[0].chatID != friend.ChatID || out[0].text != "AI ANSWER" {
		t.Errorf("sends = %+v", out)
	}
}

func TestHandle_ServiceFailureSendsApology(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.err = &llm.ServiceError{Err: context.DeadlineExceeded}
	ctx := context.Background()

	msg := roomMsg("bot测试", "@homeru hello", true)
	if got := f.router.Handle(ctx, msg); got != OutcomeReply {
		t.Fatalf("outcome = %s, want reply", got)
	}
	out := f.sender.all()
	if len(out) != 1 || out[0].text != "抱歉，我遇到了一些问题" || out[0].to == nil {
		t.Errorf("sends = %+v", out)
	}
	h := f.history.History(msg.RoomID)
	for _, turn := range h {
		if turn.Role == history.RoleAssistant {
			t.Errorf("failed attempt must not append an assistant turn: %+v", h)
		}
	}
	if f.turns.statuses[0] != store.TurnFailed {
		t.Errorf("turn status = %q, want failed", f.turns.statuses[0])
	}
}

func TestHandle_EmptyCompletionIsAFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.answer = "   "
	f.router.Handle(context.Background(), privateMsg("jackiexiao", "hi"))
	if out := f.sender.all(); len(out) != 1 || out[0].text != "抱歉，我遇到了一些问题" {
		t.Errorf("sends = %+v", out)
	}
}

func TestHandle_SendFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = errors.New("network down")
	if got := f.router.Handle(context.Background(), roomMsg("bot测试", "@homeru hi", true)); got != OutcomeReply {
		t.Errorf("outcome = %s, want reply", got)
	}
}

func TestDispatchAndWait(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 6; i++ {
		f.router.Dispatch(ctx, privateMsg("jackiexiao", "hi"))
	}
	// Cancelling the transport context must not abort in-flight replies.
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := f.router.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(f.sender.all()); n != 6 {
		t.Errorf("sends = %d, want 6", n)
	}
	for _, s := range f.sender.all() {
		if s.text != "AI ANSWER" {
			t.Errorf("reply = %q, want AI ANSWER", s.text)
		}
	}
	if f.router.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", f.router.InFlight())
	}
	if got := f.router.Counts()["reply"]; got != 6 {
		t.Errorf("reply count = %d, want 6", got)
	}
}

func TestRenderStats_Empty(t *testing.T) {
	loader := config.New()
	if err := loader.Apply([]byte(testConfig)); err != nil {
		t.Fatal(err)
	}
	text, err := RenderStats(loader.Snapshot().Stats, "", nil)
	if err != nil {
		t.Fatalf("RenderStats: %v", err)
	}
	if !strings.Contains(text, "暂无打卡记录") || strings.HasSuffix(text, "\n") {
		t.Errorf("text = %q", text)
	}
}
