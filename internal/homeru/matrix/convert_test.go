package matrix

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
	"github.com/bdobrica/Homeru/internal/homeru/store"
)

const botID = id.UserID("@homeru:example.com")

type mapResolver struct {
	rooms map[id.RoomID]roomInfo
	names map[id.UserID]string
}

func (m mapResolver) roomInfo(_ context.Context, roomID id.RoomID) roomInfo { return m.rooms[roomID] }
func (m mapResolver) displayName(_ context.Context, _ id.RoomID, userID id.UserID) string {
	return m.names[userID]
}

func testResolver() mapResolver {
	return mapResolver{
		rooms: map[id.RoomID]roomInfo{
			"!group:example.com": {Name: "01MVP 打卡群"},
			"!dm:example.com":    {Direct: true},
		},
		names: map[id.UserID]string{"@alice:example.com": "Alice"},
	}
}

func textEvent(roomID id.RoomID, sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        "$evt1",
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func TestToMessage_GroupText(t *testing.T) {
	evt := textEvent("!group:example.com", "@alice:example.com", &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     "#打卡 读书",
		Mentions: &event.Mentions{UserIDs: []id.UserID{botID}},
	})
	msg, ok := toMessage(context.Background(), testResolver(), botID, "homeru", evt)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Kind != chat.KindText || msg.Self || msg.Quote {
		t.Errorf("flags = %+v", msg)
	}
	if msg.RoomID != "!group:example.com" || msg.RoomName != "01MVP 打卡群" || msg.ChatID != "" {
		t.Errorf("room fields = %q %q %q", msg.RoomID, msg.RoomName, msg.ChatID)
	}
	if msg.SenderName != "Alice" || msg.SenderAlias != "@alice:example.com" {
		t.Errorf("sender fields = %q %q", msg.SenderName, msg.SenderAlias)
	}
	if !msg.MentionsSelf {
		t.Error("expected mention via m.mentions")
	}
	if !msg.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestToMessage_DirectRoomIsPrivate(t *testing.T) {
	evt := textEvent("!dm:example.com", "@bob:example.com", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hi",
	})
	msg, _ := toMessage(context.Background(), testResolver(), botID, "homeru", evt)
	if msg.IsRoom() {
		t.Error("direct room message should be private")
	}
	if msg.ChatID != "!dm:example.com" || msg.ConversationKey() != "@bob:example.com" {
		t.Errorf("chat id = %q, key = %q", msg.ChatID, msg.ConversationKey())
	}
	if msg.SenderName != "bob" {
		t.Errorf("sender name fallback = %q, want localpart", msg.SenderName)
	}
}

func TestToMessage_Classification(t *testing.T) {
	tests := []struct {
		name      string
		sender    id.UserID
		content   *event.MessageEventContent
		wantKind  chat.Kind
		wantSelf  bool
		wantQuote bool
		wantText  string
	}{
		{
			name:     "own message",
			sender:   botID,
			content:  &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"},
			wantKind: chat.KindText, wantSelf: true, wantText: "hello",
		},
		{
			name:     "image",
			sender:   "@alice:example.com",
			content:  &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"},
			wantKind: chat.KindOther, wantText: "cat.png",
		},
		{
			name:     "notice",
			sender:   "@alice:example.com",
			content:  &event.MessageEventContent{MsgType: event.MsgNotice, Body: "bot says"},
			wantKind: chat.KindOther, wantText: "bot says",
		},
		{
			name:   "reply strips fallback",
			sender: "@alice:example.com",
			content: &event.MessageEventContent{
				MsgType:   event.MsgText,
				Body:      "> <@bob:example.com> original\n\nmy answer",
				RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$orig"}},
			},
			wantKind: chat.KindText, wantQuote: true, wantText: "my answer",
		},
		{
			name:   "edit",
			sender: "@alice:example.com",
			content: &event.MessageEventContent{
				MsgType:    event.MsgText,
				Body:       "* #打卡",
				NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "#打卡"},
			},
			wantKind: chat.KindOther, wantText: "* #打卡",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := toMessage(context.Background(), testResolver(), botID, "homeru",
				textEvent("!group:example.com", tt.sender, tt.content))
			if !ok {
				t.Fatal("expected a message")
			}
			if msg.Kind != tt.wantKind || msg.Self != tt.wantSelf || msg.Quote != tt.wantQuote || msg.Text != tt.wantText {
				t.Errorf("got kind=%s self=%v quote=%v text=%q", msg.Kind, msg.Self, msg.Quote, msg.Text)
			}
		})
	}
}

func TestDirectRoom(t *testing.T) {
	tests := []struct {
		name    string
		marked  bool
		room    string
		members int
		want    bool
	}{
		{"marked direct", true, "Alice and Homeru", 2, true},
		{"unnamed pair", false, "", 2, true},
		{"named pair is a group", false, "01MVP 打卡群", 2, false},
		{"unnamed crowd", false, "", 5, false},
		{"members unknown", false, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := directRoom(tt.marked, tt.room, tt.members); got != tt.want {
				t.Errorf("directRoom(%v, %q, %d) = %v, want %v", tt.marked, tt.room, tt.members, got, tt.want)
			}
		})
	}
}

func TestClient_DirectInviteMarksRoom(t *testing.T) {
	c, err := New(Config{Homeserver: "http://127.0.0.1:1", UserID: string(botID), AccessToken: "t"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	invite := func(room id.RoomID, direct bool) *event.Event {
		key := string(botID)
		return &event.Event{
			RoomID:   room,
			Sender:   "@alice:example.com",
			Type:     event.StateMember,
			StateKey: &key,
			Content: event.Content{Parsed: &event.MemberEventContent{
				Membership: event.MembershipInvite,
				IsDirect:   direct,
			}},
		}
	}
	ctx := context.Background()
	c.handleMember(ctx, invite("!dm:example.com", true))
	c.handleMember(ctx, invite("!group:example.com", false))

	if !c.markedDirect("!dm:example.com") {
		t.Error("is_direct invite should mark the room direct")
	}
	if c.markedDirect("!group:example.com") {
		t.Error("plain invite should not mark the room direct")
	}

	c.setDirect(event.DirectChatsEventContent{"@bob:example.com": {"!other:example.com"}})
	if !c.markedDirect("!other:example.com") || !c.markedDirect("!dm:example.com") {
		t.Error("m.direct rooms should be added to invite-marked rooms")
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		name    string
		content event.MessageEventContent
		want    bool
	}{
		{"m.mentions", event.MessageEventContent{Mentions: &event.Mentions{UserIDs: []id.UserID{botID}}}, true},
		{"other user mentioned", event.MessageEventContent{Body: "hi", Mentions: &event.Mentions{UserIDs: []id.UserID{"@x:example.com"}}}, false},
		{"full id in body", event.MessageEventContent{Body: "@homeru:example.com 统计"}, true},
		{"display name in body", event.MessageEventContent{Body: "@homeru 统计"}, true},
		{"pill", event.MessageEventContent{Body: "hey", FormattedBody: `<a href="https://matrix.to/#/@homeru:example.com">bot</a> hey`}, true},
		{"plain text", event.MessageEventContent{Body: "homeru is nice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mentions(&tt.content, botID, "homeru"); got != tt.want {
				t.Errorf("mentions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDBSyncStore(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "homeru.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	ss := NewDBSyncStore(s.DB())
	ctx := context.Background()

	if got, err := ss.LoadNextBatch(ctx, botID); err != nil || got != "" {
		t.Fatalf("LoadNextBatch on empty store = %q, %v", got, err)
	}
	if err := ss.SaveNextBatch(ctx, botID, "s1"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if err := ss.SaveNextBatch(ctx, botID, "s2"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if got, _ := ss.LoadNextBatch(ctx, botID); got != "s2" {
		t.Errorf("next batch = %q, want s2", got)
	}
	if err := ss.SaveFilterID(ctx, botID, "f1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}
	if got, _ := ss.LoadFilterID(ctx, botID); got != "f1" {
		t.Errorf("filter id = %q, want f1", got)
	}
}
