package matrix

import (
	"context"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
)

// roomInfo is what the router needs to know about a room.
type roomInfo struct {
	Name string
	// Direct marks a one-to-one conversation; see directRoom.
	Direct bool
}

// directRoom decides whether a room is a one-to-one conversation. Rooms
// marked direct through m.direct or an is_direct invite always are. Other
// rooms count only when they have no name and at most two joined members,
// so a named group with a single member besides the bot stays a group.
func directRoom(marked bool, name string, members int) bool {
	if marked {
		return true
	}
	return name == "" && members > 0 && members <= 2
}

// resolver looks up room and member state. The Client implements it with
// cached homeserver queries; tests use a map.
type resolver interface {
	roomInfo(ctx context.Context, roomID id.RoomID) roomInfo
	displayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string
}

// toMessage converts a timeline event into a chat.Message. ok is false for
// events that carry no message content.
func toMessage(ctx context.Context, r resolver, self id.UserID, selfName string, evt *event.Event) (chat.Message, bool) {
	content := evt.Content.AsMessage()
	if content == nil {
		return chat.Message{}, false
	}

	msg := chat.Message{
		ID:          evt.ID.String(),
		Kind:        chat.KindOther,
		Self:        evt.Sender == self,
		Text:        content.Body,
		SenderID:    evt.Sender.String(),
		SenderAlias: evt.Sender.String(),
		Timestamp:   time.UnixMilli(evt.Timestamp),
	}
	if content.MsgType == event.MsgText {
		msg.Kind = chat.KindText
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.Quote = true
		msg.Text = stripReplyFallback(msg.Text)
	}
	if content.NewContent != nil {
		// Edits re-send the whole message; treat them as non-text so a
		// corrected check-in is not counted twice.
		msg.Kind = chat.KindOther
	}

	msg.SenderName = r.displayName(ctx, evt.RoomID, evt.Sender)
	if msg.SenderName == "" {
		msg.SenderName = localpart(evt.Sender)
	}

	info := r.roomInfo(ctx, evt.RoomID)
	if info.Direct {
		msg.ChatID = evt.RoomID.String()
	} else {
		msg.RoomID = evt.RoomID.String()
		msg.RoomName = info.Name
	}
	msg.MentionsSelf = mentions(content, self, selfName)
	return msg, true
}

// mentions reports whether content mentions self, either through the
// structured m.mentions field or in the body text.
func mentions(content *event.MessageEventContent, self id.UserID, selfName string) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, self) {
		return true
	}
	body := content.Body
	if strings.Contains(body, self.String()) {
		return true
	}
	if selfName != "" && strings.Contains(body, "@"+selfName) {
		return true
	}
	return strings.Contains(content.FormattedBody, "https://matrix.to/#/"+self.String())
}

// stripReplyFallback removes the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// localpart returns the part of a user ID between "@" and ":".
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
