package feishu

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
)

const (
	typeURLVerification = "url_verification"
	eventMessageReceive = "im.message.receive_v1"

	chatTypeP2P   = "p2p"
	senderTypeApp = "app"
	messageText   = "text"
)

// callback is the union of the url_verification body and a schema 2.0
// event envelope.
type callback struct {
	// url_verification
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`

	// schema 2.0 events
	Schema string          `json:"schema"`
	Header eventHeader     `json:"header"`
	Event  json.RawMessage `json:"event"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
}

type userID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

type mention struct {
	Key  string `json:"key"`
	ID   userID `json:"id"`
	Name string `json:"name"`
}

type messageReceive struct {
	Sender struct {
		SenderID   userID `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string    `json:"message_id"`
		RootID      string    `json:"root_id"`
		ParentID    string    `json:"parent_id"`
		CreateTime  string    `json:"create_time"`
		ChatID      string    `json:"chat_id"`
		ChatType    string    `json:"chat_type"`
		MessageType string    `json:"message_type"`
		Content     string    `json:"content"`
		Mentions    []mention `json:"mentions"`
	} `json:"message"`
}

type textContent struct {
	Text string `json:"text"`
}

// names resolves display names for chats and users.
type names interface {
	chatName(ctx context.Context, chatID string) string
	userName(ctx context.Context, openID string) string
}

// toMessage converts a receive event into a chat.Message. Mention
// placeholders such as "@_user_1" are replaced with "@Name".
func toMessage(ctx context.Context, n names, botOpenID string, ev messageReceive) chat.Message {
	m := ev.Message
	msg := chat.Message{
		ID:          m.MessageID,
		Kind:        chat.KindOther,
		Self:        ev.Sender.SenderType == senderTypeApp,
		SenderID:    ev.Sender.SenderID.OpenID,
		SenderAlias: ev.Sender.SenderID.OpenID,
		Quote:       m.ParentID != "",
		Timestamp:   parseMillis(m.CreateTime),
	}

	if m.MessageType == messageText {
		var tc textContent
		if err := json.Unmarshal([]byte(m.Content), &tc); err == nil {
			msg.Kind = chat.KindText
			msg.Text = tc.Text
		}
	}

	for _, mt := range m.Mentions {
		if botOpenID != "" && mt.ID.OpenID == botOpenID {
			msg.MentionsSelf = true
		}
		if mt.Key != "" {
			msg.Text = strings.ReplaceAll(msg.Text, mt.Key, "@"+mt.Name)
		}
	}

	if m.ChatType == chatTypeP2P {
		msg.ChatID = m.ChatID
	} else {
		msg.RoomID = m.ChatID
		msg.RoomName = n.chatName(ctx, m.ChatID)
	}

	if !msg.Self && msg.SenderID != "" {
		msg.SenderName = n.userName(ctx, msg.SenderID)
	}
	if msg.SenderName == "" {
		msg.SenderName = msg.SenderID
	}
	return msg
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
