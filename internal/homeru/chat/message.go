// Package chat defines the transport-neutral message value and the send
// operations the router uses to talk back to a chat channel.
package chat

import (
	"context"
	"time"
)

// Kind classifies an inbound event.
type Kind string

const (
	// KindText is a plain text message. Only text is routed.
	KindText Kind = "text"
	// KindOther covers images, files, stickers, notices and anything else.
	KindOther Kind = "other"
)

// Message is one inbound chat event with every accessor resolved up front.
// Transports build it once and the router passes it by value.
type Message struct {
	// ID is the transport's event/message identifier.
	ID   string
	Kind Kind

	// Self is true when the bot authored the message.
	Self bool

	Text string

	// SenderID is the stable identifier of the speaker. For private
	// conversations it is also the conversation key.
	SenderID string
	// SenderName is the speaker's display name.
	SenderName string
	// SenderAlias is matched against the private-contact whitelist.
	SenderAlias string

	// RoomID is empty for private conversations.
	RoomID   string
	RoomName string

	// ChatID is the address used to reply to a private contact. Transports
	// that have one channel per private conversation (Matrix direct rooms,
	// Feishu p2p chats) set it to that channel.
	ChatID string

	// MentionsSelf reports whether the message mentions the bot.
	MentionsSelf bool

	// Quote is set when the transport knows the message replies to or quotes
	// an earlier one.
	Quote bool

	Timestamp time.Time
}

// IsRoom reports whether the message belongs to a group conversation.
func (m Message) IsRoom() bool { return m.RoomID != "" }

// ConversationKey returns the history key: the room for group messages,
// the contact otherwise.
func (m Message) ConversationKey() string {
	if m.IsRoom() {
		return m.RoomID
	}
	return m.SenderID
}

// Addressee names the person a room reply is directed at.
type Addressee struct {
	ID   string
	Name string
}

// Sender delivers text back to the chat channel.
type Sender interface {
	// SendToRoom posts text into a room, mentioning to when it is non-nil.
	SendToRoom(ctx context.Context, roomID, text string, to *Addressee) error
	// SendToContact posts text into a private conversation.
	SendToContact(ctx context.Context, chatID, text string) error
}

// Handler consumes inbound messages. Transports call it for every event.
type Handler func(ctx context.Context, msg Message)
