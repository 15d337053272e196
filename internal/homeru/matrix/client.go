// Package matrix connects the bot to a Matrix homeserver through mautrix-go.
//
// The client joins the configured rooms (and, optionally, any room it is
// invited to), converts timeline events into chat.Message values and
// implements chat.Sender for replies.
package matrix

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms are joined on start.
	Rooms []string
	// AutoJoin accepts every room invite.
	AutoJoin bool

	// DB, when set, persists the sync position in matrix_sync_state.
	DB *sql.DB
}

// Client is the bot's Matrix connection.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	self   id.UserID
	logger *slog.Logger

	selfName string

	mu      sync.Mutex
	rooms   map[id.RoomID]roomInfo
	members map[memberKey]string
	direct  map[id.RoomID]bool
}

type memberKey struct {
	room id.RoomID
	user id.UserID
}

// Compile-time assertion that Client can deliver router replies.
var _ chat.Sender = (*Client)(nil)

// New creates a Matrix client but does not start syncing yet.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
		logger.Info("Matrix sync store: using persistent SQLite store")
	} else {
		logger.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}
	return &Client{
		mxc:     mxc,
		cfg:     cfg,
		self:    id.UserID(cfg.UserID),
		logger:  logger,
		rooms:   make(map[id.RoomID]roomInfo),
		members: make(map[memberKey]string),
		direct:  make(map[id.RoomID]bool),
	}, nil
}

// Start joins the configured rooms and syncs until ctx is cancelled, calling
// handler for every message event. Sync errors reconnect with exponential
// back-off.
func (c *Client) Start(ctx context.Context, handler chat.Handler) error {
	c.logger.Warn("Matrix E2EE is not enabled; messages are in plaintext")

	if profile, err := c.mxc.GetProfile(ctx, c.self); err == nil {
		c.selfName = profile.DisplayName
	} else {
		c.logger.Warn("could not fetch own profile", "err", err)
	}

	var direct event.DirectChatsEventContent
	if err := c.mxc.GetAccountData(ctx, event.AccountDataDirectChats.Type, &direct); err == nil {
		c.setDirect(direct)
	} else {
		c.logger.Debug("no m.direct account data", "err", err)
	}

	startedAt := time.Now()
	syncer := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(evtCtx context.Context, evt *event.Event) {
		// Events from before start are history the bot was not around for.
		if time.UnixMilli(evt.Timestamp).Before(startedAt.Add(-time.Minute)) {
			return
		}
		msg, ok := toMessage(evtCtx, c, c.self, c.selfName, evt)
		if !ok {
			return
		}
		handler(ctx, msg)
	})
	syncer.OnEventType(event.StateMember, c.handleMember)
	syncer.OnEventType(event.AccountDataDirectChats, func(_ context.Context, evt *event.Event) {
		var direct event.DirectChatsEventContent
		if err := json.Unmarshal(evt.Content.VeryRaw, &direct); err != nil {
			c.logger.Warn("malformed m.direct account data", "err", err)
			return
		}
		c.setDirect(direct)
	})
	syncer.OnEventType(event.StateRoomName, func(_ context.Context, evt *event.Event) {
		c.forgetRoom(evt.RoomID)
	})

	for _, room := range c.cfg.Rooms {
		if err := c.join(ctx, id.RoomID(room)); err != nil {
			c.logger.Warn("could not join room", "room", room, "err", err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		c.logger.Error("matrix sync error; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// SendToRoom posts text into roomID. A non-nil addressee is mentioned with a
// pill and in m.mentions.
func (c *Client) SendToRoom(ctx context.Context, roomID, text string, to *chat.Addressee) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if to != nil && to.ID != "" {
		name := to.Name
		if name == "" {
			name = to.ID
		}
		content.Body = name + ": " + text
		content.Format = event.FormatHTML
		content.FormattedBody = fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>: %s`,
			html.EscapeString(to.ID), html.EscapeString(name), htmlText(text))
		content.Mentions = &event.Mentions{UserIDs: []id.UserID{id.UserID(to.ID)}}
	}
	_, err := c.mxc.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("send to room %s: %w", roomID, err)
	}
	return nil
}

// SendToContact posts text into the direct room chatID.
func (c *Client) SendToContact(ctx context.Context, chatID, text string) error {
	content := event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if _, err := c.mxc.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content); err != nil {
		return fmt.Errorf("send to contact room %s: %w", chatID, err)
	}
	return nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// roomInfo resolves and caches the name and direct-ness of a room.
func (c *Client) roomInfo(ctx context.Context, roomID id.RoomID) roomInfo {
	c.mu.Lock()
	info, ok := c.rooms[roomID]
	c.mu.Unlock()
	if ok {
		return info
	}

	var name event.RoomNameEventContent
	if err := c.mxc.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err != nil {
		c.logger.Debug("room has no name", "room", roomID, "err", err)
	}
	info.Name = name.Name
	if info.Name == "" {
		var alias event.CanonicalAliasEventContent
		if err := c.mxc.StateEvent(ctx, roomID, event.StateCanonicalAlias, "", &alias); err == nil {
			info.Name = alias.Alias.String()
		}
	}
	members := 0
	if joined, err := c.mxc.JoinedMembers(ctx, roomID); err == nil {
		members = len(joined.Joined)
	} else {
		c.logger.Warn("could not list room members", "room", roomID, "err", err)
	}
	info.Direct = directRoom(c.markedDirect(roomID), info.Name, members)

	c.mu.Lock()
	c.rooms[roomID] = info
	c.mu.Unlock()
	return info
}

// displayName resolves and caches a member's room display name.
func (c *Client) displayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	key := memberKey{room: roomID, user: userID}
	c.mu.Lock()
	name, ok := c.members[key]
	c.mu.Unlock()
	if ok {
		return name
	}

	var member event.MemberEventContent
	if err := c.mxc.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member); err == nil {
		name = member.Displayname
	}
	c.mu.Lock()
	c.members[key] = name
	c.mu.Unlock()
	return name
}

// handleMember keeps the caches fresh and accepts invites when configured.
func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	c.forgetRoom(evt.RoomID)
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	c.mu.Lock()
	delete(c.members, memberKey{room: evt.RoomID, user: target})
	c.mu.Unlock()

	member := evt.Content.AsMember()
	if target != c.self || member.Membership != event.MembershipInvite {
		return
	}
	if member.IsDirect {
		c.mu.Lock()
		c.direct[evt.RoomID] = true
		c.mu.Unlock()
	}
	if !c.cfg.AutoJoin {
		c.logger.Info("ignoring room invite; auto-join disabled", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}
	if err := c.join(ctx, evt.RoomID); err != nil {
		c.logger.Warn("could not accept invite", "room", evt.RoomID, "err", err)
		return
	}
	c.logger.Info("joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

// setDirect marks every room listed in m.direct and drops cached room info.
func (c *Client) setDirect(direct event.DirectChatsEventContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rooms := range direct {
		for _, room := range rooms {
			c.direct[room] = true
		}
	}
	clear(c.rooms)
}

func (c *Client) markedDirect(roomID id.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direct[roomID]
}

func (c *Client) forgetRoom(roomID id.RoomID) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// join joins a room. M_FORBIDDEN is returned by homeservers when the bot is
// already a member, so it is not treated as a failure.
func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("join: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

func htmlText(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}
