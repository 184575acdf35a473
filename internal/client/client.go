// Package client is a reconnecting websocket client for the chat relay.
// It authenticates on every connect and replays the rooms it remembers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/rooms"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultRetryDelay = 2 * time.Second
	DefaultMaxRetries = 5

	writeWait = 10 * time.Second
)

var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthRejected     = errors.New("authentication rejected")
	ErrNotConnected     = errors.New("not connected")
)

type Config struct {
	URL    string
	UserID string
	Token  string

	// Rooms defaults to an in-memory store.
	Rooms RoomStore
	// Bus defaults to a fresh bus, see Client.Bus.
	Bus *Bus

	RetryDelay time.Duration
	// MaxRetries is the number of consecutive reconnects tried after a
	// failure before Run gives up.
	MaxRetries int
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

type Client struct {
	url        string
	userID     string
	token      string
	sessionID  string
	roomStore  RoomStore
	bus        *Bus
	retryDelay time.Duration
	maxRetries int
	dialer     *websocket.Dialer
	logger     *zap.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	authenticated bool
	hidden        bool
	// pending holds joins sent on the current connection; joined the ones
	// the server has confirmed with a member count.
	pending map[string]bool
	joined  map[string]bool

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	c := &Client{
		url:        cfg.URL,
		userID:     cfg.UserID,
		token:      cfg.Token,
		sessionID:  uuid.NewString(),
		roomStore:  cfg.Rooms,
		bus:        cfg.Bus,
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
		dialer:     cfg.Dialer,
		logger:     cfg.Logger,
		pending:    make(map[string]bool),
		joined:     make(map[string]bool),
	}
	if c.roomStore == nil {
		c.roomStore = NewMemoryRooms()
	}
	if c.bus == nil {
		c.bus = NewBus()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("user_id", c.userID), zap.String("session_id", c.sessionID))
	return c
}

// SessionID identifies this client instance across reconnects.
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Bus() *Bus {
	return c.bus
}

// Connected reports whether the current connection is authenticated.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Run keeps a connection open until ctx is done. It returns nil on ctx
// cancellation, ErrAuthRejected when the server refuses the credentials
// and ErrRetriesExhausted after MaxRetries consecutive failed reconnects.
// A connection that authenticated resets the failure count.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		reachedAuth, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if reachedAuth {
			failures = 0
		}
		failures++
		if failures > c.maxRetries {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		c.logger.Info("connection lost, reconnecting",
			zap.Int("attempt", failures),
			zap.Duration("delay", c.retryDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	reachedAuth := false
	defer func() {
		c.mu.Lock()
		wasAuthenticated := c.authenticated
		c.conn = nil
		c.authenticated = false
		clear(c.pending)
		clear(c.joined)
		c.mu.Unlock()
		_ = conn.Close()
		if wasAuthenticated {
			c.bus.Publish(Event{Name: EventDisconnected})
		}
	}()

	if err := c.send(models.EventAuthenticate, models.AuthenticateRequest{UserID: c.userID, Token: c.token}); err != nil {
		return false, err
	}

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return reachedAuth, err
		}
		if err := c.handle(ev); err != nil {
			return reachedAuth, err
		}
		if ev.Name == models.EventAuthenticated {
			reachedAuth = true
			c.bus.Publish(Event{Name: EventConnected})
		}
		c.bus.Publish(ev)
	}
}

// handle updates local state for the events the client itself reacts to.
func (c *Client) handle(ev Event) error {
	switch ev.Name {
	case models.EventAuthenticated:
		var payload models.AuthenticatedPayload
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		if !payload.Success {
			return ErrAuthRejected
		}
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		c.replay()

	case models.EventRoomMemberCountUpdated:
		var payload models.MemberCountPayload
		if err := ev.Decode(&payload); err != nil {
			c.logger.Warn("bad member count event", zap.Error(err))
			return nil
		}
		c.mu.Lock()
		if c.pending[payload.RoomID] {
			delete(c.pending, payload.RoomID)
			c.joined[payload.RoomID] = true
		}
		c.mu.Unlock()

	case models.EventKickedFromRoom, models.EventRoomClosed:
		var payload models.RoomNoticePayload
		if err := ev.Decode(&payload); err != nil {
			c.logger.Warn("bad room notice", zap.String("event", ev.Name), zap.Error(err))
			return nil
		}
		c.forget(payload.RoomID)

	case models.EventError:
		var payload models.ErrorPayload
		if err := ev.Decode(&payload); err != nil {
			return nil
		}
		// A refused join carries no room id, so unconfirmed joins may be retried.
		if payload.Code == models.ErrorCodeForbidden {
			c.mu.Lock()
			clear(c.pending)
			c.mu.Unlock()
		}
	}
	return nil
}

// replay rejoins every remembered room after authentication.
func (c *Client) replay() {
	roomIDs, err := c.roomStore.Rooms()
	if err != nil {
		c.logger.Error("failed to load remembered rooms", zap.Error(err))
		return
	}
	for _, roomID := range roomIDs {
		if err := c.sendJoin(roomID); err != nil {
			c.logger.Warn("failed to replay join", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	c.mu.Lock()
	hidden := c.hidden
	c.mu.Unlock()
	if hidden {
		_ = c.send(models.EventSetStatus, models.SetStatusRequest{Status: models.PresenceAway})
	}
}

func (c *Client) sendJoin(roomID string) error {
	c.mu.Lock()
	if !c.authenticated || c.pending[roomID] || c.joined[roomID] {
		c.mu.Unlock()
		return nil
	}
	c.pending[roomID] = true
	c.mu.Unlock()
	return c.send(models.EventJoinRoom, models.JoinRoomRequest{RoomID: roomID, SessionID: c.sessionID})
}

// Join remembers roomID and sends join_room once per connection. Before
// authentication the join is only remembered and goes out with the replay.
func (c *Client) Join(roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	if err := c.roomStore.Remember(roomID); err != nil {
		return fmt.Errorf("failed to remember room: %w", err)
	}
	return c.sendJoin(roomID)
}

// Leave with rooms.Soft sends nothing: the membership stays and the room
// is still replayed. rooms.Forced forgets the room and tells the server.
func (c *Client) Leave(roomID string, intent rooms.LeaveIntent) error {
	if intent != rooms.Forced {
		return nil
	}
	c.forget(roomID)
	if !c.Connected() {
		return nil
	}
	return c.send(models.EventLeaveRoom, models.LeaveRoomRequest{RoomID: roomID, SessionID: c.sessionID, Force: true})
}

func (c *Client) forget(roomID string) {
	if err := c.roomStore.Forget(roomID); err != nil {
		c.logger.Warn("failed to forget room", zap.String("room_id", roomID), zap.Error(err))
	}
	c.mu.Lock()
	delete(c.pending, roomID)
	delete(c.joined, roomID)
	c.mu.Unlock()
}

// SetVisible maps app visibility to presence: hidden is away, visible is
// online. The state survives reconnects.
func (c *Client) SetVisible(visible bool) error {
	c.mu.Lock()
	c.hidden = !visible
	authenticated := c.authenticated
	c.mu.Unlock()
	if !authenticated {
		return nil
	}
	status := models.PresenceOnline
	if !visible {
		status = models.PresenceAway
	}
	return c.send(models.EventSetStatus, models.SetStatusRequest{Status: status})
}

func (c *Client) SetStatus(status models.PresenceStatus) error {
	return c.send(models.EventSetStatus, models.SetStatusRequest{Status: status})
}

func (c *Client) SendMessage(roomID, content string, msgType models.MessageType) error {
	return c.send(models.EventSendMessage, models.SendMessageRequest{RoomID: roomID, Content: content, MessageType: msgType})
}

func (c *Client) SendDirect(recipientID, content string) error {
	return c.send(models.EventSendMessage, models.SendMessageRequest{RecipientID: recipientID, Content: content})
}

func (c *Client) Typing(roomID string, isTyping bool) error {
	return c.send(models.EventTyping, models.TypingRequest{RoomID: roomID, IsTyping: isTyping})
}

func (c *Client) TypingTo(recipientID string, isTyping bool) error {
	return c.send(models.EventTyping, models.TypingRequest{RecipientID: recipientID, IsTyping: isTyping})
}

func (c *Client) send(name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(models.ClientEvent{Event: name, Data: raw})
}
