package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/content"
	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/registry"
	"github.com/w7109066-del/Migers-sub002/internal/rooms"
	"github.com/w7109066-del/Migers-sub002/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authenticator checks that token belongs to userID.
type Authenticator interface {
	Authenticate(userID, token string) (models.User, error)
}

type HubConfig struct {
	Store            storage.Store
	Auth             Authenticator
	Logger           *zap.Logger
	GracePeriod      time.Duration
	ReapInterval     time.Duration
	MaxMessageLength int
	Now              func() time.Time
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage) error

// Hub routes inbound events to handlers and outbound events to users and
// rooms. Handlers for one session run on that session's goroutine.
type Hub struct {
	registry *registry.Registry
	rooms    *rooms.Tracker
	store    storage.Store
	auth     Authenticator
	logger   *zap.Logger

	handlers  map[string]handlerFunc
	maxLength int
	now       func() time.Time
}

func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		store:     cfg.Store,
		auth:      cfg.Auth,
		logger:    cfg.Logger,
		maxLength: cfg.MaxMessageLength,
		now:       cfg.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxLength <= 0 {
		h.maxLength = content.DefaultMaxLength
	}

	h.registry = registry.New(registry.Config{
		OnPresence: h.onPresence,
		Now:        h.now,
	})
	h.rooms = rooms.New(rooms.Config{
		Presence:     h.registry,
		GracePeriod:  cfg.GracePeriod,
		ReapInterval: cfg.ReapInterval,
		OnChange:     h.onRoomChange,
		Now:          h.now,
	})

	h.handlers = map[string]handlerFunc{
		models.EventAuthenticate: h.handleAuthenticate,
		models.EventJoinRoom:     h.handleJoinRoom,
		models.EventLeaveRoom:    h.handleLeaveRoom,
		models.EventSendMessage:  h.handleSendMessage,
		models.EventTyping:       h.handleTyping,
		models.EventSetStatus:    h.handleSetStatus,
	}
	return h
}

func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

func (h *Hub) Rooms() *rooms.Tracker {
	return h.rooms
}

// Run reaps stale room memberships until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.rooms.Run(ctx)
}

// RouteInbound handles one client event. Failures are reported to the
// session as error events and never propagate.
func (h *Hub) RouteInbound(ctx context.Context, s *Session, event models.ClientEvent) {
	logger := h.logger.With(zap.String("conn_id", s.ID()), zap.String("event", event.Event))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", zap.Any("panic", r))
			s.Send(models.ErrorEvent(models.ErrorCodeInternal, "internal error"))
		}
	}()

	handler, ok := h.handlers[event.Event]
	if !ok {
		logger.Debug("dropping unknown event")
		return
	}
	if event.Event != models.EventAuthenticate && s.State() != Authenticated {
		s.Send(models.ErrorEvent(models.ErrorCodeAuthRequired, "authentication required"))
		return
	}

	if err := handler(ctx, s, event.Data); err != nil {
		h.sendError(logger, s, err)
	}
}

// Disconnect removes s from routing. Memberships are kept until reaped.
func (h *Hub) Disconnect(s *Session) {
	user, _ := s.User()
	s.Close()
	if h.registry.Unregister(s) {
		h.logger.Debug("user disconnected", zap.String("conn_id", s.ID()), zap.String("user_id", user.ID))
	}
}

func (h *Hub) handleAuthenticate(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.AuthenticateRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	if current, ok := s.User(); ok {
		if current.ID != req.UserID {
			return protocolError("connection is already authenticated as another user")
		}
		if !h.bind(current.ID, s) {
			return nil
		}
		s.Send(models.Event(models.EventAuthenticated, models.AuthenticatedPayload{Success: true, User: &current}))
		return nil
	}

	user, err := h.auth.Authenticate(req.UserID, req.Token)
	if err != nil {
		h.logger.Info("authentication failed",
			zap.String("conn_id", s.ID()),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		s.Send(models.Event(models.EventAuthenticated, models.AuthenticatedPayload{Success: false}))
		return &eventError{code: models.ErrorCodeAuthRequired, message: "authentication failed"}
	}

	if !s.authenticate(user, h.now()) || !h.bind(user.ID, s) {
		return nil
	}
	s.Send(models.Event(models.EventAuthenticated, models.AuthenticatedPayload{Success: true, User: &user}))
	h.logger.Debug("user authenticated", zap.String("conn_id", s.ID()), zap.String("user_id", user.ID))
	return nil
}

// bind registers s for userID and undoes it when Disconnect closed s
// before the binding existed.
func (h *Hub) bind(userID string, s *Session) bool {
	h.registry.Register(userID, s)
	if s.State() != Closed {
		return true
	}
	h.registry.Unregister(s)
	return false
}

func (h *Hub) handleJoinRoom(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.JoinRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return protocolError("roomId is required")
	}
	user, _ := s.User()

	_, created, err := h.rooms.Join(req.RoomID, rooms.Member{
		UserID:    user.ID,
		Username:  user.Username,
		SessionID: req.SessionID,
	})
	if err != nil {
		return err
	}
	if !created {
		// Replayed join: no broadcast, but the joiner still learns the count.
		s.Send(models.Event(models.EventRoomMemberCountUpdated, models.MemberCountPayload{
			RoomID:      req.RoomID,
			MemberCount: h.rooms.MemberCount(req.RoomID),
		}))
	}
	return nil
}

func (h *Hub) handleLeaveRoom(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.LeaveRoomRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.RoomID == "" {
		return protocolError("roomId is required")
	}
	user, _ := s.User()

	intent := rooms.Soft
	if req.Force {
		intent = rooms.Forced
	}
	h.rooms.Leave(req.RoomID, user.ID, intent)
	return nil
}

func (h *Hub) handleSendMessage(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.SendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	user, _ := s.User()
	if err := h.checkTarget(user.ID, req.RoomID, req.RecipientID); err != nil {
		return err
	}

	msgType, body, html, err := content.Prepare(req.MessageType, req.Content, h.maxLength)
	if err != nil {
		return protocolError(err.Error())
	}

	saved, err := h.store.SaveMessage(models.Message{
		ID:          uuid.NewString(),
		RoomID:      req.RoomID,
		RecipientID: req.RecipientID,
		SenderID:    user.ID,
		SenderName:  user.Username,
		Content:     body,
		HTML:        html,
		MessageType: msgType,
		CreatedAt:   models.Millis(h.now()),
	})
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	if saved.IsDirect() {
		h.registry.Send(saved.RecipientID, models.Event(models.EventNewDirectMessage, models.MessagePayload{Message: saved}))
		return nil
	}
	h.broadcast(saved.RoomID, "", models.Event(models.EventNewMessage, models.MessagePayload{Message: saved}))
	return nil
}

func (h *Hub) handleTyping(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	user, _ := s.User()
	if err := h.checkTarget(user.ID, req.RoomID, req.RecipientID); err != nil {
		return err
	}

	event := models.Event(models.EventUserTyping, models.UserTypingPayload{
		UserID:   user.ID,
		Username: user.Username,
		RoomID:   req.RoomID,
		IsTyping: req.IsTyping,
	})
	if req.RecipientID != "" {
		h.registry.Send(req.RecipientID, event)
		return nil
	}
	h.broadcast(req.RoomID, user.ID, event)
	return nil
}

func (h *Hub) handleSetStatus(_ context.Context, s *Session, data json.RawMessage) error {
	var req models.SetStatusRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !req.Status.Valid() || req.Status == models.PresenceOffline {
		return protocolError("status must be online, away or busy")
	}
	user, _ := s.User()
	h.registry.SetStatus(user.ID, req.Status)
	return nil
}

// checkTarget requires exactly one of roomID and recipientID, and
// membership of the room.
func (h *Hub) checkTarget(userID, roomID, recipientID string) error {
	if (roomID == "") == (recipientID == "") {
		return protocolError("exactly one of roomId or recipientId is required")
	}
	if recipientID == userID {
		return protocolError("cannot send to yourself")
	}
	if roomID != "" && !h.rooms.IsMember(roomID, userID) {
		return forbiddenError("not a member of this room")
	}
	return nil
}

// Kick removes userID from roomID, bans them from rejoining and tells them.
func (h *Hub) Kick(roomID, userID, message string) bool {
	if message == "" {
		message = "You have been removed from the room"
	}
	_, removed := h.rooms.Kick(roomID, userID)
	h.registry.Send(userID, models.Event(models.EventKickedFromRoom, models.RoomNoticePayload{
		Message: message,
		RoomID:  roomID,
	}))
	h.logger.Info("user kicked", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Bool("was_member", removed))
	return removed
}

// CloseRoom drops every member of roomID and rejects joins until ReopenRoom.
// Returns the number of members that were dropped.
func (h *Hub) CloseRoom(roomID, message string) int {
	if message == "" {
		message = "This room has been closed"
	}
	dropped := h.rooms.Close(roomID)
	event := models.Event(models.EventRoomClosed, models.RoomNoticePayload{Message: message, RoomID: roomID})
	for _, m := range dropped {
		h.registry.Send(m.UserID, event)
	}
	h.logger.Info("room closed", zap.String("room_id", roomID), zap.Int("members", len(dropped)))
	return len(dropped)
}

func (h *Hub) ReopenRoom(roomID string) {
	h.rooms.Reopen(roomID)
}

// Logout unbinds userID and closes their active connection.
func (h *Hub) Logout(userID string) bool {
	conn, ok := h.registry.Drop(userID)
	if !ok {
		return false
	}
	if s, ok := conn.(*Session); ok {
		s.Close()
	}
	return true
}

// Presence returns the live presence of userID, falling back to the store.
func (h *Hub) Presence(userID string) (models.Presence, error) {
	if p, ok := h.registry.Presence(userID); ok {
		return p, nil
	}
	return h.store.GetPresence(userID)
}

func (h *Hub) onPresence(p models.Presence) {
	if err := h.store.SavePresence(p); err != nil {
		h.logger.Warn("failed to save presence", zap.String("user_id", p.UserID), zap.Error(err))
	}

	event := models.Event(models.EventPresenceChanged, p)
	seen := map[string]bool{p.UserID: true}
	for _, roomID := range h.rooms.RoomsOf(p.UserID) {
		for _, member := range h.rooms.Members(roomID) {
			if seen[member] {
				continue
			}
			seen[member] = true
			h.registry.Send(member, event)
		}
	}
}

func (h *Hub) onRoomChange(c rooms.Change) {
	m := c.Membership
	switch c.Kind {
	case rooms.Joined:
		h.broadcast(m.RoomID, "", models.Event(models.EventUserJoined, models.UserJoinedPayload{
			UserID:   m.UserID,
			Username: m.Username,
			RoomID:   m.RoomID,
		}))
	case rooms.Left:
		h.broadcast(m.RoomID, "", models.Event(models.EventUserLeft, models.UserLeftPayload{
			Username: m.Username,
			RoomID:   m.RoomID,
		}))
	}
	h.broadcast(m.RoomID, "", models.Event(models.EventRoomMemberCountUpdated, models.MemberCountPayload{
		RoomID:      m.RoomID,
		MemberCount: c.MemberCount,
	}))
}

// broadcast sends event to every live member of roomID except skip.
func (h *Hub) broadcast(roomID, skip string, event models.ServerEvent) {
	for _, userID := range h.rooms.Members(roomID) {
		if userID == skip {
			continue
		}
		h.registry.Send(userID, event)
	}
}

func (h *Hub) sendError(logger *zap.Logger, s *Session, err error) {
	var ee *eventError
	switch {
	case errors.As(err, &ee):
		s.Send(models.ErrorEvent(ee.code, ee.message))
	case errors.Is(err, rooms.ErrBanned), errors.Is(err, rooms.ErrRoomClosed):
		s.Send(models.ErrorEvent(models.ErrorCodeForbidden, err.Error()))
	case errors.Is(err, rooms.ErrInvalid):
		s.Send(models.ErrorEvent(models.ErrorCodeProtocol, err.Error()))
	default:
		logger.Error("handler failed", zap.Error(err))
		s.Send(models.ErrorEvent(models.ErrorCodeInternal, "internal error"))
	}
}

type eventError struct {
	code    string
	message string
}

func (e *eventError) Error() string {
	return e.message
}

func protocolError(message string) error {
	return &eventError{code: models.ErrorCodeProtocol, message: message}
}

func forbiddenError(message string) error {
	return &eventError{code: models.ErrorCodeForbidden, message: message}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return protocolError("missing event data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return protocolError("malformed event data")
	}
	return nil
}
