package ws

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(userID, token string) (models.User, error) {
	if token != "good" {
		return models.User{}, errors.New("bad token")
	}
	return models.User{ID: userID, Username: "name-" + userID}, nil
}

type failingStore struct {
	storage.Store
	panic bool
}

func (f failingStore) SaveMessage(models.Message) (models.Message, error) {
	if f.panic {
		panic("boom")
	}
	return models.Message{}, errors.New("disk full")
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestHub(t *testing.T, store storage.Store) *Hub {
	t.Helper()
	return NewHub(HubConfig{
		Store: store,
		Auth:  fakeAuth{},
		Now:   func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func clientEvent(t *testing.T, name string, data any) models.ClientEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.ClientEvent{Event: name, Data: raw}
}

// drain returns every event queued on s so far.
func drain(s *Session) []models.ServerEvent {
	var events []models.ServerEvent
	for {
		select {
		case ev := <-s.outbound():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func named(events []models.ServerEvent, name string) []models.ServerEvent {
	var result []models.ServerEvent
	for _, ev := range events {
		if ev.Event == name {
			result = append(result, ev)
		}
	}
	return result
}

func connect(t *testing.T, h *Hub, userID string) *Session {
	t.Helper()
	s := NewSession(DefaultSendBuffer)
	h.RouteInbound(context.Background(), s, clientEvent(t, models.EventAuthenticate, models.AuthenticateRequest{
		UserID: userID,
		Token:  "good",
	}))
	auth := named(drain(s), models.EventAuthenticated)
	require.Len(t, auth, 1)
	require.True(t, auth[0].Data.(models.AuthenticatedPayload).Success)
	return s
}

func join(t *testing.T, h *Hub, s *Session, roomID string) {
	t.Helper()
	h.RouteInbound(context.Background(), s, clientEvent(t, models.EventJoinRoom, models.JoinRoomRequest{
		RoomID:    roomID,
		SessionID: "tab-" + s.ID(),
	}))
}

func send(t *testing.T, h *Hub, s *Session, req models.SendMessageRequest) {
	t.Helper()
	h.RouteInbound(context.Background(), s, clientEvent(t, models.EventSendMessage, req))
}

func requireError(t *testing.T, events []models.ServerEvent, code string) models.ErrorPayload {
	t.Helper()
	errs := named(events, models.EventError)
	require.Len(t, errs, 1, "events: %+v", events)
	payload := errs[0].Data.(models.ErrorPayload)
	assert.Equal(t, code, payload.Code)
	return payload
}

func TestHub_UnauthenticatedIsRejected(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	s := NewSession(DefaultSendBuffer)

	join(t, h, s, "r1")
	requireError(t, drain(s), models.ErrorCodeAuthRequired)
	assert.Equal(t, 0, h.Rooms().MemberCount("r1"))

	send(t, h, s, models.SendMessageRequest{RoomID: "r1", Content: "hi"})
	requireError(t, drain(s), models.ErrorCodeAuthRequired)
}

func TestHub_AuthenticateFailure(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	s := NewSession(DefaultSendBuffer)

	h.RouteInbound(context.Background(), s, clientEvent(t, models.EventAuthenticate, models.AuthenticateRequest{
		UserID: "u1",
		Token:  "forged",
	}))
	events := drain(s)
	auth := named(events, models.EventAuthenticated)
	require.Len(t, auth, 1)
	assert.False(t, auth[0].Data.(models.AuthenticatedPayload).Success)
	requireError(t, events, models.ErrorCodeAuthRequired)

	assert.Equal(t, Unauthenticated, s.State())
	assert.False(t, h.Registry().IsOnline("u1"))
}

func TestHub_ReauthenticateAsOtherUser(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	s := connect(t, h, "u1")

	h.RouteInbound(context.Background(), s, clientEvent(t, models.EventAuthenticate, models.AuthenticateRequest{
		UserID: "u2",
		Token:  "good",
	}))
	requireError(t, drain(s), models.ErrorCodeProtocol)
	user, _ := s.User()
	assert.Equal(t, "u1", user.ID)
	assert.False(t, h.Registry().IsOnline("u2"))
}

func TestHub_MalformedAndUnknownEvents(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	s := connect(t, h, "u1")

	h.RouteInbound(context.Background(), s, models.ClientEvent{Event: models.EventJoinRoom, Data: json.RawMessage(`"nope"`)})
	requireError(t, drain(s), models.ErrorCodeProtocol)

	h.RouteInbound(context.Background(), s, models.ClientEvent{Event: models.EventJoinRoom})
	requireError(t, drain(s), models.ErrorCodeProtocol)

	h.RouteInbound(context.Background(), s, clientEvent(t, "dance", map[string]string{"style": "tango"}))
	assert.Empty(t, drain(s), "unknown events are dropped silently")
}

func TestHub_JoinBroadcastsOnce(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")

	join(t, h, a, "r1")
	events := drain(a)
	require.Len(t, named(events, models.EventUserJoined), 1)
	counts := named(events, models.EventRoomMemberCountUpdated)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Data.(models.MemberCountPayload).MemberCount)

	join(t, h, b, "r1")
	for _, s := range []*Session{a, b} {
		events := drain(s)
		joined := named(events, models.EventUserJoined)
		require.Len(t, joined, 1)
		assert.Equal(t, models.UserJoinedPayload{UserID: "u2", Username: "name-u2", RoomID: "r1"}, joined[0].Data)
		counts := named(events, models.EventRoomMemberCountUpdated)
		require.Len(t, counts, 1)
		assert.Equal(t, 2, counts[0].Data.(models.MemberCountPayload).MemberCount)
	}

	// Repeat join: the joiner gets the count, nobody gets a broadcast.
	join(t, h, a, "r1")
	events = drain(a)
	assert.Empty(t, named(events, models.EventUserJoined))
	counts = named(events, models.EventRoomMemberCountUpdated)
	require.Len(t, counts, 1)
	assert.Equal(t, 2, counts[0].Data.(models.MemberCountPayload).MemberCount)
	assert.Empty(t, drain(b))
	assert.Equal(t, 2, h.Rooms().MemberCount("r1"))
}

func TestHub_RoomMessageOrdering(t *testing.T) {
	store := newTestStore(t)
	h := newTestHub(t, store)
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	c := connect(t, h, "u3")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)
	drain(c)

	send(t, h, a, models.SendMessageRequest{RoomID: "r1", Content: "one"})
	send(t, h, a, models.SendMessageRequest{RoomID: "r1", Content: "two"})

	for _, s := range []*Session{a, b} {
		msgs := named(drain(s), models.EventNewMessage)
		require.Len(t, msgs, 2)
		first := msgs[0].Data.(models.MessagePayload).Message
		second := msgs[1].Data.(models.MessagePayload).Message
		assert.Equal(t, "one", first.Content)
		assert.Equal(t, "two", second.Content)
		assert.Equal(t, int64(1), first.Seq)
		assert.Equal(t, "name-u1", first.SenderName)
		assert.Equal(t, models.MessageTypeText, first.MessageType)
	}
	assert.Empty(t, drain(c), "non-member must not see room traffic")

	stored, err := store.ListRoomMessages("r1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestHub_MessageTargetValidation(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	for name, req := range map[string]models.SendMessageRequest{
		"both":    {RoomID: "r1", RecipientID: "u2", Content: "hi"},
		"neither": {Content: "hi"},
	} {
		t.Run(name, func(t *testing.T) {
			send(t, h, a, req)
			events := drain(a)
			requireError(t, events, models.ErrorCodeProtocol)
			assert.Empty(t, named(events, models.EventNewMessage))
			assert.Empty(t, drain(b))
		})
	}

	send(t, h, a, models.SendMessageRequest{RoomID: "r2", Content: "hi"})
	requireError(t, drain(a), models.ErrorCodeForbidden)

	send(t, h, a, models.SendMessageRequest{RoomID: "r1", Content: "   "})
	requireError(t, drain(a), models.ErrorCodeProtocol)
	assert.Empty(t, drain(b))
}

func TestHub_DirectMessages(t *testing.T) {
	store := newTestStore(t)
	h := newTestHub(t, store)
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	// Offline recipient: persisted, nobody pushed.
	send(t, h, a, models.SendMessageRequest{RecipientID: "u9", Content: "are you there?"})
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
	stored, err := store.ListDirectMessages("u9", "u1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "are you there?", stored[0].Content)

	// Online recipient: only the recipient gets it.
	send(t, h, a, models.SendMessageRequest{RecipientID: "u2", Content: "psst"})
	dms := named(drain(b), models.EventNewDirectMessage)
	require.Len(t, dms, 1)
	assert.Equal(t, "u1", dms[0].Data.(models.MessagePayload).Message.SenderID)
	assert.Empty(t, drain(a))

	send(t, h, a, models.SendMessageRequest{RecipientID: "u1", Content: "me"})
	requireError(t, drain(a), models.ErrorCodeProtocol)
}

func TestHub_PersistenceFailure(t *testing.T) {
	h := newTestHub(t, failingStore{Store: newTestStore(t)})
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	send(t, h, a, models.SendMessageRequest{RoomID: "r1", Content: "lost"})
	events := drain(a)
	requireError(t, events, models.ErrorCodeInternal)
	assert.Empty(t, named(events, models.EventNewMessage))
	assert.Empty(t, drain(b))
}

func TestHub_HandlerPanicIsIsolated(t *testing.T) {
	h := newTestHub(t, failingStore{Store: newTestStore(t), panic: true})
	a := connect(t, h, "u1")
	join(t, h, a, "r1")
	drain(a)

	send(t, h, a, models.SendMessageRequest{RoomID: "r1", Content: "boom"})
	requireError(t, drain(a), models.ErrorCodeInternal)

	// The session keeps working.
	join(t, h, a, "r2")
	assert.NotEmpty(t, named(drain(a), models.EventUserJoined))
}

func TestHub_LeaveIntent(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventLeaveRoom, models.LeaveRoomRequest{RoomID: "r1"}))
	assert.Equal(t, 2, h.Rooms().MemberCount("r1"))
	assert.Empty(t, drain(b))

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventLeaveRoom, models.LeaveRoomRequest{RoomID: "r1", Force: true}))
	assert.Equal(t, 1, h.Rooms().MemberCount("r1"))
	events := drain(b)
	left := named(events, models.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, models.UserLeftPayload{Username: "name-u1", RoomID: "r1"}, left[0].Data)
	counts := named(events, models.EventRoomMemberCountUpdated)
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0].Data.(models.MemberCountPayload).MemberCount)
	assert.Empty(t, drain(a), "the leaver is no longer a member")
}

func TestHub_Typing(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventTyping, models.TypingRequest{RoomID: "r1", IsTyping: true}))
	typing := named(drain(b), models.EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, models.UserTypingPayload{UserID: "u1", Username: "name-u1", RoomID: "r1", IsTyping: true}, typing[0].Data)
	assert.Empty(t, drain(a))

	h.RouteInbound(context.Background(), b, clientEvent(t, models.EventTyping, models.TypingRequest{RecipientID: "u1"}))
	typing = named(drain(a), models.EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "", typing[0].Data.(models.UserTypingPayload).RoomID)
	assert.False(t, typing[0].Data.(models.UserTypingPayload).IsTyping)

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventTyping, models.TypingRequest{}))
	requireError(t, drain(a), models.ErrorCodeProtocol)
}

func TestHub_PresenceFanOut(t *testing.T) {
	store := newTestStore(t)
	h := newTestHub(t, store)
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventSetStatus, models.SetStatusRequest{Status: models.PresenceAway}))
	presence := named(drain(b), models.EventPresenceChanged)
	require.Len(t, presence, 1)
	assert.Equal(t, models.PresenceAway, presence[0].Data.(models.Presence).Status)
	assert.Empty(t, drain(a))

	h.RouteInbound(context.Background(), a, clientEvent(t, models.EventSetStatus, models.SetStatusRequest{Status: models.PresenceOffline}))
	requireError(t, drain(a), models.ErrorCodeProtocol)

	h.Disconnect(a)
	presence = named(drain(b), models.EventPresenceChanged)
	require.Len(t, presence, 1)
	assert.Equal(t, models.PresenceOffline, presence[0].Data.(models.Presence).Status)

	saved, err := store.GetPresence("u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, saved.Status)

	p, err := h.Presence("u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestHub_ReconnectReplayKeepsCounts(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	for _, room := range []string{"r1", "r2"} {
		join(t, h, a, room)
		join(t, h, b, room)
	}
	drain(b)

	h.Disconnect(a)
	assert.False(t, h.Registry().IsOnline("u1"))
	assert.Equal(t, 2, h.Rooms().MemberCount("r1"), "memberships survive a dropped connection")

	again := connect(t, h, "u1")
	join(t, h, again, "r1")
	join(t, h, again, "r2")

	assert.Equal(t, 2, h.Rooms().MemberCount("r1"))
	assert.Equal(t, 2, h.Rooms().MemberCount("r2"))
	assert.Empty(t, named(drain(b), models.EventUserJoined), "replay must not re-announce the user")
}

func TestHub_SecondTabTakesOverRouting(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	first := connect(t, h, "u1")
	second := connect(t, h, "u1")
	b := connect(t, h, "u2")

	send(t, h, b, models.SendMessageRequest{RecipientID: "u1", Content: "which tab?"})
	assert.Empty(t, drain(first))
	assert.Len(t, named(drain(second), models.EventNewDirectMessage), 1)

	h.Disconnect(first)
	assert.True(t, h.Registry().IsOnline("u1"))
	h.Disconnect(second)
	assert.False(t, h.Registry().IsOnline("u1"))
}

func TestHub_DisconnectDuringAuthentication(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	s := NewSession(DefaultSendBuffer)

	// The reader fails after the session is authenticated but before the
	// handler registers it.
	require.True(t, s.authenticate(models.User{ID: "u1"}, time.Now()))
	h.Disconnect(s)
	assert.False(t, h.bind("u1", s))

	assert.False(t, h.Registry().IsOnline("u1"))
	_, ok := h.Registry().GetConnection("u1")
	assert.False(t, ok)
	p, ok := h.Registry().Presence("u1")
	require.True(t, ok)
	assert.Equal(t, models.PresenceOffline, p.Status)

	// A later connection binds normally.
	connect(t, h, "u1")
	assert.True(t, h.Registry().IsOnline("u1"))
}

func TestHub_Moderation(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")
	b := connect(t, h, "u2")
	join(t, h, a, "r1")
	join(t, h, b, "r1")
	drain(a)
	drain(b)

	assert.True(t, h.Kick("r1", "u2", ""))
	kicked := named(drain(b), models.EventKickedFromRoom)
	require.Len(t, kicked, 1)
	assert.Equal(t, "r1", kicked[0].Data.(models.RoomNoticePayload).RoomID)
	assert.Len(t, named(drain(a), models.EventUserLeft), 1)

	join(t, h, b, "r1")
	requireError(t, drain(b), models.ErrorCodeForbidden)

	join(t, h, b, "r2")
	drain(a)
	drain(b)
	join(t, h, a, "r2")
	drain(a)
	drain(b)

	assert.Equal(t, 2, h.CloseRoom("r2", "bye"))
	for _, s := range []*Session{a, b} {
		events := drain(s)
		closed := named(events, models.EventRoomClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, models.RoomNoticePayload{Message: "bye", RoomID: "r2"}, closed[0].Data)
		assert.Empty(t, named(events, models.EventUserLeft))
	}

	join(t, h, a, "r2")
	requireError(t, drain(a), models.ErrorCodeForbidden)

	h.ReopenRoom("r2")
	join(t, h, a, "r2")
	assert.Empty(t, named(drain(a), models.EventError))
	assert.Equal(t, 1, h.Rooms().MemberCount("r2"))
}

func TestHub_Logout(t *testing.T) {
	h := newTestHub(t, newTestStore(t))
	a := connect(t, h, "u1")

	assert.True(t, h.Logout("u1"))
	assert.False(t, h.Registry().IsOnline("u1"))
	assert.Equal(t, Closed, a.State())
	select {
	case <-a.Done():
	default:
		t.Fatal("session not closed by logout")
	}
	assert.False(t, a.Send(models.Event(models.EventFriendListUpdated, nil)))

	assert.False(t, h.Logout("u1"))
}
