package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	online map[string]bool
	sent   map[string][]models.ServerEvent
	mu     sync.Mutex
}

func newFakeRegistry(online ...string) *fakeRegistry {
	r := &fakeRegistry{online: make(map[string]bool), sent: make(map[string][]models.ServerEvent)}
	for _, id := range online {
		r.online[id] = true
	}
	return r
}

func (r *fakeRegistry) IsOnline(userID string) bool { return r.online[userID] }

func (r *fakeRegistry) Send(userID string, event models.ServerEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[userID] {
		return false
	}
	r.sent[userID] = append(r.sent[userID], event)
	return true
}

func (r *fakeRegistry) names(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, ev := range r.sent[userID] {
		names = append(names, ev.Event)
	}
	return names
}

type fakePusher struct {
	gone   map[string]bool
	fail   error
	pushed []string
}

func (p *fakePusher) Push(_ context.Context, sub models.PushSubscription, payload []byte) error {
	p.pushed = append(p.pushed, sub.Endpoint)
	if p.gone[sub.Endpoint] {
		return ErrSubscriptionGone
	}
	return p.fail
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var alice = &models.User{ID: "u1", Username: "alice"}

func TestRelay_DeliverOnline(t *testing.T) {
	tests := []struct {
		name    string
		n       models.Notification
		want    []string
		inspect func(t *testing.T, events []models.ServerEvent)
	}{
		{
			name: "friend request",
			n:    models.Notification{Type: models.NotificationFriendRequest, FromUser: alice},
			want: []string{models.EventNewNotification, models.EventFriendRequestReceived},
			inspect: func(t *testing.T, events []models.ServerEvent) {
				assert.Equal(t, alice, events[1].Data.(models.FriendRequestPayload).FromUser)
			},
		},
		{
			name: "friend request accepted",
			n:    models.Notification{Type: models.NotificationFriendRequestAccepted, FromUser: alice},
			want: []string{models.EventNewNotification, models.EventFriendRequestAccepted, models.EventFriendListUpdated},
		},
		{
			name: "friend removed",
			n:    models.Notification{Type: models.NotificationFriendRemoved},
			want: []string{models.EventNewNotification, models.EventFriendListUpdated},
		},
		{
			name: "gift",
			n:    models.Notification{Type: models.NotificationGift, FromUser: alice, Payload: json.RawMessage(`{"gift":{"name":"rose"}}`)},
			want: []string{models.EventNewNotification, models.EventGiftReceived},
			inspect: func(t *testing.T, events []models.ServerEvent) {
				gift := events[1].Data.(models.GiftPayload)
				assert.JSONEq(t, `{"name":"rose"}`, string(gift.Gift))
			},
		},
		{
			name: "credit transfer",
			n:    models.Notification{Type: models.NotificationCreditTransfer, Payload: json.RawMessage(`{"amount":250}`)},
			want: []string{models.EventNewNotification, models.EventCreditReceived},
			inspect: func(t *testing.T, events []models.ServerEvent) {
				assert.Equal(t, json.Number("250"), events[1].Data.(models.CreditPayload).Amount)
			},
		},
		{
			name: "credit transfer without amount",
			n:    models.Notification{Type: models.NotificationCreditTransfer},
			want: []string{models.EventNewNotification},
		},
		{
			name: "system",
			n:    models.Notification{Type: models.NotificationSystem, Title: "Maintenance"},
			want: []string{models.EventNewNotification},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newFakeRegistry("u2")
			store := newTestStore(t)
			relay := New(Config{Registry: registry, Store: store, Now: func() time.Time { return time.UnixMilli(42) }})

			tt.n.RecipientID = "u2"
			delivered, err := relay.Deliver(context.Background(), tt.n)
			require.NoError(t, err)
			assert.NotEmpty(t, delivered.ID)
			assert.Equal(t, int64(42), delivered.CreatedAt)

			assert.Equal(t, tt.want, registry.names("u2"))
			first := registry.sent["u2"][0].Data.(models.NotificationPayload)
			assert.Equal(t, delivered.ID, first.Notification.ID)
			if tt.inspect != nil {
				tt.inspect(t, registry.sent["u2"])
			}

			stored, err := relay.List("u2", false, 0)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.Equal(t, delivered.ID, stored[0].ID)
		})
	}
}

func TestRelay_DeliverOffline(t *testing.T) {
	registry := newFakeRegistry()
	store := newTestStore(t)
	pusher := &fakePusher{gone: map[string]bool{"https://push.example/old": true}}
	relay := New(Config{Registry: registry, Store: store, Pusher: pusher})

	require.NoError(t, relay.Subscribe(models.PushSubscription{UserID: "u2", Endpoint: "https://push.example/new"}))
	require.NoError(t, relay.Subscribe(models.PushSubscription{UserID: "u2", Endpoint: "https://push.example/old"}))

	n, err := relay.Deliver(context.Background(), models.Notification{
		RecipientID: "u2",
		Type:        models.NotificationGift,
		Title:       "Gift",
		FromUser:    alice,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", n.FromUserID)
	assert.Empty(t, registry.names("u2"))
	assert.ElementsMatch(t, []string{"https://push.example/new", "https://push.example/old"}, pusher.pushed)

	subs, err := store.ListPushSubscriptions("u2")
	require.NoError(t, err)
	require.Len(t, subs, 1, "expired subscription is dropped")
	assert.Equal(t, "https://push.example/new", subs[0].Endpoint)

	unread, err := relay.List("u2", true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, relay.MarkRead("u2", n.ID))
	unread, err = relay.List("u2", true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.ErrorIs(t, relay.MarkRead("u2", "missing"), models.ErrNotFound)
}

func TestRelay_PushFailureDoesNotFailDeliver(t *testing.T) {
	store := newTestStore(t)
	pusher := &fakePusher{fail: errors.New("network down")}
	relay := New(Config{Registry: newFakeRegistry(), Store: store, Pusher: pusher})
	require.NoError(t, relay.Subscribe(models.PushSubscription{UserID: "u2", Endpoint: "https://push.example/a"}))

	_, err := relay.Deliver(context.Background(), models.Notification{RecipientID: "u2", Type: models.NotificationSystem})
	require.NoError(t, err)
	assert.Len(t, pusher.pushed, 1)

	subs, _ := store.ListPushSubscriptions("u2")
	assert.Len(t, subs, 1, "transient failures keep the subscription")

	require.NoError(t, relay.Unsubscribe("u2", "https://push.example/a"))
	subs, _ = store.ListPushSubscriptions("u2")
	assert.Empty(t, subs)
}

func TestRelay_DeliverValidation(t *testing.T) {
	relay := New(Config{Registry: newFakeRegistry(), Store: newTestStore(t)})

	_, err := relay.Deliver(context.Background(), models.Notification{Type: models.NotificationSystem})
	assert.ErrorIs(t, err, ErrInvalidNotification)
	_, err = relay.Deliver(context.Background(), models.Notification{RecipientID: "u2"})
	assert.ErrorIs(t, err, ErrInvalidNotification)
}
