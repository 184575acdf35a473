package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidNotification = errors.New("notification requires recipientId and type")

// Registry is the part of the connection registry the relay pushes through.
type Registry interface {
	IsOnline(userID string) bool
	Send(userID string, event models.ServerEvent) bool
}

type Config struct {
	Registry Registry
	Store    storage.Store
	// Pusher is optional. Without it offline users only get the stored record.
	Pusher Pusher
	Logger *zap.Logger
	Now    func() time.Time
}

// Relay persists user notifications and pushes them to the recipient's
// live connection, or to their browsers when they are offline.
type Relay struct {
	registry Registry
	store    storage.Store
	pusher   Pusher
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config) *Relay {
	r := &Relay{
		registry: cfg.Registry,
		store:    cfg.Store,
		pusher:   cfg.Pusher,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Deliver stores n and pushes it. Persistence always happens; the live push
// is best effort and never fails the call.
func (r *Relay) Deliver(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.RecipientID == "" || n.Type == "" {
		return models.Notification{}, ErrInvalidNotification
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = models.Millis(r.now())
	}
	if n.FromUser != nil && n.FromUserID == "" {
		n.FromUserID = n.FromUser.ID
	}
	n.Read = false

	if err := r.store.SaveNotification(n); err != nil {
		return models.Notification{}, fmt.Errorf("failed to save notification: %w", err)
	}

	logger := r.logger.With(
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("type", string(n.Type)))

	if r.registry.IsOnline(n.RecipientID) {
		r.registry.Send(n.RecipientID, models.Event(models.EventNewNotification, models.NotificationPayload{Notification: n}))
		for _, event := range r.followUps(logger, n) {
			r.registry.Send(n.RecipientID, event)
		}
		logger.Debug("notification pushed")
		return n, nil
	}

	if r.pusher != nil {
		r.pushOffline(ctx, logger, n)
	}
	return n, nil
}

// followUps returns the type specific events sent after new_notification.
func (r *Relay) followUps(logger *zap.Logger, n models.Notification) []models.ServerEvent {
	switch n.Type {
	case models.NotificationFriendRequest:
		return []models.ServerEvent{
			models.Event(models.EventFriendRequestReceived, models.FriendRequestPayload{FromUser: n.FromUser}),
		}
	case models.NotificationFriendRequestAccepted:
		return []models.ServerEvent{
			models.Event(models.EventFriendRequestAccepted, models.FriendRequestPayload{FromUser: n.FromUser}),
			models.Event(models.EventFriendListUpdated, nil),
		}
	case models.NotificationFriendRemoved:
		return []models.ServerEvent{models.Event(models.EventFriendListUpdated, nil)}
	case models.NotificationGift:
		return []models.ServerEvent{
			models.Event(models.EventGiftReceived, models.GiftPayload{FromUser: n.FromUser, Gift: giftOf(n.Payload)}),
		}
	case models.NotificationCreditTransfer:
		var credit models.CreditPayload
		if err := json.Unmarshal(n.Payload, &credit); err != nil || credit.Amount == "" {
			logger.Warn("credit notification without amount", zap.Error(err))
			return nil
		}
		return []models.ServerEvent{models.Event(models.EventCreditReceived, credit)}
	}
	return nil
}

// giftOf accepts either {"gift": {...}} or the gift object itself.
func giftOf(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var wrapped struct {
		Gift json.RawMessage `json:"gift"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Gift) > 0 {
		return wrapped.Gift
	}
	return payload
}

type pushMessage struct {
	ID    string                  `json:"id"`
	Type  models.NotificationType `json:"type"`
	Title string                  `json:"title"`
	Body  string                  `json:"body"`
}

func (r *Relay) pushOffline(ctx context.Context, logger *zap.Logger, n models.Notification) {
	subs, err := r.store.ListPushSubscriptions(n.RecipientID)
	if err != nil {
		logger.Warn("failed to list push subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(pushMessage{ID: n.ID, Type: n.Type, Title: n.Title, Body: n.Message})
	if err != nil {
		logger.Warn("failed to encode push payload", zap.Error(err))
		return
	}

	for _, sub := range subs {
		err := r.pusher.Push(ctx, sub, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrSubscriptionGone):
			if err := r.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
				logger.Warn("failed to delete push subscription", zap.Error(err))
			}
		default:
			logger.Warn("web push failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}

func (r *Relay) List(userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	return r.store.ListNotifications(userID, unreadOnly, limit)
}

func (r *Relay) MarkRead(userID, notificationID string) error {
	return r.store.MarkNotificationRead(userID, notificationID)
}

// Subscribe stores a browser push subscription for userID.
func (r *Relay) Subscribe(sub models.PushSubscription) error {
	if sub.CreatedAt == 0 {
		sub.CreatedAt = models.Millis(r.now())
	}
	return r.store.SavePushSubscription(sub)
}

func (r *Relay) Unsubscribe(userID, endpoint string) error {
	return r.store.DeletePushSubscription(userID, endpoint)
}
