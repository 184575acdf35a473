package storage

import (
	"fmt"
	"sort"

	"github.com/w7109066-del/Migers-sub002/internal/models"
)

const (
	DriverBbolt  = "bbolt"
	DriverSQLite = "sqlite"
)

// Store is the durable side of the relay: messages, notifications,
// presence and web push subscriptions.
type Store interface {
	// SaveMessage assigns the next per-conversation sequence number and persists the message.
	SaveMessage(msg models.Message) (models.Message, error)
	// ListRoomMessages returns up to limit most recent room messages, oldest first.
	ListRoomMessages(roomID string, limit int) ([]models.Message, error)
	// ListDirectMessages returns up to limit most recent messages between two users, oldest first.
	ListDirectMessages(userA, userB string, limit int) ([]models.Message, error)

	SaveNotification(n models.Notification) error
	// ListNotifications returns up to limit notifications of userID, newest first.
	ListNotifications(userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(userID, notificationID string) error

	SavePresence(p models.Presence) error
	GetPresence(userID string) (models.Presence, error)

	SavePushSubscription(sub models.PushSubscription) error
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error

	Close() error
}

// Open creates the store selected by driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverBbolt, "":
		return NewBboltStorage(path)
	case DriverSQLite:
		return NewSQLStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// ConversationKey returns the key messages of msg are grouped under.
func ConversationKey(msg models.Message) string {
	if msg.IsDirect() {
		return DirectKey(msg.SenderID, msg.RecipientID)
	}
	return RoomKey(msg.RoomID)
}

func RoomKey(roomID string) string {
	return "room:" + roomID
}

// DirectKey is symmetric in its arguments.
func DirectKey(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm:%s:%s", ids[0], ids[1])
}
