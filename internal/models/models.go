package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// User is the identity attached to an authenticated connection.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Presence represents the online status of a user.
type Presence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeMarkdown MessageType = "markdown"
	MessageTypeImage    MessageType = "image"
	MessageTypeSystem   MessageType = "system"
)

// Message is a persisted chat message, either room scoped or direct.
type Message struct {
	ID          string      `json:"id"`
	Seq         int64       `json:"seq"`
	RoomID      string      `json:"roomId,omitempty"`
	RecipientID string      `json:"recipientId,omitempty"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName"`
	Content     string      `json:"content"`
	HTML        string      `json:"html,omitempty"`
	MessageType MessageType `json:"messageType"`
	CreatedAt   int64       `json:"createdAt"` // Unix timestamp (milliseconds)
}

// IsDirect reports whether the message targets a single user.
func (m Message) IsDirect() bool {
	return m.RecipientID != ""
}

type NotificationType string

const (
	NotificationFriendRequest         NotificationType = "friend_request"
	NotificationFriendRequestAccepted NotificationType = "friend_request_accepted"
	NotificationFriendRemoved         NotificationType = "friend_removed"
	NotificationGift                  NotificationType = "gift"
	NotificationCreditTransfer        NotificationType = "credit_transfer"
	NotificationSystem                NotificationType = "system"
)

// Notification is a durable, user scoped asynchronous message.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	FromUserID  string           `json:"fromUserId,omitempty"`
	FromUser    *User            `json:"fromUser,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   int64            `json:"createdAt"` // Unix timestamp (milliseconds)
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `json:"userId"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"`
}

// Millis converts t to the millisecond timestamps used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
