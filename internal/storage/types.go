package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	Seq         int64  `msgpack:"seq"`
	RoomID      string `msgpack:"roomId"`
	RecipientID string `msgpack:"recipientId"`
	SenderID    string `msgpack:"senderId"`
	SenderName  string `msgpack:"senderName"`
	Content     string `msgpack:"content"`
	HTML        string `msgpack:"html"`
	MessageType string `msgpack:"messageType"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(uint64(m.Seq))
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:          m.ID,
		Seq:         m.Seq,
		RoomID:      m.RoomID,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		HTML:        m.HTML,
		MessageType: string(m.MessageType),
		CreatedAt:   m.CreatedAt,
	}
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:          m.ID,
		Seq:         m.Seq,
		RoomID:      m.RoomID,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		HTML:        m.HTML,
		MessageType: models.MessageType(m.MessageType),
		CreatedAt:   m.CreatedAt,
	}
}

type DBNotification struct {
	Seq          uint64 `msgpack:"seq"`
	ID           string `msgpack:"id"`
	RecipientID  string `msgpack:"recipientId"`
	Type         string `msgpack:"type"`
	Title        string `msgpack:"title"`
	Message      string `msgpack:"message"`
	FromUserID   string `msgpack:"fromUserId"`
	FromUsername string `msgpack:"fromUsername"`
	Payload      []byte `msgpack:"payload"`
	Read         bool   `msgpack:"read"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (n *DBNotification) Key() []byte {
	return seqKey(n.Seq)
}

func (n *DBNotification) MarshalBinary() (data []byte, err error) {
	type alias DBNotification
	return msgpack.Marshal((*alias)(n))
}

func (n *DBNotification) UnmarshalBinary(data []byte) error {
	type alias DBNotification
	return msgpack.Unmarshal(data, (*alias)(n))
}

func newDBNotification(n models.Notification) DBNotification {
	db := DBNotification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        string(n.Type),
		Title:       n.Title,
		Message:     n.Message,
		FromUserID:  n.FromUserID,
		Payload:     n.Payload,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
	if n.FromUser != nil {
		db.FromUserID = n.FromUser.ID
		db.FromUsername = n.FromUser.Username
	}
	return db
}

func (n *DBNotification) model() models.Notification {
	result := models.Notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        models.NotificationType(n.Type),
		Title:       n.Title,
		Message:     n.Message,
		FromUserID:  n.FromUserID,
		Payload:     n.Payload,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
	if n.FromUserID != "" {
		result.FromUser = &models.User{ID: n.FromUserID, Username: n.FromUsername}
	}
	return result
}

type DBPresence struct {
	UserID   string `msgpack:"userId"`
	Status   string `msgpack:"status"`
	LastSeen int64  `msgpack:"lastSeen"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
