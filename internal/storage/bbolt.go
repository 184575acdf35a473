package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages      = []byte("messages")
	bucketNotifications = []byte("notifications")
	bucketPresence      = []byte("presence")
	bucketPush          = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

var _ Store = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketNotifications, bucketPresence, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %T: %w", item, err)
	}
	return b.Put(item.Key(), data)
}

// SaveMessage stores the message under its conversation bucket with the
// bucket's next sequence number.
func (s *BboltStorage) SaveMessage(msg models.Message) (models.Message, error) {
	if msg.RoomID == "" && msg.RecipientID == "" {
		return models.Message{}, errors.New("message missing roomID or recipientID")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(ConversationKey(msg)))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := conv.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMessage := newDBMessage(msg)
		if err := put(conv, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BboltStorage) ListRoomMessages(roomID string, limit int) ([]models.Message, error) {
	return s.listMessages(RoomKey(roomID), limit)
}

func (s *BboltStorage) ListDirectMessages(userA, userB string, limit int) ([]models.Message, error) {
	return s.listMessages(DirectKey(userA, userB), limit)
}

func (s *BboltStorage) listMessages(conversation string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(conversation))
		if conv == nil {
			return nil // No messages for this conversation
		}

		c := conv.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *BboltStorage) SaveNotification(n models.Notification) error {
	if n.ID == "" || n.RecipientID == "" {
		return errors.New("notification missing id or recipient")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := tx.Bucket(bucketNotifications).CreateBucketIfNotExists([]byte(n.RecipientID))
		if err != nil {
			return fmt.Errorf("failed to create notification bucket: %w", err)
		}
		seq, err := user.NextSequence()
		if err != nil {
			return err
		}
		dbNotification := newDBNotification(n)
		dbNotification.Seq = seq
		return put(user, &dbNotification)
	})
}

func (s *BboltStorage) ListNotifications(userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	var result []models.Notification
	err := s.db.View(func(tx *bbolt.Tx) error {
		user := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		c := user.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(result) < limit); k, v = c.Prev() {
			var dbNotification DBNotification
			if err := dbNotification.UnmarshalBinary(v); err != nil {
				return err
			}
			if unreadOnly && dbNotification.Read {
				continue
			}
			result = append(result, dbNotification.model())
		}
		return nil
	})
	return result, err
}

func (s *BboltStorage) MarkNotificationRead(userID, notificationID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		user := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if user == nil {
			return models.ErrNotFound
		}
		c := user.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbNotification DBNotification
			if err := dbNotification.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbNotification.ID != notificationID {
				continue
			}
			if dbNotification.Read {
				return nil
			}
			dbNotification.Read = true
			return put(user, &dbNotification)
		}
		return models.ErrNotFound
	})
}

func (s *BboltStorage) SavePresence(p models.Presence) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPresence), &DBPresence{
			UserID:   p.UserID,
			Status:   string(p.Status),
			LastSeen: p.LastSeen,
		})
	})
}

func (s *BboltStorage) GetPresence(userID string) (models.Presence, error) {
	var p models.Presence
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbPresence DBPresence
		if err := dbPresence.UnmarshalBinary(data); err != nil {
			return err
		}
		p = models.Presence{
			UserID:   dbPresence.UserID,
			Status:   models.PresenceStatus(dbPresence.Status),
			LastSeen: dbPresence.LastSeen,
		}
		return nil
	})
	return p, err
}

func (s *BboltStorage) SavePushSubscription(sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("push subscription missing user or endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		return put(user, &DBPushSubscription{
			UserID:    sub.UserID,
			Endpoint:  sub.Endpoint,
			P256dh:    sub.P256dh,
			Auth:      sub.Auth,
			CreatedAt: sub.CreatedAt,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		user := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:    dbSub.UserID,
				Endpoint:  dbSub.Endpoint,
				P256dh:    dbSub.P256dh,
				Auth:      dbSub.Auth,
				CreatedAt: dbSub.CreatedAt,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		user := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.Delete([]byte(endpoint))
	})
}
