package storage

import (
	"errors"
	"fmt"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type messageRow struct {
	Seq          int64  `gorm:"column:seq;primaryKey;autoIncrement:false"`
	Conversation string `gorm:"column:conversation;primaryKey;size:400"`
	ID           string `gorm:"column:id;size:64;uniqueIndex;not null"`
	RoomID       string `gorm:"column:room_id;size:190"`
	RecipientID  string `gorm:"column:recipient_id;size:190"`
	SenderID     string `gorm:"column:sender_id;size:190;not null"`
	SenderName   string `gorm:"column:sender_name;size:320"`
	Content      string `gorm:"column:content;type:text"`
	HTML         string `gorm:"column:html;type:text"`
	MessageType  string `gorm:"column:message_type;size:32"`
	CreatedAt    int64  `gorm:"column:created_at;autoCreateTime:false"`
}

func (messageRow) TableName() string { return "relay_messages" }

type notificationRow struct {
	Seq          uint64 `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string `gorm:"column:id;size:64;uniqueIndex;not null"`
	RecipientID  string `gorm:"column:recipient_id;size:190;index;not null"`
	Type         string `gorm:"column:type;size:64;not null"`
	Title        string `gorm:"column:title;size:320"`
	Message      string `gorm:"column:message;type:text"`
	FromUserID   string `gorm:"column:from_user_id;size:190"`
	FromUsername string `gorm:"column:from_username;size:320"`
	Payload      []byte `gorm:"column:payload"`
	Read         bool   `gorm:"column:is_read;default:false;index"`
	CreatedAt    int64  `gorm:"column:created_at;autoCreateTime:false"`
}

func (notificationRow) TableName() string { return "relay_notifications" }

type presenceRow struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190"`
	Status   string `gorm:"column:status;size:20;not null"`
	LastSeen int64  `gorm:"column:last_seen"`
}

func (presenceRow) TableName() string { return "relay_presence" }

type pushSubscriptionRow struct {
	UserID    string `gorm:"column:user_id;primaryKey;size:190"`
	Endpoint  string `gorm:"column:endpoint;primaryKey;size:1024"`
	P256dh    string `gorm:"column:p256dh;size:255"`
	Auth      string `gorm:"column:auth;size:255"`
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime:false"`
}

func (pushSubscriptionRow) TableName() string { return "relay_push_subscriptions" }

// SQLStorage implements Store on a relational database through gorm.
type SQLStorage struct {
	db *gorm.DB
}

var _ Store = (*SQLStorage)(nil)

// NewSQLStorage opens (or creates) a SQLite database and migrates the schema.
func NewSQLStorage(path string) (*SQLStorage, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	return newSQLStorage(db)
}

func newSQLStorage(db *gorm.DB) (*SQLStorage, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messageRow{}, &notificationRow{}, &presenceRow{}, &pushSubscriptionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStorage) SaveMessage(msg models.Message) (models.Message, error) {
	if msg.RoomID == "" && msg.RecipientID == "" {
		return models.Message{}, errors.New("message missing roomID or recipientID")
	}
	conversation := ConversationKey(msg)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&messageRow{}).
			Where("conversation = ?", conversation).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		msg.Seq = last + 1

		row := messageRow{
			Seq:          msg.Seq,
			Conversation: conversation,
			ID:           msg.ID,
			RoomID:       msg.RoomID,
			RecipientID:  msg.RecipientID,
			SenderID:     msg.SenderID,
			SenderName:   msg.SenderName,
			Content:      msg.Content,
			HTML:         msg.HTML,
			MessageType:  string(msg.MessageType),
			CreatedAt:    msg.CreatedAt,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (s *SQLStorage) ListRoomMessages(roomID string, limit int) ([]models.Message, error) {
	return s.listMessages(RoomKey(roomID), limit)
}

func (s *SQLStorage) ListDirectMessages(userA, userB string, limit int) ([]models.Message, error) {
	return s.listMessages(DirectKey(userA, userB), limit)
}

func (s *SQLStorage) listMessages(conversation string, limit int) ([]models.Message, error) {
	query := s.db.Where("conversation = ?", conversation).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		messages = append(messages, models.Message{
			ID:          r.ID,
			Seq:         r.Seq,
			RoomID:      r.RoomID,
			RecipientID: r.RecipientID,
			SenderID:    r.SenderID,
			SenderName:  r.SenderName,
			Content:     r.Content,
			HTML:        r.HTML,
			MessageType: models.MessageType(r.MessageType),
			CreatedAt:   r.CreatedAt,
		})
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages, nil
}

func (s *SQLStorage) SaveNotification(n models.Notification) error {
	if n.ID == "" || n.RecipientID == "" {
		return errors.New("notification missing id or recipient")
	}
	db := newDBNotification(n)
	row := notificationRow{
		ID:           db.ID,
		RecipientID:  db.RecipientID,
		Type:         db.Type,
		Title:        db.Title,
		Message:      db.Message,
		FromUserID:   db.FromUserID,
		FromUsername: db.FromUsername,
		Payload:      db.Payload,
		Read:         db.Read,
		CreatedAt:    db.CreatedAt,
	}
	return s.db.Create(&row).Error
}

func (s *SQLStorage) ListNotifications(userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := s.db.Where("recipient_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	query = query.Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []notificationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	var result []models.Notification
	for _, r := range rows {
		db := DBNotification{
			Seq:          r.Seq,
			ID:           r.ID,
			RecipientID:  r.RecipientID,
			Type:         r.Type,
			Title:        r.Title,
			Message:      r.Message,
			FromUserID:   r.FromUserID,
			FromUsername: r.FromUsername,
			Payload:      r.Payload,
			Read:         r.Read,
			CreatedAt:    r.CreatedAt,
		}
		result = append(result, db.model())
	}
	return result, nil
}

func (s *SQLStorage) MarkNotificationRead(userID, notificationID string) error {
	res := s.db.Model(&notificationRow{}).
		Where("recipient_id = ? AND id = ?", userID, notificationID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.Model(&notificationRow{}).
			Where("recipient_id = ? AND id = ?", userID, notificationID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return models.ErrNotFound
		}
	}
	return nil
}

func (s *SQLStorage) SavePresence(p models.Presence) error {
	row := presenceRow{UserID: p.UserID, Status: string(p.Status), LastSeen: p.LastSeen}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_seen"}),
	}).Create(&row).Error
}

func (s *SQLStorage) GetPresence(userID string) (models.Presence, error) {
	var row presenceRow
	err := s.db.Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Presence{}, models.ErrNotFound
	}
	if err != nil {
		return models.Presence{}, err
	}
	return models.Presence{
		UserID:   row.UserID,
		Status:   models.PresenceStatus(row.Status),
		LastSeen: row.LastSeen,
	}, nil
}

func (s *SQLStorage) SavePushSubscription(sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("push subscription missing user or endpoint")
	}
	row := pushSubscriptionRow{
		UserID:    sub.UserID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
		CreatedAt: sub.CreatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
	}).Create(&row).Error
}

func (s *SQLStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var rows []pushSubscriptionRow
	if err := s.db.Where("user_id = ?", userID).Order("endpoint").Find(&rows).Error; err != nil {
		return nil, err
	}
	var subs []models.PushSubscription
	for _, r := range rows {
		subs = append(subs, models.PushSubscription{
			UserID:    r.UserID,
			Endpoint:  r.Endpoint,
			P256dh:    r.P256dh,
			Auth:      r.Auth,
			CreatedAt: r.CreatedAt,
		})
	}
	return subs, nil
}

func (s *SQLStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).Delete(&pushSubscriptionRow{}).Error
}
