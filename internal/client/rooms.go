package client

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// RoomStore remembers which rooms the user has joined so they can be
// replayed after a reconnect.
type RoomStore interface {
	Rooms() ([]string, error)
	Remember(roomID string) error
	Forget(roomID string) error
}

type MemoryRooms struct {
	rooms map[string]bool
	mu    sync.Mutex
}

func NewMemoryRooms(roomIDs ...string) *MemoryRooms {
	m := &MemoryRooms{rooms: make(map[string]bool)}
	for _, id := range roomIDs {
		m.rooms[id] = true
	}
	return m
}

func (m *MemoryRooms) Rooms() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRooms) Remember(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = true
	return nil
}

func (m *MemoryRooms) Forget(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

var bucketRooms = []byte("joined_rooms")

type roomEntry struct {
	RememberedAt int64 `msgpack:"rememberedAt"`
}

// BoltRooms keeps the joined rooms of one user in a local bbolt file.
type BoltRooms struct {
	db     *bbolt.DB
	userID []byte
}

func OpenBoltRooms(path, userID string) (*BoltRooms, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open rooms db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketRooms)
		if err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists([]byte(userID))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rooms bucket: %w", err)
	}
	return &BoltRooms{db: db, userID: []byte(userID)}, nil
}

func (b *BoltRooms) Close() error {
	return b.db.Close()
}

func (b *BoltRooms) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(bucketRooms).Bucket(b.userID)
}

// Rooms returns the remembered room ids in key order.
func (b *BoltRooms) Rooms() ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return b.bucket(tx).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *BoltRooms) Remember(roomID string) error {
	data, err := msgpack.Marshal(roomEntry{RememberedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := b.bucket(tx)
		if bucket.Get([]byte(roomID)) != nil {
			return nil
		}
		return bucket.Put([]byte(roomID), data)
	})
}

func (b *BoltRooms) Forget(roomID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.bucket(tx).Delete([]byte(roomID))
	})
}
