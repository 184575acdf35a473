package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
)

// Conn is a live transport connection that can receive events.
type Conn interface {
	ID() string
	Send(event models.ServerEvent) bool
}

// PresenceCallback is invoked after a user's presence changes.
type PresenceCallback func(presence models.Presence)

type Config struct {
	OnPresence PresenceCallback
	Now        func() time.Time
}

// Registry maps user identities to their active connection.
// The most recent registration for a user wins routing.
type Registry struct {
	active map[string]Conn
	// owners maps the id of each active connection to its user.
	owners   map[string]string
	presence map[string]models.Presence

	onPresence PresenceCallback
	now        func() time.Time

	mu sync.RWMutex
}

func New(cfg Config) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		active:     make(map[string]Conn),
		owners:     make(map[string]string),
		presence:   make(map[string]models.Presence),
		onPresence: cfg.OnPresence,
		now:        now,
	}
}

// Register binds conn to userID. A previous connection of the same user
// is superseded but not closed.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	var changed []models.Presence
	if prev, ok := r.owners[conn.ID()]; ok && prev != userID {
		changed = append(changed, r.markOffline(prev))
	}
	old, wasOnline := r.active[userID]
	if wasOnline {
		delete(r.owners, old.ID())
	}
	r.active[userID] = conn
	r.owners[conn.ID()] = userID

	if !wasOnline {
		p := models.Presence{
			UserID:   userID,
			Status:   models.PresenceOnline,
			LastSeen: r.now().Unix(),
		}
		r.presence[userID] = p
		changed = append(changed, p)
	}
	r.mu.Unlock()

	for _, p := range changed {
		r.notify(p)
	}
}

// Unregister removes conn. The user goes offline only if conn was
// the active binding. Reports whether the user went offline.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	userID, found := r.owners[conn.ID()]
	if !found {
		r.mu.Unlock()
		return false
	}
	p := r.markOffline(userID)
	r.mu.Unlock()

	r.notify(p)
	return true
}

// Drop unbinds userID whatever connection is active and returns it so
// the caller can close it.
func (r *Registry) Drop(userID string) (Conn, bool) {
	r.mu.Lock()
	conn, ok := r.active[userID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	p := r.markOffline(userID)
	r.mu.Unlock()

	r.notify(p)
	return conn, true
}

// markOffline must be called with r.mu held.
func (r *Registry) markOffline(userID string) models.Presence {
	if conn, ok := r.active[userID]; ok {
		delete(r.owners, conn.ID())
	}
	delete(r.active, userID)
	p := models.Presence{
		UserID:   userID,
		Status:   models.PresenceOffline,
		LastSeen: r.now().Unix(),
	}
	r.presence[userID] = p
	return p
}

// SetStatus changes the status of a connected user. Offline users and
// the offline status itself are ignored.
func (r *Registry) SetStatus(userID string, status models.PresenceStatus) bool {
	if !status.Valid() || status == models.PresenceOffline {
		return false
	}

	r.mu.Lock()
	if _, ok := r.active[userID]; !ok {
		r.mu.Unlock()
		return false
	}
	p := r.presence[userID]
	if p.Status == status {
		r.mu.Unlock()
		return false
	}
	p.UserID = userID
	p.Status = status
	p.LastSeen = r.now().Unix()
	r.presence[userID] = p
	r.mu.Unlock()

	r.notify(p)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[userID]
	return ok
}

func (r *Registry) GetConnection(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.active[userID]
	return c, ok
}

func (r *Registry) Presence(userID string) (models.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presence[userID]
	return p, ok
}

// LastSeen returns the last presence transition time of userID.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	p, ok := r.Presence(userID)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(p.LastSeen, 0), true
}

// Online returns the sorted ids of all bound users.
func (r *Registry) Online() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Send delivers event to userID's active connection if there is one.
func (r *Registry) Send(userID string, event models.ServerEvent) bool {
	conn, ok := r.GetConnection(userID)
	if !ok {
		return false
	}
	return conn.Send(event)
}

func (r *Registry) notify(p models.Presence) {
	if r.onPresence != nil {
		r.onPresence(p)
	}
}
