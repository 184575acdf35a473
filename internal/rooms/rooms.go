package rooms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	DefaultGracePeriod  = 60 * time.Second
	DefaultReapInterval = 15 * time.Second
)

var (
	ErrRoomClosed = errors.New("room is closed")
	ErrBanned     = errors.New("banned from room")
	ErrInvalid    = errors.New("room id and user id are required")
)

// LeaveIntent distinguishes navigating away from a room from explicitly
// departing it. Only Forced leaves mutate membership.
type LeaveIntent int

const (
	Soft LeaveIntent = iota
	Forced
)

func (i LeaveIntent) String() string {
	if i == Forced {
		return "forced"
	}
	return "soft"
}

// Member identifies who is joining a room from which session.
type Member struct {
	UserID    string
	Username  string
	SessionID string
}

// Membership is the in-memory association of a user with a room.
type Membership struct {
	RoomID    string
	UserID    string
	Username  string
	SessionID string
	JoinedAt  time.Time
}

type ChangeKind int

const (
	Joined ChangeKind = iota
	Left
)

type LeaveReason int

const (
	ReasonLeft LeaveReason = iota
	ReasonKicked
	ReasonReaped
)

// Change describes a membership mutation after it happened.
type Change struct {
	Kind        ChangeKind
	Reason      LeaveReason
	Membership  Membership
	MemberCount int
}

// Presence is what the tracker needs to know about connections.
type Presence interface {
	IsOnline(userID string) bool
	LastSeen(userID string) (time.Time, bool)
}

type Config struct {
	Presence     Presence
	GracePeriod  time.Duration
	ReapInterval time.Duration
	OnChange     func(Change)
	Now          func() time.Time
}

type room struct {
	members map[string]Membership
	banned  map[string]bool
}

// Tracker keeps the live member set of every room.
type Tracker struct {
	rooms  map[string]*room
	closed map[string]bool

	presence     Presence
	gracePeriod  time.Duration
	reapInterval time.Duration
	onChange     func(Change)
	now          func() time.Time

	mu sync.RWMutex
}

func New(cfg Config) *Tracker {
	t := &Tracker{
		rooms:        make(map[string]*room),
		closed:       make(map[string]bool),
		presence:     cfg.Presence,
		gracePeriod:  cfg.GracePeriod,
		reapInterval: cfg.ReapInterval,
		onChange:     cfg.OnChange,
		now:          cfg.Now,
	}
	if t.gracePeriod <= 0 {
		t.gracePeriod = DefaultGracePeriod
	}
	if t.reapInterval <= 0 {
		t.reapInterval = DefaultReapInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) getRoom(roomID string, create bool) *room {
	r, ok := t.rooms[roomID]
	if !ok && create {
		r = &room{
			members: make(map[string]Membership),
			banned:  make(map[string]bool),
		}
		t.rooms[roomID] = r
	}
	return r
}

// Join adds the member to the room. Joining a room already held is a
// no-op that only refreshes the session id; the returned bool reports
// whether a new membership was created.
func (t *Tracker) Join(roomID string, member Member) (Membership, bool, error) {
	if roomID == "" || member.UserID == "" {
		return Membership{}, false, ErrInvalid
	}

	t.mu.Lock()
	if t.closed[roomID] {
		t.mu.Unlock()
		return Membership{}, false, ErrRoomClosed
	}
	r := t.getRoom(roomID, true)
	if r.banned[member.UserID] {
		t.mu.Unlock()
		return Membership{}, false, ErrBanned
	}
	if existing, ok := r.members[member.UserID]; ok {
		if member.SessionID != "" {
			existing.SessionID = member.SessionID
			r.members[member.UserID] = existing
		}
		t.mu.Unlock()
		return existing, false, nil
	}

	m := Membership{
		RoomID:    roomID,
		UserID:    member.UserID,
		Username:  member.Username,
		SessionID: member.SessionID,
		JoinedAt:  t.now(),
	}
	r.members[member.UserID] = m
	change := Change{Kind: Joined, Membership: m, MemberCount: len(r.members)}
	t.mu.Unlock()

	t.emit(change)
	return m, true, nil
}

// Leave removes the membership for a Forced intent. A Soft leave never
// changes anything. Reports whether a membership was removed.
func (t *Tracker) Leave(roomID, userID string, intent LeaveIntent) bool {
	if intent != Forced {
		return false
	}

	t.mu.Lock()
	change, ok := t.remove(roomID, userID, ReasonLeft)
	t.mu.Unlock()

	if ok {
		t.emit(change)
	}
	return ok
}

// Kick removes the membership and bans the user from rejoining until Unban.
func (t *Tracker) Kick(roomID, userID string) (Membership, bool) {
	t.mu.Lock()
	r := t.getRoom(roomID, true)
	r.banned[userID] = true
	change, ok := t.remove(roomID, userID, ReasonKicked)
	t.mu.Unlock()

	if ok {
		t.emit(change)
	}
	return change.Membership, ok
}

func (t *Tracker) Unban(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.getRoom(roomID, false); r != nil {
		delete(r.banned, userID)
	}
}

// Close drops the live member set and rejects joins until Reopen.
// It returns the memberships that were dropped and emits no changes;
// the caller notifies the members.
func (t *Tracker) Close(roomID string) []Membership {
	t.mu.Lock()
	t.closed[roomID] = true
	r := t.getRoom(roomID, false)
	delete(t.rooms, roomID)
	t.mu.Unlock()

	if r == nil {
		return nil
	}
	return sortedMemberships(r.members)
}

func (t *Tracker) Reopen(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.closed, roomID)
}

func (t *Tracker) IsClosed(roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed[roomID]
}

// remove must be called with t.mu held.
func (t *Tracker) remove(roomID, userID string, reason LeaveReason) (Change, bool) {
	r := t.getRoom(roomID, false)
	if r == nil {
		return Change{}, false
	}
	m, ok := r.members[userID]
	if !ok {
		return Change{}, false
	}
	delete(r.members, userID)
	count := len(r.members)
	if count == 0 && len(r.banned) == 0 {
		delete(t.rooms, roomID)
	}
	return Change{Kind: Left, Reason: reason, Membership: m, MemberCount: count}, true
}

func (t *Tracker) MemberCount(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r := t.getRoom(roomID, false); r != nil {
		return len(r.members)
	}
	return 0
}

// Members returns the sorted user ids of the room.
func (t *Tracker) Members(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.getRoom(roomID, false)
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) Membership(roomID, userID string) (Membership, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.getRoom(roomID, false)
	if r == nil {
		return Membership{}, false
	}
	m, ok := r.members[userID]
	return m, ok
}

func (t *Tracker) IsMember(roomID, userID string) bool {
	_, ok := t.Membership(roomID, userID)
	return ok
}

// RoomsOf returns the sorted ids of rooms userID is a member of.
func (t *Tracker) RoomsOf(userID string) []string {
	t.mu.RLock()
	var ids []string
	for id, r := range t.rooms {
		if _, ok := r.members[userID]; ok {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Reap removes memberships of users that have been offline for longer
// than the grace period. Users the presence source has never seen are
// left alone. Returns the number of memberships removed.
func (t *Tracker) Reap(now time.Time) int {
	if t.presence == nil {
		return 0
	}

	t.mu.Lock()
	var changes []Change
	for roomID, r := range t.rooms {
		for userID := range r.members {
			if t.presence.IsOnline(userID) {
				continue
			}
			seen, ok := t.presence.LastSeen(userID)
			if !ok || now.Sub(seen) < t.gracePeriod {
				continue
			}
			if change, ok := t.remove(roomID, userID, ReasonReaped); ok {
				changes = append(changes, change)
			}
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.emit(c)
	}
	return len(changes)
}

// Run reaps stale memberships until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Reap(t.now())
		}
	}
}

func (t *Tracker) emit(c Change) {
	if t.onChange != nil {
		t.onChange(c)
	}
}

func sortedMemberships(members map[string]Membership) []Membership {
	result := make([]Membership, 0, len(members))
	for _, m := range members {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result
}
