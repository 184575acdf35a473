package rooms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	online   map[string]bool
	lastSeen map[string]time.Time
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		online:   make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

func (p *fakePresence) IsOnline(userID string) bool { return p.online[userID] }

func (p *fakePresence) LastSeen(userID string) (time.Time, bool) {
	t, ok := p.lastSeen[userID]
	return t, ok
}

func newTestTracker(presence Presence) (*Tracker, *[]Change) {
	var changes []Change
	tr := New(Config{
		Presence:    presence,
		GracePeriod: time.Minute,
		OnChange:    func(c Change) { changes = append(changes, c) },
	})
	return tr, &changes
}

func TestTracker_JoinIsIdempotent(t *testing.T) {
	tr, changes := newTestTracker(nil)

	for i := 0; i < 5; i++ {
		_, created, err := tr.Join("r1", Member{UserID: "u1", Username: "alice", SessionID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
		assert.Equal(t, i == 0, created)
		assert.Equal(t, 1, tr.MemberCount("r1"))
	}

	require.Len(t, *changes, 1, "only the first join is broadcast")
	assert.Equal(t, Joined, (*changes)[0].Kind)
	assert.Equal(t, 1, (*changes)[0].MemberCount)

	m, ok := tr.Membership("r1", "u1")
	require.True(t, ok)
	assert.Equal(t, "s4", m.SessionID, "repeat join refreshes the session")
}

func TestTracker_SoftLeaveNeverMutates(t *testing.T) {
	tr, changes := newTestTracker(nil)
	_, _, err := tr.Join("r1", Member{UserID: "u1"})
	require.NoError(t, err)

	assert.False(t, tr.Leave("r1", "u1", Soft))
	assert.Equal(t, 1, tr.MemberCount("r1"))
	assert.Len(t, *changes, 1)

	assert.False(t, tr.Leave("r1", "nobody", Soft))
}

func TestTracker_ForcedLeave(t *testing.T) {
	tr, changes := newTestTracker(nil)
	_, _, _ = tr.Join("r1", Member{UserID: "u1", Username: "alice"})
	_, _, _ = tr.Join("r1", Member{UserID: "u2", Username: "bob"})
	require.Equal(t, 2, tr.MemberCount("r1"))

	assert.True(t, tr.Leave("r1", "u1", Forced))
	assert.Equal(t, 1, tr.MemberCount("r1"))

	// Leaving again removes nothing.
	assert.False(t, tr.Leave("r1", "u1", Forced))
	assert.Equal(t, 1, tr.MemberCount("r1"))

	last := (*changes)[len(*changes)-1]
	assert.Equal(t, Left, last.Kind)
	assert.Equal(t, ReasonLeft, last.Reason)
	assert.Equal(t, "alice", last.Membership.Username)
	assert.Equal(t, 1, last.MemberCount)
	assert.Equal(t, []string{"u2"}, tr.Members("r1"))
}

func TestTracker_MembershipQueries(t *testing.T) {
	tr, _ := newTestTracker(nil)
	_, _, _ = tr.Join("r2", Member{UserID: "u1"})
	_, _, _ = tr.Join("r1", Member{UserID: "u1"})
	_, _, _ = tr.Join("r1", Member{UserID: "u2"})

	assert.Equal(t, []string{"r1", "r2"}, tr.RoomsOf("u1"))
	assert.Equal(t, []string{"r1"}, tr.RoomsOf("u2"))
	assert.True(t, tr.IsMember("r1", "u2"))
	assert.False(t, tr.IsMember("r2", "u2"))
	assert.Equal(t, 0, tr.MemberCount("missing"))
	assert.Nil(t, tr.Members("missing"))

	_, _, err := tr.Join("", Member{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTracker_KickBansRejoin(t *testing.T) {
	tr, changes := newTestTracker(nil)
	_, _, _ = tr.Join("r1", Member{UserID: "u1"})

	m, ok := tr.Kick("r1", "u1")
	require.True(t, ok)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, ReasonKicked, (*changes)[len(*changes)-1].Reason)

	_, _, err := tr.Join("r1", Member{UserID: "u1"})
	assert.ErrorIs(t, err, ErrBanned)

	tr.Unban("r1", "u1")
	_, created, err := tr.Join("r1", Member{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTracker_CloseRejectsJoins(t *testing.T) {
	tr, changes := newTestTracker(nil)
	_, _, _ = tr.Join("r1", Member{UserID: "u2"})
	_, _, _ = tr.Join("r1", Member{UserID: "u1"})
	*changes = nil

	dropped := tr.Close("r1")
	require.Len(t, dropped, 2)
	assert.Empty(t, *changes, "closing is reported by the caller, not as leaves")
	assert.Equal(t, "u1", dropped[0].UserID)
	assert.Equal(t, 0, tr.MemberCount("r1"))
	assert.True(t, tr.IsClosed("r1"))

	_, _, err := tr.Join("r1", Member{UserID: "u1"})
	assert.ErrorIs(t, err, ErrRoomClosed)

	tr.Reopen("r1")
	_, _, err = tr.Join("r1", Member{UserID: "u1"})
	assert.NoError(t, err)
}

func TestTracker_ReapHonoursGracePeriod(t *testing.T) {
	presence := newFakePresence()
	tr, changes := newTestTracker(presence)
	now := time.Unix(1700000000, 0)

	_, _, _ = tr.Join("r1", Member{UserID: "online"})
	_, _, _ = tr.Join("r1", Member{UserID: "recent"})
	_, _, _ = tr.Join("r1", Member{UserID: "stale"})
	_, _, _ = tr.Join("r1", Member{UserID: "unknown"})

	presence.online["online"] = true
	presence.lastSeen["online"] = now.Add(-time.Hour)
	presence.lastSeen["recent"] = now.Add(-30 * time.Second)
	presence.lastSeen["stale"] = now.Add(-2 * time.Minute)

	assert.Equal(t, 1, tr.Reap(now))
	assert.Equal(t, []string{"online", "recent", "unknown"}, tr.Members("r1"))
	last := (*changes)[len(*changes)-1]
	assert.Equal(t, ReasonReaped, last.Reason)
	assert.Equal(t, "stale", last.Membership.UserID)

	// Once the grace period passes the recent user goes as well.
	assert.Equal(t, 1, tr.Reap(now.Add(time.Minute)))
	assert.Equal(t, []string{"online", "unknown"}, tr.Members("r1"))
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	tr := New(Config{ReapInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- tr.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLeaveIntent_String(t *testing.T) {
	assert.Equal(t, "soft", Soft.String())
	assert.Equal(t, "forced", Forced.String())
}
