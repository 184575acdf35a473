package ws

import (
	"sync"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/google/uuid"
)

const DefaultSendBuffer = 64

type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unauthenticated"
	}
}

// Session is the server side of one live transport connection. It is what
// the registry binds to a user.
type Session struct {
	id   string
	send chan models.ServerEvent
	done chan struct{}

	user            models.User
	authenticatedAt time.Time
	state           State

	mu sync.RWMutex
}

func NewSession(buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Session{
		id:   uuid.NewString(),
		send: make(chan models.ServerEvent, buffer),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send queues event for the writer. It never blocks: the event is dropped
// when the buffer is full or the session is closed.
func (s *Session) Send(event models.ServerEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == Closed {
		return false
	}
	select {
	case s.send <- event:
		return true
	default:
		return false
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// User returns the authenticated user, if any.
func (s *Session) User() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.state == Authenticated
}

func (s *Session) AuthenticatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt
}

func (s *Session) authenticate(user models.User, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	s.user = user
	s.authenticatedAt = at
	s.state = Authenticated
	return true
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.state = Closed
	close(s.done)
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) outbound() <-chan models.ServerEvent {
	return s.send
}
