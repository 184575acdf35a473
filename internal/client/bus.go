package client

import (
	"encoding/json"
	"sort"
	"sync"
)

// Local events published by the client itself, never sent by the server.
const (
	EventConnected    = "client.connected"
	EventDisconnected = "client.disconnected"
)

// Event is a server event as received on the wire.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type Handler func(Event)

// Bus fans incoming events out to subscribers in subscription order.
type Bus struct {
	next     int
	handlers map[string]map[int]Handler
	all      map[int]Handler
	mu       sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		all:      make(map[int]Handler),
	}
}

// Subscribe registers h for events named event. The returned func removes it.
func (b *Bus) Subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	b.handlers[event][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
		if len(b.handlers[event]) == 0 {
			delete(b.handlers, event)
		}
	}
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish calls every matching handler outside the lock, so handlers may
// subscribe or unsubscribe.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	matched := make(map[int]Handler, len(b.handlers[ev.Name])+len(b.all))
	for id, h := range b.handlers[ev.Name] {
		matched[id] = h
	}
	for id, h := range b.all {
		matched[id] = h
	}
	b.mu.RUnlock()

	ids := make([]int, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		matched[id](ev)
	}
}
