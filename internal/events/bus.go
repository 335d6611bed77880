// Package events implements the many-to-many progress and lifecycle event
// fan-out the engine publishes to. Per the design note against bare
// callback lists, subscribers get their own buffered channel rather than a
// shared, lock-guarded callback slice.
package events

import (
	"sync"

	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// Kind discriminates the event types carried on the bus.
type Kind int

const (
	KindProgress Kind = iota
	KindPhaseStart
	KindPhaseComplete
	KindActionStart
	KindActionComplete
	KindActionFailed
	KindConflict
	KindSyncComplete
)

// Event is the envelope published on the bus. Only the field matching Kind
// is populated.
type Event struct {
	Kind     Kind
	Progress storage.ProgressEvent
	Phase    string
	Path     string
	Err      error
}

const subscriberBuffer = 256

// Bus fans events out to any number of subscribers. A slow subscriber never
// blocks Publish: once its buffer is full, further events are dropped for
// that subscriber rather than stalling the sync engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus returns an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe when
// done listening.
type Subscription struct {
	id     int
	bus    *Bus
	Events <-chan Event
}

// Unsubscribe closes the subscription's channel and removes it from the
// bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		close(ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new listener and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	return &Subscription{id: id, bus: b, Events: ch}
}

// Publish sends ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop rather than block the engine
		}
	}
}

// Close unsubscribes and closes every active subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
