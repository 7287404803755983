// Package bus is the in-process notification fan-out. Events are published
// to named scopes ("user:<id>", "admin:global") and delivered at-most-once
// to each subscriber in per-scope publish order. Delivery is best-effort:
// disconnected or slow subscribers miss events and reconcile via a
// full-state pull.
package bus

import (
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Scope     string    `json:"scope"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription represents an active subscription to one or more scopes.
type Subscription struct {
	id     int
	scopes map[string]struct{}

	// mu serializes enqueue so the drop-oldest shuffle cannot interleave
	// and reorder events for this subscriber.
	mu     sync.Mutex
	ch     chan Event
	missed int64
	closed bool
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Missed returns how many events were dropped for this subscriber and
// resets the counter. A non-zero value means the subscriber's view has a
// gap and it should reconcile with a full-state pull.
func (s *Subscription) Missed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.missed
	s.missed = 0
	return n
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest event to make room. Publishers never block.
	select {
	case <-s.ch:
		s.missed++
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.missed++
	}
}

// Bus is a scoped publish/subscribe fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

// New creates a new Bus with the default per-subscriber buffer.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a Bus with the given per-subscriber buffer size.
func NewWithBuffer(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		buffer: buffer,
	}
}

// Subscribe creates a subscription for events on any of the given scopes.
// No scopes means all scopes (admin firehose).
func (b *Bus) Subscribe(scopes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		scopes: make(map[string]struct{}, len(scopes)),
		ch:     make(chan Event, b.buffer),
	}
	for _, scope := range scopes {
		sub.scopes[scope] = struct{}{}
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}
}

// Publish sends an event to all subscribers of the scope. Non-blocking:
// a full subscriber buffer drops its oldest event and records the gap.
func (b *Bus) Publish(scope, kind string, payload any) {
	event := Event{
		Scope:     scope,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if len(sub.scopes) == 0 {
			sub.enqueue(event)
			continue
		}
		if _, ok := sub.scopes[scope]; ok {
			sub.enqueue(event)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
