// Package events carries broker lifecycle events from the router to
// observers such as the audit trail.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRingCreated          EventType = "ring_created"
	EventRingClaimed          EventType = "ring_claimed"
	EventRingExpired          EventType = "ring_expired"
	EventOperatorRegistered   EventType = "operator_registered"
	EventOperatorGrace        EventType = "operator_grace"
	EventOperatorResumed      EventType = "operator_resumed"
	EventOperatorDisconnected EventType = "operator_disconnected"
	EventServiceStatus        EventType = "service_status"
	EventAdminAccess          EventType = "admin_access"
)

// AllEventTypes lists every type the router publishes.
var AllEventTypes = []EventType{
	EventRingCreated,
	EventRingClaimed,
	EventRingExpired,
	EventOperatorRegistered,
	EventOperatorGrace,
	EventOperatorResumed,
	EventOperatorDisconnected,
	EventServiceStatus,
	EventAdminAccess,
}

// Event is one broker occurrence. Address is already obscured by the
// publisher and never holds a raw end-user address.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Operator  string
	Ring      *uint64
	Backend   string
	Address   string
	Detail    string
}

type Subscriber func(Event)

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe calls fn from its own goroutine for every event of the given
// types. The returned function unsubscribes.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish stamps ev and delivers it without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, t)
	}
}
