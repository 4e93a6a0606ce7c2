// Package ring holds unclaimed end-user requests and resolves which
// operator gets each one.
//
// A Queue is not safe for concurrent use. It is owned by the dispatch
// router's goroutine, which serialises every call.
package ring

import (
	"fmt"
	"time"

	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/timer"
)

type Outcome int

const (
	New Outcome = iota + 1
	Appended
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Appended:
		return "appended"
	default:
		return "unknown"
	}
}

// Entry is one unclaimed request. Texts only grow until the entry is claimed.
type Entry struct {
	ID        uint64
	Address   model.Address
	Texts     []string
	CreatedAt time.Time
	ExpiresAt time.Time

	timer *timer.Handle
}

// Notifier receives the queue's outbound side effects.
type Notifier interface {
	// BroadcastRing offers ring id to every operator. deadline is the
	// expiry advertised to clients.
	BroadcastRing(id uint64, deadline time.Time)
	// BroadcastRingResolved retracts ring id. operator is empty on expiry.
	BroadcastRingResolved(id uint64, operator string)
	// DeliverBuffered hands a claimed entry's texts to its new operator.
	DeliverBuffered(operator string, e *Entry)
	// RingUnanswered tells the end user nobody picked up.
	RingUnanswered(addr model.Address)
}

// Capacity reports whether any operator could take a new ring.
type Capacity interface {
	HasFreeOperator() bool
}

type CapacityFunc func() bool

func (f CapacityFunc) HasFreeOperator() bool { return f() }

type Config struct {
	Window       time.Duration
	ClientMargin time.Duration
}

type Queue struct {
	cfg      Config
	sched    *timer.Scheduler
	notify   Notifier
	capacity Capacity
	now      func() time.Time

	nextID  uint64
	entries []*Entry
	byID    map[uint64]*Entry
	byAddr  map[model.Address]*Entry
}

func NewQueue(cfg Config, sched *timer.Scheduler, notify Notifier, capacity Capacity) *Queue {
	return &Queue{
		cfg:      cfg,
		sched:    sched,
		notify:   notify,
		capacity: capacity,
		now:      time.Now,
		byID:     make(map[uint64]*Entry),
		byAddr:   make(map[model.Address]*Entry),
	}
}

// SetConfig replaces the ring window used by entries created after the call.
func (q *Queue) SetConfig(cfg Config) {
	q.cfg = cfg
}

// Submit appends text to addr's live entry, or opens a new ring for it when
// an operator is free.
func (q *Queue) Submit(addr model.Address, text string) (Outcome, error) {
	if e, ok := q.lookup(addr); ok {
		e.Texts = append(e.Texts, text)
		return Appended, nil
	}
	if q.capacity != nil && !q.capacity.HasFreeOperator() {
		return 0, fmt.Errorf("submit for %s: %w", addr.Backend, model.ErrCapacityExhausted)
	}

	now := q.now()
	e := &Entry{
		ID:        q.nextID,
		Address:   addr,
		Texts:     []string{text},
		CreatedAt: now,
		ExpiresAt: now.Add(q.cfg.Window),
	}
	q.nextID++
	e.timer = q.sched.Arm(q.cfg.Window, timer.Event{Kind: timer.KindRingExpired, Ring: e.ID})

	q.entries = append(q.entries, e)
	q.byID[e.ID] = e
	q.byAddr[addr] = e

	q.notify.BroadcastRing(e.ID, e.ExpiresAt.Add(-q.cfg.ClientMargin))
	return New, nil
}

// Claim gives ring id to operator. Only the first claim succeeds; later ones
// get model.ErrStale.
func (q *Queue) Claim(id uint64, operator string) (model.Association, error) {
	e, ok := q.byID[id]
	if !ok {
		return model.Association{}, fmt.Errorf("claim ring %d: %w", id, model.ErrStale)
	}
	q.remove(e)
	e.timer.Cancel()

	q.notify.BroadcastRingResolved(id, operator)
	q.notify.DeliverBuffered(operator, e)
	return model.Association{Operator: operator, Address: e.Address, CreatedAt: q.now()}, nil
}

// Expire drops ring id after its window ran out.
func (q *Queue) Expire(id uint64) error {
	e, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("expire ring %d: %w", id, model.ErrStale)
	}
	q.remove(e)
	e.timer.Cancel()

	q.notify.BroadcastRingResolved(id, "")
	q.notify.RingUnanswered(e.Address)
	return nil
}

func (q *Queue) remove(e *Entry) {
	delete(q.byID, e.ID)
	delete(q.byAddr, e.Address)
	for i, x := range q.entries {
		if x == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

func (q *Queue) lookup(addr model.Address) (*Entry, bool) {
	e, ok := q.byAddr[addr]
	return e, ok
}

func (q *Queue) Len() int {
	return len(q.entries)
}

// Snapshot lists live entries in creation order.
func (q *Queue) Snapshot() []model.RingSnapshot {
	out := make([]model.RingSnapshot, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, model.RingSnapshot{
			ID:        e.ID,
			Address:   e.Address,
			Texts:     len(e.Texts),
			CreatedAt: e.CreatedAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return out
}

// Close cancels every pending expiry.
func (q *Queue) Close() {
	for _, e := range q.entries {
		e.timer.Cancel()
	}
}
