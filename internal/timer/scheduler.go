// Package timer arms deferred countdowns that post tagged events onto a single
// results channel instead of calling back into application code.
package timer

import (
	"fmt"
	"sync"
	"time"
)

type Kind int

const (
	KindProbe Kind = iota + 1
	KindLivenessTimeout
	KindGraceExpired
	KindRingExpired
)

func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindLivenessTimeout:
		return "liveness_timeout"
	case KindGraceExpired:
		return "grace_expired"
	case KindRingExpired:
		return "ring_expired"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is what a firing posts. Operator is set for liveness and grace
// events, Ring for ring expiry.
type Event struct {
	Kind     Kind
	Operator string
	Ring     uint64

	handle *Handle
	gen    uint64
}

// Live reports whether the event's handle has not been cancelled or reset
// since the event was posted. Consumers drop events that are no longer live.
func (e Event) Live() bool {
	if e.handle == nil {
		return true
	}
	e.handle.mu.Lock()
	defer e.handle.mu.Unlock()
	return !e.handle.cancelled && e.handle.gen == e.gen
}

// Scheduler owns the results channel shared by every handle it arms.
type Scheduler struct {
	results chan Event
	done    chan struct{}
	once    sync.Once
}

func NewScheduler(buffer int) *Scheduler {
	if buffer < 0 {
		buffer = 0
	}
	return &Scheduler{
		results: make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

func (s *Scheduler) Results() <-chan Event {
	return s.results
}

// Close stops delivery. Firings blocked on a full results channel are released.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
}

// Arm starts a single countdown.
func (s *Scheduler) Arm(d time.Duration, ev Event) *Handle {
	return s.ArmMulti([]time.Duration{d}, []Event{ev})
}

// ArmMulti starts one countdown per stage under a shared handle. Each stage
// fires its own event at most once, independently of the others.
func (s *Scheduler) ArmMulti(ds []time.Duration, evs []Event) *Handle {
	if len(ds) != len(evs) {
		panic(fmt.Sprintf("timer: %d durations for %d events", len(ds), len(evs)))
	}
	h := &Handle{
		sched:  s,
		events: append([]Event(nil), evs...),
	}
	h.mu.Lock()
	h.startLocked(ds)
	h.mu.Unlock()
	return h
}

// Handle controls the countdowns started by one Arm or ArmMulti call.
type Handle struct {
	sched *Scheduler

	mu        sync.Mutex
	events    []Event
	timers    []*time.Timer
	fired     []bool
	gen       uint64
	cancelled bool
}

func (h *Handle) startLocked(ds []time.Duration) {
	h.gen++
	h.cancelled = false
	h.fired = make([]bool, len(ds))
	h.timers = make([]*time.Timer, len(ds))
	gen := h.gen
	for i, d := range ds {
		stage := i
		h.timers[i] = time.AfterFunc(d, func() { h.fire(stage, gen) })
	}
}

func (h *Handle) stopLocked() {
	for _, t := range h.timers {
		if t != nil {
			t.Stop()
		}
	}
}

// Cancel suppresses every pending firing. Events already posted become stale.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	h.gen++
	h.stopLocked()
}

// Reset replaces all countdowns with ds and clears fired state, as if the
// handle had just been armed. ds must have one entry per stage.
func (h *Handle) Reset(ds ...time.Duration) error {
	if h == nil {
		return fmt.Errorf("reset nil handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(ds) != len(h.events) {
		return fmt.Errorf("reset with %d durations, handle has %d stages", len(ds), len(h.events))
	}
	h.stopLocked()
	h.startLocked(ds)
	return nil
}

func (h *Handle) fire(stage int, gen uint64) {
	h.mu.Lock()
	if h.cancelled || h.gen != gen || h.fired[stage] {
		h.mu.Unlock()
		return
	}
	h.fired[stage] = true
	ev := h.events[stage]
	ev.handle = h
	ev.gen = gen
	h.mu.Unlock()

	select {
	case h.sched.results <- ev:
	case <-h.sched.done:
	}
}
