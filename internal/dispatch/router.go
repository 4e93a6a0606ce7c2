// Package dispatch runs the broker's single-writer event loop. It drains the
// operator channel, every backend and the timer scheduler, and is the only
// goroutine that mutates ring, session and association state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/msageha/nightline/internal/admin"
	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/filter"
	"github.com/msageha/nightline/internal/logging"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/ring"
	"github.com/msageha/nightline/internal/session"
	"github.com/msageha/nightline/internal/timer"
)

// OperatorChannel moves envelopes to and from operator clients.
type OperatorChannel interface {
	Inbound() <-chan envelope.Envelope
	// Send queues env without blocking.
	Send(env envelope.Envelope) error
}

type Options struct {
	Config    model.Config
	Codec     *envelope.Codec
	Operators OperatorChannel
	Backends  []backend.Adapter
	// Reloads delivers replacement configs from the file watcher. May be nil.
	Reloads  <-chan model.Config
	Log      *logging.Logger
	Metrics  metrics.Recorder
	Bus      *events.Bus
	Obscurer *admin.Obscurer
}

type Router struct {
	// mu guards everything below against the reporter's snapshots. The loop
	// holds it for writing while handling one item.
	mu sync.RWMutex

	cfg      model.Config
	codec    *envelope.Codec
	ops      OperatorChannel
	backends map[string]backend.Adapter
	order    []backend.Adapter
	reloads  <-chan model.Config

	sched    *timer.Scheduler
	queue    *ring.Queue
	sessions *session.Manager
	gate     *admin.Gate
	reporter *admin.Reporter
	obs      *admin.Obscurer
	filters  filter.Set
	services []model.ServiceStatus

	log     *logging.Logger
	metrics metrics.Recorder
	bus     *events.Bus
	ctx     context.Context
	now     func() time.Time
}

func New(opts Options) (*Router, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("dispatch: codec is required")
	}
	if opts.Operators == nil {
		return nil, fmt.Errorf("dispatch: operator channel is required")
	}
	cfg := opts.Config.WithDefaults()
	filters, err := filter.NewSet(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	r := &Router{
		cfg:      cfg,
		codec:    opts.Codec,
		ops:      opts.Operators,
		backends: make(map[string]backend.Adapter, len(opts.Backends)),
		reloads:  opts.Reloads,
		sched:    timer.NewScheduler(cfg.Broker.QueueSize),
		gate:     admin.NewGate(cfg.Admin),
		obs:      opts.Obscurer,
		filters:  filters,
		log:      opts.Log.With("dispatch"),
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		ctx:      context.Background(),
		now:      time.Now,
	}
	for _, b := range opts.Backends {
		if _, dup := r.backends[b.Name()]; dup {
			return nil, fmt.Errorf("dispatch: duplicate backend %q", b.Name())
		}
		r.backends[b.Name()] = b
		r.order = append(r.order, b)
	}
	if r.obs == nil {
		r.obs = admin.NewObscurer()
	}
	if r.metrics == nil {
		r.metrics = metrics.Noop{}
	}
	r.sessions = session.NewManager(sessionConfig(cfg.Timing), r.sched)
	r.queue = ring.NewQueue(ringConfig(cfg.Timing), r.sched, r, r.sessions)
	// The in-band reporter runs on the loop, which already holds mu.
	r.reporter = admin.NewReporter(snapshotFunc(r.snapshotLocked), r.obs)
	return r, nil
}

func sessionConfig(t model.TimingConfig) session.Config {
	return session.Config{
		ProbeAfter:  t.Duration(t.ProbeAfter),
		HardTimeout: t.Duration(t.HardTimeout),
		GraceWindow: t.Duration(t.GraceWindow),
	}
}

func ringConfig(t model.TimingConfig) ring.Config {
	return ring.Config{
		Window:       t.Duration(t.RingWindow),
		ClientMargin: t.Duration(t.ClientMargin()),
	}
}

type snapshotFunc func() model.Snapshot

func (f snapshotFunc) Snapshot() model.Snapshot { return f() }

// Obscurer returns the address hasher shared by logs, events and reports.
func (r *Router) Obscurer() *admin.Obscurer {
	return r.obs
}

// Snapshot copies the router state for readers outside the loop.
func (r *Router) Snapshot() model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Router) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		TakenAt:      r.now(),
		Services:     append([]model.ServiceStatus(nil), r.services...),
		Operators:    r.sessions.Snapshot(),
		Associations: r.sessions.Associations().All(),
		Rings:        r.queue.Snapshot(),
	}
}

type source struct {
	name   string
	ch     reflect.Value
	handle func(v reflect.Value)
	closed bool
}

func (r *Router) sources() []*source {
	srcs := []*source{{
		name:   "operators",
		ch:     reflect.ValueOf(r.ops.Inbound()),
		handle: func(v reflect.Value) { r.handleEnvelope(v.Interface().(envelope.Envelope)) },
	}}
	for _, b := range r.order {
		name := b.Name()
		srcs = append(srcs, &source{
			name:   "backend " + name,
			ch:     reflect.ValueOf(b.Inbound()),
			handle: func(v reflect.Value) { r.handleInbound(name, v.Interface().(backend.Inbound)) },
		})
	}
	srcs = append(srcs, &source{
		name:   "timers",
		ch:     reflect.ValueOf(r.sched.Results()),
		handle: func(v reflect.Value) { r.handleTimer(v.Interface().(timer.Event)) },
	})
	if r.reloads != nil {
		srcs = append(srcs, &source{
			name:   "reloads",
			ch:     reflect.ValueOf(r.reloads),
			handle: func(v reflect.Value) { r.applyConfig(v.Interface().(model.Config)) },
		})
	}
	return srcs
}

// Run processes items until ctx is cancelled. Each round takes at most one
// item from every source; an idle round waits up to the poll interval for
// any source to become ready.
func (r *Router) Run(ctx context.Context) error {
	r.ctx = ctx
	defer r.close()

	srcs := r.sources()
	r.log.Infof("router started backends=%d", len(r.order))
	for {
		if ctx.Err() != nil {
			r.log.Infof("router stopping")
			return nil
		}
		busy := false
		for _, s := range srcs {
			if s.closed {
				continue
			}
			chosen, v, ok := reflect.Select([]reflect.SelectCase{
				{Dir: reflect.SelectRecv, Chan: s.ch},
				{Dir: reflect.SelectDefault},
			})
			if chosen == 0 {
				r.deliver(s, v, ok)
				busy = true
			}
		}
		if !busy {
			r.wait(ctx, srcs)
		}
	}
}

func (r *Router) wait(ctx context.Context, srcs []*source) {
	t := time.NewTimer(r.pollInterval())
	defer t.Stop()

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.C)},
	}
	live := make([]*source, 0, len(srcs))
	for _, s := range srcs {
		if s.closed {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: s.ch})
		live = append(live, s)
	}
	chosen, v, ok := reflect.Select(cases)
	if chosen >= 2 {
		r.deliver(live[chosen-2], v, ok)
	}
}

func (r *Router) pollInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Broker.PollInterval()
}

func (r *Router) deliver(s *source, v reflect.Value, ok bool) {
	if !ok {
		r.log.Warnf("%s channel closed", s.name)
		s.closed = true
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.handle(v)
}

func (r *Router) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Close()
	r.sessions.Close()
	r.sched.Close()
}

// applyConfig swaps in reloaded messages, admin secrets, filters and timing.
// Backends and listeners are fixed for the life of the process.
func (r *Router) applyConfig(cfg model.Config) {
	cfg = cfg.WithDefaults()
	filters, err := filter.NewSet(cfg.Backends)
	if err != nil {
		r.log.Warnf("config reload rejected: %v", err)
		return
	}
	for _, b := range cfg.Backends {
		if _, ok := r.backends[b.Name]; !ok {
			r.log.Warnf("config reload: backend %s needs a restart to start", b.Name)
		}
	}
	r.cfg = cfg
	r.filters = filters
	r.gate.SetSecrets(cfg.Admin)
	r.sessions.SetConfig(sessionConfig(cfg.Timing))
	r.queue.SetConfig(ringConfig(cfg.Timing))
	r.log.Infof("config reloaded")
}

// debugOrWarn logs stale references quietly and everything else loudly.
func (r *Router) debugOrWarn(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, model.ErrStale) {
		r.log.Debugf("%s: %v", msg, err)
		return
	}
	r.log.Warnf("%s: %v", msg, err)
}

func (r *Router) publish(ev events.Event) {
	r.bus.Publish(ev)
}
