// Package session tracks each operator through the active, grace and
// disconnected states and owns the association table.
//
// Like ring.Queue, a Manager is driven from the router goroutine only.
package session

import (
	"crypto/rsa"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/timer"
)

type Config struct {
	ProbeAfter  time.Duration
	HardTimeout time.Duration
	GraceWindow time.Duration
}

type operator struct {
	id       string
	key      *rsa.PublicKey
	state    model.OperatorState
	liveness *timer.Handle
	grace    *timer.Handle
	buffer   []string
}

type Manager struct {
	cfg   Config
	sched *timer.Scheduler
	ops   map[string]*operator
	assoc Associations
}

func NewManager(cfg Config, sched *timer.Scheduler) *Manager {
	return &Manager{
		cfg:   cfg,
		sched: sched,
		ops:   make(map[string]*operator),
	}
}

// SetConfig applies new deadlines from the next reset onwards.
func (m *Manager) SetConfig(cfg Config) {
	m.cfg = cfg
}

func (m *Manager) Associations() *Associations {
	return &m.assoc
}

func (m *Manager) transition(op *operator, to model.OperatorState) error {
	if err := model.ValidateOperatorTransition(op.state, to); err != nil {
		return fmt.Errorf("operator %s: %w", op.id, err)
	}
	op.state = to
	return nil
}

// Touch records inbound activity from id. Liveness is reset, or armed if the
// operator is new. An operator in grace is resumed and its buffered texts
// are returned in arrival order.
func (m *Manager) Touch(id string) (resumed []string, wasGrace bool) {
	op, ok := m.ops[id]
	if !ok {
		op = &operator{id: id, state: model.OperatorUnknown}
		m.ops[id] = op
	}

	if op.state == model.OperatorGrace {
		op.grace.Cancel()
		op.grace = nil
		resumed, op.buffer = op.buffer, nil
		wasGrace = true
	}
	if op.state != model.OperatorActive {
		// Unknown and grace both move to active.
		_ = m.transition(op, model.OperatorActive)
	}
	m.armLiveness(op)
	return resumed, wasGrace
}

func (m *Manager) armLiveness(op *operator) {
	if op.liveness == nil {
		op.liveness = m.sched.ArmMulti(
			[]time.Duration{m.cfg.ProbeAfter, m.cfg.HardTimeout},
			[]timer.Event{
				{Kind: timer.KindProbe, Operator: op.id},
				{Kind: timer.KindLivenessTimeout, Operator: op.id},
			},
		)
		return
	}
	// Stage count always matches, so Reset cannot fail here.
	_ = op.liveness.Reset(m.cfg.ProbeAfter, m.cfg.HardTimeout)
}

// Register stores the operator's public key and marks it active. A nil key
// records a failed registration: the operator stays known but unreachable.
func (m *Manager) Register(id string, key *rsa.PublicKey) (resumed []string, wasGrace bool) {
	resumed, wasGrace = m.Touch(id)
	m.ops[id].key = key
	return resumed, wasGrace
}

// Key returns the operator's cipher key.
func (m *Manager) Key(id string) (*rsa.PublicKey, error) {
	op, ok := m.ops[id]
	if !ok || op.key == nil {
		return nil, fmt.Errorf("operator %s: %w", id, model.ErrUnknownRecipient)
	}
	return op.key, nil
}

func (m *Manager) Registered(id string) bool {
	op, ok := m.ops[id]
	return ok && op.key != nil
}

func (m *Manager) State(id string) model.OperatorState {
	op, ok := m.ops[id]
	if !ok {
		return model.OperatorUnknown
	}
	return op.state
}

func (m *Manager) InGrace(id string) bool {
	return m.State(id) == model.OperatorGrace
}

func (m *Manager) IsActive(id string) bool {
	return m.State(id) == model.OperatorActive
}

// HandleLivenessTimeout moves an active operator into grace.
func (m *Manager) HandleLivenessTimeout(id string) error {
	op, ok := m.ops[id]
	if !ok || op.state != model.OperatorActive {
		return fmt.Errorf("liveness timeout for %s: %w", id, model.ErrStale)
	}
	if err := m.transition(op, model.OperatorGrace); err != nil {
		return err
	}
	op.liveness.Cancel()
	op.buffer = nil
	op.grace = m.sched.Arm(m.cfg.GraceWindow, timer.Event{Kind: timer.KindGraceExpired, Operator: id})
	return nil
}

// BufferForGrace holds text for an operator in grace. It reports false when
// the operator is not in grace.
func (m *Manager) BufferForGrace(id, text string) bool {
	op, ok := m.ops[id]
	if !ok || op.state != model.OperatorGrace {
		return false
	}
	op.buffer = append(op.buffer, text)
	return true
}

// HandleGraceExpired disconnects an operator whose grace window ran out and
// returns the associations that were torn down.
func (m *Manager) HandleGraceExpired(id string) ([]model.Association, error) {
	op, ok := m.ops[id]
	if !ok || op.state != model.OperatorGrace {
		return nil, fmt.Errorf("grace expiry for %s: %w", id, model.ErrStale)
	}
	return m.drop(op)
}

// Disconnect removes an operator immediately, skipping grace.
func (m *Manager) Disconnect(id string) ([]model.Association, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("disconnect %s: %w", id, model.ErrStale)
	}
	return m.drop(op)
}

func (m *Manager) drop(op *operator) ([]model.Association, error) {
	if err := m.transition(op, model.OperatorDisconnected); err != nil {
		return nil, err
	}
	op.liveness.Cancel()
	op.grace.Cancel()
	delete(m.ops, op.id)
	return m.assoc.RemoveOperator(op.id), nil
}

// HasFreeOperator reports whether some operator is active, reachable and
// holds no association.
func (m *Manager) HasFreeOperator() bool {
	for _, op := range m.ops {
		if op.state == model.OperatorActive && op.key != nil && m.assoc.Count(op.id) == 0 {
			return true
		}
	}
	return false
}

// Connected returns every known operator id, sorted.
func (m *Manager) Connected() []string {
	ids := make([]string, 0, len(m.ops))
	for id := range m.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reachable returns sorted ids of operators with a registered key that are
// active or in grace. Grace operators still get broadcasts so a resumed
// client does not show stale rings or service lists.
func (m *Manager) Reachable() []string {
	var ids []string
	for id, op := range m.ops {
		if op.key != nil && (op.state == model.OperatorActive || op.state == model.OperatorGrace) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Snapshot() []model.OperatorSnapshot {
	out := make([]model.OperatorSnapshot, 0, len(m.ops))
	for _, id := range m.Connected() {
		op := m.ops[id]
		out = append(out, model.OperatorSnapshot{
			ID:           id,
			State:        op.state,
			HasKey:       op.key != nil,
			Associations: m.assoc.Count(id),
			Buffered:     len(op.buffer),
		})
	}
	return out
}

// Close stops every operator timer.
func (m *Manager) Close() {
	for _, op := range m.ops {
		op.liveness.Cancel()
		op.grace.Cancel()
	}
}
