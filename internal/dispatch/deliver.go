package dispatch

import (
	"time"

	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/ring"
)

// noChatState tells an operator the end user's backend reports no typing state.
const noChatState = "no_state"

var _ ring.Notifier = (*Router)(nil)

// sendTo encrypts p for operator id and queues it. Failures are logged and
// the payload is dropped.
func (r *Router) sendTo(id string, p envelope.Payload) {
	key, err := r.sessions.Key(id)
	if err != nil {
		r.log.Infof("drop %s payload: %v", p.Type, err)
		r.metrics.RecordDrop(r.ctx, "unknown_recipient")
		return
	}
	env, err := r.codec.Encode(key, id, p)
	if err != nil {
		r.log.Warnf("encode %s for %s: %v", p.Type, id, err)
		r.metrics.RecordDrop(r.ctx, "encode")
		return
	}
	if err := r.ops.Send(env); err != nil {
		r.log.Infof("send %s to %s: %v", p.Type, id, err)
		r.metrics.RecordDrop(r.ctx, "operator_unavailable")
	}
}

// broadcast sends p to every connected operator with a key, grace included.
func (r *Router) broadcast(p envelope.Payload) {
	for _, id := range r.sessions.Reachable() {
		r.sendTo(id, p)
	}
}

func (r *Router) broadcastStatus() {
	r.broadcast(envelope.Payload{
		Type:     envelope.TypeStatus,
		Services: append([]model.ServiceStatus{}, r.services...),
	})
}

// reply sends text to an end user with the default chat state.
func (r *Router) reply(addr model.Address, text string) {
	r.send(addr, backend.Outbound{Address: addr.ID, Text: text, State: backend.DefaultState})
}

func (r *Router) send(addr model.Address, o backend.Outbound) {
	b, ok := r.backends[addr.Backend]
	if !ok {
		r.log.Warnf("drop outbound: no backend %s", addr.Backend)
		r.metrics.RecordDrop(r.ctx, "unknown_backend")
		return
	}
	if err := b.Send(o); err != nil {
		r.log.Warnf("drop outbound: %v", err)
		r.metrics.RecordDrop(r.ctx, "backend_unavailable")
	}
}

func (r *Router) BroadcastRing(id uint64, deadline time.Time) {
	r.log.Infof("sending ring %d to operators", id)
	r.metrics.RecordRing(r.ctx, metrics.RingCreated)
	r.publish(events.Event{Type: events.EventRingCreated, Ring: envelope.WithRingID(id)})
	r.broadcast(envelope.Payload{
		Type:  envelope.TypeRing,
		ID:    envelope.WithRingID(id),
		Group: envelope.WithGroup(""),
		Time:  float64(deadline.UnixNano()) / float64(time.Second),
	})
}

func (r *Router) BroadcastRingResolved(id uint64, operator string) {
	r.broadcast(envelope.Payload{Type: envelope.TypeRingACKACK, ID: envelope.WithRingID(id), UUID: operator})
}

func (r *Router) DeliverBuffered(operator string, e *ring.Entry) {
	r.metrics.RecordRingWait(r.ctx, r.now().Sub(e.CreatedAt))
	if b, ok := r.cfg.Backend(e.Address.Backend); ok && b.WithoutChatStates {
		r.sendTo(operator, envelope.Payload{Type: envelope.TypeChatState, UUID: operator, IO: envelope.DirectionIn, State: noChatState})
	}
	for _, text := range e.Texts {
		r.sendTo(operator, envelope.Payload{Type: envelope.TypeMsg, UUID: operator, Msg: []string{text}, IO: envelope.DirectionIn})
	}
}

func (r *Router) RingUnanswered(addr model.Address) {
	r.publish(events.Event{Type: events.EventRingExpired, Backend: addr.Backend, Address: r.obs.Hash(addr.ID)})
	r.reply(addr, r.cfg.Messages.RingTimedOut)
}
