package dispatch

import (
	"errors"

	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
)

// operatorChatStates maps operator typing states back onto backend words.
var operatorChatStates = map[string]string{
	"idle":   "active",
	"typing": "composing",
}

func (r *Router) handleEnvelope(env envelope.Envelope) {
	p, err := r.codec.Decode(env)
	switch {
	case errors.Is(err, envelope.ErrBounced):
		r.log.Debugf("envelope from %s bounced: to=%q", env.UUID, env.To)
		return
	case err != nil:
		r.log.Infof("invalid envelope from %s: %v", env.UUID, err)
		r.metrics.RecordDrop(r.ctx, "decode")
		return
	}

	id := p.UUID
	switch p.Type {
	case envelope.TypeProbeACK:
		r.touch(id)
	case envelope.TypeMsg:
		if p.IO != envelope.DirectionOut {
			r.log.Debugf("drop msg from %s with direction %q", id, p.IO)
			return
		}
		r.touch(id)
		r.routeOut(id, p.Msg)
	case envelope.TypeRingACK:
		r.touch(id)
		r.claim(id, p)
	case envelope.TypeKey:
		r.register(id, p.Key)
	case envelope.TypeDisassociate:
		r.touch(id)
		r.disassociate(id)
	case envelope.TypeDisconnect:
		r.disconnect(id)
	case envelope.TypeChatState:
		if p.IO != envelope.DirectionOut {
			return
		}
		r.touch(id)
		r.forwardChatState(id, p.State)
	default:
		r.log.Infof("drop unknown payload type %q from %s", p.Type, id)
	}
}

// touch records operator activity, flushing any grace buffer.
func (r *Router) touch(id string) {
	if resumed, wasGrace := r.sessions.Touch(id); wasGrace {
		r.flush(id, resumed)
	}
}

// flush hands a resumed operator everything buffered while it was in grace.
func (r *Router) flush(id string, resumed []string) {
	r.log.Infof("operator %s resumed buffered=%d", id, len(resumed))
	r.metrics.RecordOperatorState(r.ctx, string(model.OperatorActive))
	r.publish(events.Event{Type: events.EventOperatorResumed, Operator: id})
	if len(resumed) > 0 {
		r.sendTo(id, envelope.Payload{Type: envelope.TypeMsg, UUID: id, Msg: resumed, IO: envelope.DirectionIn})
	}
}

func (r *Router) routeOut(id string, texts []string) {
	a, ok := r.sessions.Associations().Primary(id)
	if !ok {
		r.log.Debugf("drop reply from %s: no association", id)
		r.metrics.RecordDrop(r.ctx, "unassociated")
		return
	}
	for _, text := range texts {
		r.reply(a.Address, text)
		r.metrics.RecordMessage(r.ctx, a.Address.Backend, envelope.DirectionOut)
	}
}

func (r *Router) claim(id string, p envelope.Payload) {
	ringID, ok := p.RingID()
	if !ok {
		r.log.Infof("drop ringACK from %s without ring id", id)
		return
	}
	if !r.sessions.Registered(id) {
		r.log.Warnf("drop ringACK %d from unregistered operator %s", ringID, id)
		return
	}
	a, err := r.queue.Claim(ringID, id)
	if err != nil {
		r.metrics.RecordRing(r.ctx, metrics.RingLate)
		r.debugOrWarn(err, "ringACK from %s", id)
		return
	}
	if err := r.sessions.Associations().Add(a); err != nil {
		r.log.Warnf("associate %s: %v", id, err)
		return
	}
	r.log.Infof("operator %s answered ring %d", id, ringID)
	r.metrics.RecordRing(r.ctx, metrics.RingClaimed)
	r.publish(events.Event{
		Type:     events.EventRingClaimed,
		Operator: id,
		Ring:     envelope.WithRingID(ringID),
		Backend:  a.Address.Backend,
		Address:  r.obs.Hash(a.Address.ID),
	})
}

func (r *Router) register(id, pem string) {
	key, err := envelope.ParsePublicKey([]byte(pem))
	if err != nil {
		r.log.Warnf("operator %s sent an unusable key: %v", id, err)
		key = nil
	}
	if resumed, wasGrace := r.sessions.Register(id, key); wasGrace {
		r.flush(id, resumed)
	}
	r.log.Infof("operator %s connected registered=%t", id, key != nil)
	r.publish(events.Event{Type: events.EventOperatorRegistered, Operator: id})
	r.broadcastStatus()
}

func (r *Router) disassociate(id string) {
	a, ok := r.sessions.Associations().RemovePrimary(id)
	if !ok {
		r.log.Debugf("disassociate from %s: no association", id)
		return
	}
	r.log.Infof("operator %s disassociated from %s", id, a.Address.Backend)
}

func (r *Router) disconnect(id string) {
	dropped, err := r.sessions.Disconnect(id)
	if err != nil {
		r.debugOrWarn(err, "disconnect")
		return
	}
	r.log.Infof("operator %s disconnected associations=%d", id, len(dropped))
	r.dropped(id, dropped)
}

// dropped tells every end user in assocs that their operator is gone.
func (r *Router) dropped(id string, assocs []model.Association) {
	for _, a := range assocs {
		r.reply(a.Address, r.cfg.Messages.OperatorDropped)
	}
	r.metrics.RecordOperatorState(r.ctx, string(model.OperatorDisconnected))
	r.publish(events.Event{Type: events.EventOperatorDisconnected, Operator: id})
}

func (r *Router) forwardChatState(id, state string) {
	a, ok := r.sessions.Associations().Primary(id)
	if !ok {
		return
	}
	if b, ok := r.cfg.Backend(a.Address.Backend); ok && b.WithoutChatStates {
		return
	}
	if s, ok := operatorChatStates[state]; ok {
		state = s
	}
	r.send(a.Address, backend.Outbound{Address: a.Address.ID, State: state})
}
