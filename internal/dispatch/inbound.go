package dispatch

import (
	"errors"

	"github.com/msageha/nightline/internal/admin"
	"github.com/msageha/nightline/internal/backend"
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/ring"
)

func (r *Router) handleInbound(name string, in backend.Inbound) {
	if in.Service == "" {
		in.Service = name
	}
	switch in.Kind {
	case backend.KindStatus:
		r.updateStatus(in.Service, in.State)
	case backend.KindChatState:
		r.inboundChatState(model.Address{Backend: in.Service, ID: in.Address}, in.State)
	case backend.KindMessage:
		r.inboundMessage(model.Address{Backend: in.Service, ID: in.Address}, in.Text)
	default:
		r.log.Infof("drop inbound item of kind %v from %s", in.Kind, name)
	}
}

func (r *Router) updateStatus(service, status string) {
	status = model.NormalizeServiceStatus(status)
	found := false
	for i := range r.services {
		if r.services[i].Name == service {
			r.services[i].Status = status
			found = true
		}
	}
	if !found {
		r.services = append(r.services, model.ServiceStatus{Name: service, Status: status})
	}
	r.log.Infof("service status changed: %s, %s", service, status)
	r.publish(events.Event{Type: events.EventServiceStatus, Backend: service, Detail: status})
	r.broadcastStatus()
}

func (r *Router) inboundChatState(addr model.Address, state string) {
	a, ok := r.sessions.Associations().ByAddress(addr)
	if !ok || r.sessions.InGrace(a.Operator) {
		return
	}
	if b, ok := r.cfg.Backend(addr.Backend); ok {
		if s, ok := b.ChatStateMap[state]; ok {
			state = s
		}
	}
	r.sendTo(a.Operator, envelope.Payload{Type: envelope.TypeChatState, UUID: a.Operator, IO: envelope.DirectionIn, State: state})
}

func (r *Router) inboundMessage(addr model.Address, text string) {
	if r.adminGate(addr, text) {
		return
	}
	r.metrics.RecordMessage(r.ctx, addr.Backend, envelope.DirectionIn)
	text = r.filters.Apply(addr.Backend, text)

	if a, ok := r.sessions.Associations().ByAddress(addr); ok {
		r.log.Debugf("match for %s from %s to %s", r.obs.Hash(addr.ID), addr.Backend, a.Operator)
		if r.sessions.BufferForGrace(a.Operator, text) {
			return
		}
		r.sendTo(a.Operator, envelope.Payload{Type: envelope.TypeMsg, UUID: a.Operator, Msg: []string{text}, IO: envelope.DirectionIn})
		return
	}

	outcome, err := r.queue.Submit(addr, text)
	switch {
	case errors.Is(err, model.ErrCapacityExhausted):
		r.log.Infof("user turned away, all operators busy")
		r.metrics.RecordRing(r.ctx, metrics.RingRefused)
		r.reply(addr, r.cfg.Messages.NoOperators)
	case err != nil:
		r.log.Warnf("submit: %v", err)
	case outcome == ring.New:
		r.reply(addr, r.cfg.Messages.Ringing)
	case outcome == ring.Appended:
		r.metrics.RecordRing(r.ctx, metrics.RingAppended)
	}
}

// adminGate runs the in-band admin exchange and reports whether it consumed
// the message.
func (r *Router) adminGate(addr model.Address, text string) bool {
	hashed := r.obs.Hash(addr.ID)
	switch r.gate.Check(addr, text) {
	case admin.Prompt:
		r.log.Infof("admin access attempt by %s on %s", hashed, addr.Backend)
		r.publish(events.Event{Type: events.EventAdminAccess, Backend: addr.Backend, Address: hashed, Detail: "prompt"})
		r.reply(addr, r.cfg.Messages.PasswordPrompt)
	case admin.Promoted:
		r.log.Infof("admin access granted to %s on %s", hashed, addr.Backend)
		r.publish(events.Event{Type: events.EventAdminAccess, Backend: addr.Backend, Address: hashed, Detail: "granted"})
		r.reply(addr, r.cfg.Messages.AdminWelcome)
	case admin.Swallow:
		r.log.Infof("admin access refused for %s on %s", hashed, addr.Backend)
		r.publish(events.Event{Type: events.EventAdminAccess, Backend: addr.Backend, Address: hashed, Detail: "refused"})
	case admin.Query:
		r.log.Infof("admin command %q", text)
		r.reply(addr, r.reporter.Request(text))
	default:
		return false
	}
	return true
}
