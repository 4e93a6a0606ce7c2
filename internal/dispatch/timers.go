package dispatch

import (
	"github.com/msageha/nightline/internal/envelope"
	"github.com/msageha/nightline/internal/events"
	"github.com/msageha/nightline/internal/metrics"
	"github.com/msageha/nightline/internal/model"
	"github.com/msageha/nightline/internal/timer"
)

func (r *Router) handleTimer(ev timer.Event) {
	if !ev.Live() {
		r.log.Debugf("ignore stale %s event", ev.Kind)
		return
	}
	switch ev.Kind {
	case timer.KindProbe:
		if r.sessions.IsActive(ev.Operator) {
			r.log.Debugf("probe operator %s", ev.Operator)
			r.sendTo(ev.Operator, envelope.Payload{Type: envelope.TypeProbe, UUID: ev.Operator})
		}
	case timer.KindLivenessTimeout:
		if err := r.sessions.HandleLivenessTimeout(ev.Operator); err != nil {
			r.debugOrWarn(err, "liveness timeout")
			return
		}
		n := r.sessions.Associations().Count(ev.Operator)
		r.log.Infof("operator %s timed out associations=%d", ev.Operator, n)
		r.metrics.RecordOperatorState(r.ctx, string(model.OperatorGrace))
		r.publish(events.Event{Type: events.EventOperatorGrace, Operator: ev.Operator})
	case timer.KindGraceExpired:
		dropped, err := r.sessions.HandleGraceExpired(ev.Operator)
		if err != nil {
			r.debugOrWarn(err, "grace expiry")
			return
		}
		r.log.Infof("operator %s grace expired associations=%d", ev.Operator, len(dropped))
		r.dropped(ev.Operator, dropped)
	case timer.KindRingExpired:
		if err := r.queue.Expire(ev.Ring); err != nil {
			r.debugOrWarn(err, "ring expiry")
			return
		}
		r.log.Infof("ring %d timed out", ev.Ring)
		r.metrics.RecordRing(r.ctx, metrics.RingExpired)
	default:
		r.log.Warnf("unhandled timer kind %s", ev.Kind)
	}
}
