// Package metrics records broker counters through OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ring outcomes.
const (
	RingCreated  = "created"
	RingAppended = "appended"
	RingClaimed  = "claimed"
	RingExpired  = "expired"
	RingRefused  = "refused"
	RingLate     = "late"
)

// Recorder records broker metrics.
// Use NewRecorder for OTel metrics or Noop{} when disabled.
type Recorder interface {
	RecordRing(ctx context.Context, outcome string)
	// RecordRingWait records how long a claimed ring waited.
	RecordRingWait(ctx context.Context, wait time.Duration)
	RecordMessage(ctx context.Context, backend, direction string)
	RecordOperatorState(ctx context.Context, state string)
	RecordDrop(ctx context.Context, reason string)
}

type otelRecorder struct {
	rings     metric.Int64Counter
	ringWait  metric.Float64Histogram
	messages  metric.Int64Counter
	operators metric.Int64Counter
	drops     metric.Int64Counter
}

// NewRecorder builds a Recorder on provider, or on the global provider when
// provider is nil.
func NewRecorder(provider metric.MeterProvider) (Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("nightline")

	rings, err := meter.Int64Counter("nightline.ring.outcomes",
		metric.WithDescription("Ring submissions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	ringWait, err := meter.Float64Histogram("nightline.ring.wait_ms",
		metric.WithDescription("Time from ring creation to claim in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	messages, err := meter.Int64Counter("nightline.messages",
		metric.WithDescription("Chat messages relayed by backend and direction"),
	)
	if err != nil {
		return nil, err
	}

	operators, err := meter.Int64Counter("nightline.operator.transitions",
		metric.WithDescription("Operator state transitions by target state"),
	)
	if err != nil {
		return nil, err
	}

	drops, err := meter.Int64Counter("nightline.drops",
		metric.WithDescription("Items dropped by reason"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		rings:     rings,
		ringWait:  ringWait,
		messages:  messages,
		operators: operators,
		drops:     drops,
	}, nil
}

func (m *otelRecorder) RecordRing(ctx context.Context, outcome string) {
	m.rings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *otelRecorder) RecordRingWait(ctx context.Context, wait time.Duration) {
	m.ringWait.Record(ctx, float64(wait.Milliseconds()))
}

func (m *otelRecorder) RecordMessage(ctx context.Context, backend, direction string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("direction", direction),
	))
}

func (m *otelRecorder) RecordOperatorState(ctx context.Context, state string) {
	m.operators.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *otelRecorder) RecordDrop(ctx context.Context, reason string) {
	m.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordRing(context.Context, string)            {}
func (Noop) RecordRingWait(context.Context, time.Duration) {}
func (Noop) RecordMessage(context.Context, string, string) {}
func (Noop) RecordOperatorState(context.Context, string)   {}
func (Noop) RecordDrop(context.Context, string)            {}
