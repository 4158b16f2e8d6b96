package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrRoomID  = attribute.Key("chatpact.room.id")
	AttrAgentID = attribute.Key("chatpact.agent.id")
	AttrAction  = attribute.Key("chatpact.action")
	AttrIntent  = attribute.Key("chatpact.intent")
	AttrStage   = attribute.Key("chatpact.stage")
)

// Metrics holds the engine's instruments.
type Metrics struct {
	Turns        metric.Int64Counter
	Transitions  metric.Int64Counter
	Reports      metric.Int64Counter
	Rejections   metric.Int64Counter
	TurnDuration metric.Float64Histogram
}

// NewMetrics creates the instruments from a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Turns, err = meter.Int64Counter("chatpact.turns",
		metric.WithDescription("Inbound chat turns handled"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("chatpact.transitions",
		metric.WithDescription("Confirmation state transitions by resulting stage"),
	)
	if err != nil {
		return nil, err
	}

	m.Reports, err = meter.Int64Counter("chatpact.reports",
		metric.WithDescription("Execution reports received"),
	)
	if err != nil {
		return nil, err
	}

	m.Rejections, err = meter.Int64Counter("chatpact.rejections",
		metric.WithDescription("Turns rejected before any transition (lock, identity)"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("chatpact.turn.duration",
		metric.WithDescription("Turn handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
