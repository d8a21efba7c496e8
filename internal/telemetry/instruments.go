package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const engineScope = "gateline/engine"

// Instruments are the engine's counters and tracer. The zero value is not
// usable; build one with NewInstruments.
type Instruments struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	handoffs    metric.Int64Counter
	rejections  metric.Int64Counter
	conflicts   metric.Int64Counter
	completions metric.Int64Counter
}

// NewInstruments binds instruments to the current global providers.
func NewInstruments() *Instruments {
	m := Meter(engineScope)
	transitions, _ := m.Int64Counter("gateline.directive.transitions",
		metric.WithDescription("Phase transitions committed"))
	handoffs, _ := m.Int64Counter("gateline.handoff.submissions",
		metric.WithDescription("Handoffs submitted, by status"))
	rejections, _ := m.Int64Counter("gateline.operation.rejections",
		metric.WithDescription("Operations rejected, by error kind"))
	conflicts, _ := m.Int64Counter("gateline.operation.conflicts",
		metric.WithDescription("Optimistic version conflicts"))
	completions, _ := m.Int64Counter("gateline.directive.completions",
		metric.WithDescription("Completion requests, by outcome"))
	return &Instruments{
		tracer:      Tracer(engineScope),
		transitions: transitions,
		handoffs:    handoffs,
		rejections:  rejections,
		conflicts:   conflicts,
		completions: completions,
	}
}

// Start opens a span for an engine operation on a directive.
func (in *Instruments) Start(ctx context.Context, op, directiveID string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "engine."+op,
		trace.WithAttributes(attribute.String("gateline.directive_id", directiveID)))
}

// End records err on span and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (in *Instruments) Transition(ctx context.Context, from, to string) {
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from), attribute.String("to", to)))
}

func (in *Instruments) Handoff(ctx context.Context, status string) {
	in.handoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (in *Instruments) Rejection(ctx context.Context, op, kind string) {
	in.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op), attribute.String("kind", kind)))
}

func (in *Instruments) Conflict(ctx context.Context, op string) {
	in.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) Completion(ctx context.Context, accepted bool) {
	in.completions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}
