// Package tracing emits stepflow lifecycle events as OpenTelemetry
// spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/stepflow"
)

// Observer turns each lifecycle event into a short span. Events mark
// points in time, so spans are ended immediately; step durations are
// attached as attributes rather than span length.
type Observer struct {
	tracer trace.Tracer
}

// NewObserver returns a tracing observer. A nil tracer defaults to the
// global provider's "stepflow" tracer.
func NewObserver(tracer trace.Tracer) *Observer {
	if tracer == nil {
		tracer = otel.Tracer("stepflow")
	}
	return &Observer{tracer: tracer}
}

var _ stepflow.Observer = (*Observer)(nil)

func (o *Observer) HandleEvent(ctx context.Context, event *stepflow.Event) {
	_, span := o.tracer.Start(ctx, string(event.Type))
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("stepflow.run_id", event.RunID),
	}
	if event.InstanceID != "" {
		attrs = append(attrs, attribute.String("stepflow.instance_id", event.InstanceID))
	}
	if event.StepKey != "" {
		attrs = append(attrs, attribute.String("stepflow.step", event.StepKey))
	}
	if event.Attempts > 0 {
		attrs = append(attrs, attribute.Int("stepflow.attempts", event.Attempts))
	}
	if event.Duration > 0 {
		attrs = append(attrs, attribute.Float64("stepflow.duration_ms", float64(event.Duration.Milliseconds())))
	}
	span.SetAttributes(attrs...)

	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
	}
}
