package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the zenith tracer instance, using the global OTel provider.
var tracer = otel.Tracer("zenith")

// SpanManager handles trace span lifecycle around event processing.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when
// disabled - tracing every event is far too expensive for the hot path
// default, so the engine only creates spans when explicitly configured.
type SpanManager interface {
	// StartEventSpan starts a span covering one event's pipeline run and
	// routing.
	StartEventSpan(ctx context.Context, sourceID uint32, seqNo uint64) (context.Context, trace.Span)

	// StartStageSpan starts a span for one stage execution, a child of
	// the event span.
	StartStageSpan(ctx context.Context, stageName string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartEventSpan starts a span for one event's traversal.
func (m *otelSpanManager) StartEventSpan(ctx context.Context, sourceID uint32, seqNo uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "zenith.event",
		trace.WithAttributes(
			attribute.Int64("source_id", int64(sourceID)),
			attribute.Int64("seq_no", int64(seqNo)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for a stage execution.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, stageName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "zenith.stage."+stageName,
		trace.WithAttributes(
			attribute.String("stage", stageName),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the span in the context.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
