// Package observability provides structured logging, metrics, and
// tracing for the zenith data plane.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// The hot path records through interfaces so a disabled recorder costs a
// virtual call, not an export pipeline.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DropReason labels why an event left the data plane without delivery.
type DropReason string

// Drop reasons surfaced in stats and metrics.
const (
	DropFiltered     DropReason = "filtered"
	DropStageError   DropReason = "stage_error"
	DropUnrouted     DropReason = "unrouted"
	DropChannelFull  DropReason = "channel_full"
	DropBackpressure DropReason = "backpressure"
	DropShutdown     DropReason = "shutdown"
)

// MetricsRecorder records data-plane metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records one event accepted into the ring buffer.
	RecordIngest(ctx context.Context, sourceID uint32, bytes int)

	// RecordProcessed records one event that completed the pipeline.
	RecordProcessed(ctx context.Context, duration time.Duration)

	// RecordDrop records one event dropped for the given reason.
	RecordDrop(ctx context.Context, reason DropReason)

	// RecordRouted records deliveries of one event across channels.
	RecordRouted(ctx context.Context, channels int)

	// RecordPluginInvoke records a plugin invocation with its duration
	// and error status.
	RecordPluginInvoke(ctx context.Context, name string, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingested      metric.Int64Counter
	ingestedBytes metric.Int64Counter
	processed     metric.Int64Counter
	dropped       metric.Int64Counter
	routed        metric.Int64Counter
	pipelineLat   metric.Float64Histogram
	pluginLat     metric.Float64Histogram
	pluginErrors  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("zenith")

	ingested, err := meter.Int64Counter("zenith.events.ingested",
		metric.WithDescription("Events accepted into the ring buffer"),
	)
	if err != nil {
		return nil, err
	}

	ingestedBytes, err := meter.Int64Counter("zenith.events.ingested_bytes",
		metric.WithDescription("Payload bytes accepted into the ring buffer"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	processed, err := meter.Int64Counter("zenith.events.processed",
		metric.WithDescription("Events that completed the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("zenith.events.dropped",
		metric.WithDescription("Events dropped, labelled by reason"),
	)
	if err != nil {
		return nil, err
	}

	routed, err := meter.Int64Counter("zenith.events.routed",
		metric.WithDescription("Event deliveries to downstream channels"),
	)
	if err != nil {
		return nil, err
	}

	pipelineLat, err := meter.Float64Histogram("zenith.pipeline.latency_us",
		metric.WithDescription("Pipeline execution latency in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	pluginLat, err := meter.Float64Histogram("zenith.plugin.latency_us",
		metric.WithDescription("Plugin invocation latency in microseconds"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	pluginErrors, err := meter.Int64Counter("zenith.plugin.errors",
		metric.WithDescription("Plugin invocation failures"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ingested:      ingested,
		ingestedBytes: ingestedBytes,
		processed:     processed,
		dropped:       dropped,
		routed:        routed,
		pipelineLat:   pipelineLat,
		pluginLat:     pluginLat,
		pluginErrors:  pluginErrors,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordIngest records one accepted event.
func (m *otelMetrics) RecordIngest(ctx context.Context, sourceID uint32, bytes int) {
	attrs := metric.WithAttributes(attribute.Int64("source_id", int64(sourceID)))
	m.ingested.Add(ctx, 1, attrs)
	m.ingestedBytes.Add(ctx, int64(bytes), attrs)
}

// RecordProcessed records one completed pipeline run.
func (m *otelMetrics) RecordProcessed(ctx context.Context, duration time.Duration) {
	m.processed.Add(ctx, 1)
	m.pipelineLat.Record(ctx, float64(duration.Microseconds()))
}

// RecordDrop records one dropped event.
func (m *otelMetrics) RecordDrop(ctx context.Context, reason DropReason) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

// RecordRouted records channel deliveries for one event.
func (m *otelMetrics) RecordRouted(ctx context.Context, channels int) {
	m.routed.Add(ctx, int64(channels))
}

// RecordPluginInvoke records one plugin invocation.
func (m *otelMetrics) RecordPluginInvoke(ctx context.Context, name string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("plugin", name))
	m.pluginLat.Record(ctx, float64(duration.Microseconds()), attrs)
	if err != nil {
		m.pluginErrors.Add(ctx, 1, attrs)
	}
}
