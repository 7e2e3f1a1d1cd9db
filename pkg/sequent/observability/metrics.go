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

// MetricsRecorder records sequent metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAdmit records an event admitted to the ordered buffer.
	RecordAdmit(ctx context.Context, entityType string)

	// RecordRelease records an event released to the processing callback.
	// forced marks a non-strict release triggered by a gap heuristic.
	RecordRelease(ctx context.Context, entityType string, forced bool)

	// RecordDuplicate records a duplicate/stale event dropped by the buffer.
	RecordDuplicate(ctx context.Context, entityType string)

	// RecordEviction records an idle entity buffer eviction.
	RecordEviction(ctx context.Context)

	// RecordEmit records a broker emission with its duration and outcome.
	RecordEmit(ctx context.Context, routingKey string, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	admitted    metric.Int64Counter
	released    metric.Int64Counter
	duplicates  metric.Int64Counter
	evictions   metric.Int64Counter
	emits       metric.Int64Counter
	emitErrors  metric.Int64Counter
	emitLatency metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("sequent")

	admitted, err := meter.Int64Counter("sequent.buffer.admitted",
		metric.WithDescription("Events admitted to the ordered buffer"),
	)
	if err != nil {
		return nil, err
	}

	released, err := meter.Int64Counter("sequent.buffer.released",
		metric.WithDescription("Events released to the processing callback"),
	)
	if err != nil {
		return nil, err
	}

	duplicates, err := meter.Int64Counter("sequent.buffer.duplicates",
		metric.WithDescription("Duplicate or stale events dropped"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter("sequent.buffer.evictions",
		metric.WithDescription("Idle entity buffers evicted"),
	)
	if err != nil {
		return nil, err
	}

	emits, err := meter.Int64Counter("sequent.emit.attempts",
		metric.WithDescription("Broker emission attempts"),
	)
	if err != nil {
		return nil, err
	}

	emitErrors, err := meter.Int64Counter("sequent.emit.errors",
		metric.WithDescription("Broker emission failures"),
	)
	if err != nil {
		return nil, err
	}

	emitLatency, err := meter.Float64Histogram("sequent.emit.latency_ms",
		metric.WithDescription("Broker emission latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		admitted:    admitted,
		released:    released,
		duplicates:  duplicates,
		evictions:   evictions,
		emits:       emits,
		emitErrors:  emitErrors,
		emitLatency: emitLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
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

// RecordAdmit records an admitted event.
func (m *otelMetrics) RecordAdmit(ctx context.Context, entityType string) {
	m.admitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
	))
}

// RecordRelease records a released event.
func (m *otelMetrics) RecordRelease(ctx context.Context, entityType string, forced bool) {
	m.released.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.Bool("forced", forced),
	))
}

// RecordDuplicate records a dropped duplicate.
func (m *otelMetrics) RecordDuplicate(ctx context.Context, entityType string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
	))
}

// RecordEviction records an idle buffer eviction.
func (m *otelMetrics) RecordEviction(ctx context.Context) {
	m.evictions.Add(ctx, 1)
}

// RecordEmit records an emission.
func (m *otelMetrics) RecordEmit(ctx context.Context, routingKey string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("routing_key", routingKey),
	}
	m.emits.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.emitLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.emitErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
