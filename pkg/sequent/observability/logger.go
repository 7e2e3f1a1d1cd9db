// Package observability provides structured logging and metrics for the
// sequent core: slog helpers for event-scoped context and OpenTelemetry
// counters for buffer and emission activity.
//
// All features are opt-in and nil-safe; passing a nil logger or using
// NoopMetrics disables them.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with entity_id, sequence, and correlation_id fields.
func EnrichLogger(logger *slog.Logger, entityID string, seq uint64, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("entity_id", entityID),
		slog.Uint64("sequence", seq),
		slog.String("correlation_id", correlationID),
	)
}

// LogForcedRelease warns that an event was applied out of strict order.
// Operators watch this to detect ordering violations caused by the gap
// heuristics.
func LogForcedRelease(logger *slog.Logger, entityID string, watermark, released uint64, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("forced out-of-order release",
		slog.String("entity_id", entityID),
		slog.Uint64("watermark", watermark),
		slog.Uint64("released_sequence", released),
		slog.String("reason", reason),
	)
}

// LogProcessingFailure logs a failed processing callback. The event stays
// pending, so this is a warning rather than an error.
func LogProcessingFailure(logger *slog.Logger, entityID string, seq uint64, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event processing failed, kept pending",
		slog.String("entity_id", entityID),
		slog.Uint64("sequence", seq),
		slog.String("error", err.Error()),
	)
}

// LogEviction logs an idle entity buffer eviction.
func LogEviction(logger *slog.Logger, entityID string, watermark uint64, idle time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("idle entity buffer evicted",
		slog.String("entity_id", entityID),
		slog.Uint64("watermark", watermark),
		slog.Duration("idle", idle),
	)
}

// LogEmit logs an emission outcome at debug level, or error on failure.
func LogEmit(logger *slog.Logger, routingKey string, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("emit failed",
			slog.String("routing_key", routingKey),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("emit succeeded",
		slog.String("routing_key", routingKey),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
