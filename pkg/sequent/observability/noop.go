package observability

import (
	"context"
	"time"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled.
type NoopMetrics struct{}

// RecordAdmit implements MetricsRecorder.
func (NoopMetrics) RecordAdmit(ctx context.Context, entityType string) {}

// RecordRelease implements MetricsRecorder.
func (NoopMetrics) RecordRelease(ctx context.Context, entityType string, forced bool) {}

// RecordDuplicate implements MetricsRecorder.
func (NoopMetrics) RecordDuplicate(ctx context.Context, entityType string) {}

// RecordEviction implements MetricsRecorder.
func (NoopMetrics) RecordEviction(ctx context.Context) {}

// RecordEmit implements MetricsRecorder.
func (NoopMetrics) RecordEmit(ctx context.Context, routingKey string, duration time.Duration, err error) {
}
