package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const syncScopeName = instrumentationScope + "/sync"

// SyncMetrics instruments the sync engine. All methods are nil-safe, so
// callers can hold a nil *SyncMetrics when telemetry is off.
type SyncMetrics struct {
	cycles          metric.Int64Counter
	cycleDur        metric.Float64Histogram
	fetches         metric.Int64Counter
	attachmentBytes metric.Int64Counter
}

// NewSyncMetrics builds the engine's instruments against the global meter.
func NewSyncMetrics() *SyncMetrics {
	m := Meter(syncScopeName)
	cycles, _ := m.Int64Counter("cvm.sync.cycles",
		metric.WithDescription("Completed sync cycles by outcome"))
	cycleDur, _ := m.Float64Histogram("cvm.sync.cycle.duration",
		metric.WithDescription("Sync cycle duration"), metric.WithUnit("s"))
	fetches, _ := m.Int64Counter("cvm.sync.conversations.fetched",
		metric.WithDescription("Conversations fetched and persisted"))
	attachmentBytes, _ := m.Int64Counter("cvm.sync.attachment.bytes",
		metric.WithDescription("Attachment bytes written to disk"))
	return &SyncMetrics{cycles: cycles, cycleDur: cycleDur, fetches: fetches, attachmentBytes: attachmentBytes}
}

// RecordCycle records one finished cycle and its outcome.
func (m *SyncMetrics) RecordCycle(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDur.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordFetched counts conversations persisted in one cycle.
func (m *SyncMetrics) RecordFetched(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.fetches.Add(ctx, int64(n))
}

// RecordAttachmentBytes counts attachment bytes written to disk.
func (m *SyncMetrics) RecordAttachmentBytes(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.attachmentBytes.Add(ctx, n)
}
