package wal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quarrydb/quarry/pkg/telemetry"
)

// WALMetrics defines the interface for WAL telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type WALMetrics interface {
	telemetry.ComponentMetrics

	// RecordAppend records metrics for a WAL append operation.
	RecordAppend(ctx context.Context, duration time.Duration, bytes int64, fragmented bool, durable bool)

	// RecordSync records metrics for a durability barrier.
	RecordSync(ctx context.Context, duration time.Duration, mode string, forced bool)

	// RecordRoll records a segment roll.
	RecordRoll(ctx context.Context, oldSize int64, segment string)

	// RecordCorruption records when WAL corruption is detected.
	RecordCorruption(ctx context.Context, reason string, segment string)

	// RecordVerify records metrics for a log verification pass.
	RecordVerify(ctx context.Context, duration time.Duration, entries int64, ok bool)
}

// walMetrics implements WALMetrics using the telemetry interface.
type walMetrics struct {
	tel telemetry.Telemetry
}

// NewWALMetrics creates a new WAL metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewWALMetrics(tel telemetry.Telemetry) WALMetrics {
	if tel == nil {
		return &noopWALMetrics{}
	}
	return &walMetrics{tel: tel}
}

// NewNoopWALMetrics creates a no-op WAL metrics implementation for testing.
func NewNoopWALMetrics() WALMetrics {
	return &noopWALMetrics{}
}

// RecordAppend records WAL append operation metrics.
func (m *walMetrics) RecordAppend(ctx context.Context, duration time.Duration, bytes int64, fragmented bool, durable bool) {
	m.tel.RecordHistogram(ctx, "quarry.wal.append.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAppend),
		attribute.Bool("fragmented", fragmented),
		attribute.Bool("durable", durable),
	)

	m.tel.RecordCounter(ctx, "quarry.wal.append.bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAppend),
		attribute.Bool("fragmented", fragmented),
	)

	m.tel.RecordCounter(ctx, "quarry.wal.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAppend),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)
}

// RecordSync records durability barrier metrics.
func (m *walMetrics) RecordSync(ctx context.Context, duration time.Duration, mode string, forced bool) {
	m.tel.RecordHistogram(ctx, "quarry.wal.sync.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String("sync_mode", mode),
		attribute.Bool("forced", forced),
	)

	m.tel.RecordCounter(ctx, "quarry.wal.sync.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String("sync_mode", mode),
		attribute.Bool("forced", forced),
	)
}

// RecordRoll records segment roll metrics.
func (m *walMetrics) RecordRoll(ctx context.Context, oldSize int64, segment string) {
	m.tel.RecordCounter(ctx, "quarry.wal.roll.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrSegmentID, segment),
	)

	m.tel.RecordHistogram(ctx, "quarry.wal.roll.segment_size", float64(oldSize),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrSegmentID, segment),
	)
}

// RecordCorruption records WAL corruption detection.
func (m *walMetrics) RecordCorruption(ctx context.Context, reason string, segment string) {
	m.tel.RecordCounter(ctx, "quarry.wal.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrReason, reason),
		attribute.String(telemetry.AttrSegmentID, segment),
	)
}

// RecordVerify records verification pass metrics.
func (m *walMetrics) RecordVerify(ctx context.Context, duration time.Duration, entries int64, ok bool) {
	status := telemetry.StatusSuccess
	if !ok {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "quarry.wal.verify.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeVerify),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, "quarry.wal.verify.entries", entries,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentWAL),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeVerify),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *walMetrics) Close() error {
	// No resources to clean up for this implementation
	return nil
}

// noopWALMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopWALMetrics struct{}

// RecordAppend is a no-op.
func (n *noopWALMetrics) RecordAppend(ctx context.Context, duration time.Duration, bytes int64, fragmented bool, durable bool) {
	// No-op
}

// RecordSync is a no-op.
func (n *noopWALMetrics) RecordSync(ctx context.Context, duration time.Duration, mode string, forced bool) {
	// No-op
}

// RecordRoll is a no-op.
func (n *noopWALMetrics) RecordRoll(ctx context.Context, oldSize int64, segment string) {
	// No-op
}

// RecordCorruption is a no-op.
func (n *noopWALMetrics) RecordCorruption(ctx context.Context, reason string, segment string) {
	// No-op
}

// RecordVerify is a no-op.
func (n *noopWALMetrics) RecordVerify(ctx context.Context, duration time.Duration, entries int64, ok bool) {
	// No-op
}

// Close is a no-op.
func (n *noopWALMetrics) Close() error {
	return nil
}
