// Package telemetry provides OpenTelemetry instrumentation for the sync
// engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/classcloud/roster-sync-server/sync"

	// RosterMetricsMeterName is the name used for the roster metrics meter
	RosterMetricsMeterName = "github.com/classcloud/roster-sync-server/roster"
)

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	syncDuration     metric.Float64Histogram
	recordsProcessed metric.Int64Counter
	lockContention   metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"roster_sync_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	recordsProcessed, err := meter.Int64Counter(
		"roster_sync_records_processed_total",
		metric.WithDescription("Number of roster records processed by sync runs"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	lockContention, err := meter.Int64Counter(
		"roster_sync_lock_contention_total",
		metric.WithDescription("Number of sync attempts skipped because the scope was locked"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:     syncDuration,
		recordsProcessed: recordsProcessed,
		lockContention:   lockContention,
	}, nil
}

// RecordSyncDuration records the duration of a sync run for a scope
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, scope string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("scope", scope),
		attribute.Bool("success", success),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRecordsProcessed adds to the processed-records counter for a scope
func (m *SyncMetrics) RecordRecordsProcessed(ctx context.Context, scope string, count int64) {
	if m == nil || m.recordsProcessed == nil {
		return
	}

	m.recordsProcessed.Add(ctx, count, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// RecordLockContention counts a sync attempt skipped due to lock contention
func (m *SyncMetrics) RecordLockContention(ctx context.Context, scope string) {
	if m == nil || m.lockContention == nil {
		return
	}

	m.lockContention.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// RosterMetrics holds the OpenTelemetry instruments for roster data metrics
type RosterMetrics struct {
	activeRecords metric.Int64Gauge
}

// NewRosterMetrics creates a new RosterMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewRosterMetrics(provider metric.MeterProvider) (*RosterMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RosterMetricsMeterName)

	activeRecords, err := meter.Int64Gauge(
		"roster_active_records",
		metric.WithDescription("Number of active roster records per school"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &RosterMetrics{activeRecords: activeRecords}, nil
}

// RecordActiveRecords records the current number of active records for a
// school and record type
func (m *RosterMetrics) RecordActiveRecords(ctx context.Context, schoolExternalID, recordType string, count int64) {
	if m == nil || m.activeRecords == nil {
		return
	}

	m.activeRecords.Record(ctx, count, metric.WithAttributes(
		attribute.String("school", schoolExternalID),
		attribute.String("record_type", recordType),
	))
}
