package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync run metrics meter
	SyncMetricsMeterName = "github.com/dealgate/dealer-sync-server/sync"

	// QueueMetricsMeterName is the name used for the job queue metrics meter
	QueueMetricsMeterName = "github.com/dealgate/dealer-sync-server/jobs"
)

// SyncMetrics holds the OpenTelemetry instruments for synchronization run metrics
type SyncMetrics struct {
	runDuration      metric.Float64Histogram
	dealerDeliveries metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"dealer_sync_run_duration_seconds",
		metric.WithDescription("Duration of synchronization runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	dealerDeliveries, err := meter.Int64Counter(
		"dealer_sync_dealer_deliveries_total",
		metric.WithDescription("Total number of per-dealer delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration:      runDuration,
		dealerDeliveries: dealerDeliveries,
	}, nil
}

// RecordRunDuration records the duration of a synchronization run for a process type
func (m *SyncMetrics) RecordRunDuration(ctx context.Context, processType string, duration time.Duration, success bool) {
	if m == nil || m.runDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("process_type", processType),
		attribute.Bool("success", success),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDealerDelivery records the outcome of a single dealer delivery attempt
func (m *SyncMetrics) RecordDealerDelivery(ctx context.Context, processType string, success bool) {
	if m == nil || m.dealerDeliveries == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("process_type", processType),
		attribute.Bool("success", success),
	}

	m.dealerDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// QueueMetrics holds the OpenTelemetry instruments for job queue metrics
type QueueMetrics struct {
	jobsQueued   metric.Int64Gauge
	jobsRequeued metric.Int64Counter
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	jobsQueued, err := meter.Int64Gauge(
		"dealer_sync_jobs_queued",
		metric.WithDescription("Number of jobs waiting in the queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	jobsRequeued, err := meter.Int64Counter(
		"dealer_sync_jobs_requeued_total",
		metric.WithDescription("Total number of jobs returned to the queue after their visibility timeout expired"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		jobsQueued:   jobsQueued,
		jobsRequeued: jobsRequeued,
	}, nil
}

// RecordQueueDepth records the current number of queued jobs
func (m *QueueMetrics) RecordQueueDepth(ctx context.Context, count int64) {
	if m == nil || m.jobsQueued == nil {
		return
	}

	m.jobsQueued.Record(ctx, count)
}

// RecordRequeued records jobs reclaimed from an expired pick
func (m *QueueMetrics) RecordRequeued(ctx context.Context, count int64) {
	if m == nil || m.jobsRequeued == nil {
		return
	}

	m.jobsRequeued.Add(ctx, count)
}
