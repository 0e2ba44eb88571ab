// Package telemetry provides OpenTelemetry instrumentation for the ingest server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetricsMeterName is the name used for the pipeline metrics meter
const PipelineMetricsMeterName = "github.com/stacklok/toolhive-ingest/pipeline"

// PipelineMetrics holds the OpenTelemetry instruments for pipeline runs.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	meter            metric.Meter
	runDuration      metric.Float64Histogram
	sourceDuration   metric.Float64Histogram
	recordsCommitted metric.Int64Counter
	cacheInvalidated metric.Int64Counter
	eventsDropped    metric.Int64Counter
}

// NewPipelineMetrics creates the pipeline instruments.
// If provider is nil, it returns nil (no-op metrics).
func NewPipelineMetrics(provider metric.MeterProvider) (*PipelineMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PipelineMetricsMeterName)
	durationBuckets := metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900)

	runDuration, err := meter.Float64Histogram(
		"thv_ingest_run_duration_seconds",
		metric.WithDescription("Duration of pipeline runs in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	)
	if err != nil {
		return nil, err
	}

	sourceDuration, err := meter.Float64Histogram(
		"thv_ingest_source_duration_seconds",
		metric.WithDescription("Duration of a single source sync in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	)
	if err != nil {
		return nil, err
	}

	recordsCommitted, err := meter.Int64Counter(
		"thv_ingest_records_committed_total",
		metric.WithDescription("Records committed to the datastore"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	cacheInvalidated, err := meter.Int64Counter(
		"thv_ingest_cache_entries_invalidated_total",
		metric.WithDescription("Cache entries removed by namespace invalidation"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter(
		"thv_ingest_progress_events_dropped_total",
		metric.WithDescription("Progress events dropped because a subscriber buffer was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		meter:            meter,
		runDuration:      runDuration,
		sourceDuration:   sourceDuration,
		recordsCommitted: recordsCommitted,
		cacheInvalidated: cacheInvalidated,
		eventsDropped:    eventsDropped,
	}, nil
}

// RecordRun records the duration and outcome of a pipeline run
func (m *PipelineMetrics) RecordRun(ctx context.Context, trigger, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	))
}

// RecordSource records the duration, outcome and committed record count of one source sync
func (m *PipelineMetrics) RecordSource(ctx context.Context, source string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.sourceDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	))
}

// RecordCommitted adds committed records for a source
func (m *PipelineMetrics) RecordCommitted(ctx context.Context, source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsCommitted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordInvalidated adds removed cache entries
func (m *PipelineMetrics) RecordInvalidated(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheInvalidated.Add(ctx, n)
}

// RecordDroppedEvent counts one dropped progress event
func (m *PipelineMetrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.eventsDropped.Add(context.Background(), 1)
}

// ObserveBridge registers gauges reporting the offload bridge load on every collection
func (m *PipelineMetrics) ObserveBridge(stats func() (queued, active int)) error {
	if m == nil {
		return nil
	}

	queuedGauge, err := m.meter.Int64ObservableGauge(
		"thv_ingest_bridge_queued",
		metric.WithDescription("Jobs waiting for an offload worker"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	activeGauge, err := m.meter.Int64ObservableGauge(
		"thv_ingest_bridge_active",
		metric.WithDescription("Jobs currently running on offload workers"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		queued, active := stats()
		o.ObserveInt64(queuedGauge, int64(queued))
		o.ObserveInt64(activeGauge, int64(active))
		return nil
	}, queuedGauge, activeGauge)
	return err
}
