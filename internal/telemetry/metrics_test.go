package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != PipelineMetricsMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestNewPipelineMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewPipelineMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		t.Parallel()

		var metrics *PipelineMetrics
		ctx := context.Background()
		metrics.RecordRun(ctx, "MANUAL", "COMPLETED", time.Second)
		metrics.RecordSource(ctx, "alpha", time.Second, true)
		metrics.RecordCommitted(ctx, "alpha", 10)
		metrics.RecordInvalidated(ctx, 10)
		metrics.RecordDroppedEvent()
		assert.NoError(t, metrics.ObserveBridge(func() (int, int) { return 0, 0 }))
	})
}

func TestPipelineMetricsRecording(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewPipelineMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	metrics.RecordRun(ctx, "MANUAL", "COMPLETED", 2*time.Second)
	metrics.RecordSource(ctx, "alpha", time.Second, true)
	metrics.RecordCommitted(ctx, "alpha", 100)
	metrics.RecordCommitted(ctx, "alpha", 50)
	metrics.RecordCommitted(ctx, "alpha", 0)
	metrics.RecordInvalidated(ctx, 2500)
	metrics.RecordDroppedEvent()
	require.NoError(t, metrics.ObserveBridge(func() (int, int) { return 3, 2 }))

	data := collect(t, reader)

	runs, ok := data["thv_ingest_run_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, runs.DataPoints, 1)
	assert.Equal(t, uint64(1), runs.DataPoints[0].Count)

	committed, ok := data["thv_ingest_records_committed_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, committed.DataPoints, 1)
	assert.Equal(t, int64(150), committed.DataPoints[0].Value)

	invalidated, ok := data["thv_ingest_cache_entries_invalidated_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2500), invalidated.DataPoints[0].Value)

	dropped, ok := data["thv_ingest_progress_events_dropped_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), dropped.DataPoints[0].Value)

	queued, ok := data["thv_ingest_bridge_queued"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(3), queued.DataPoints[0].Value)

	active, ok := data["thv_ingest_bridge_active"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), active.DataPoints[0].Value)
}
