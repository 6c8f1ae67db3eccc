package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"dimroute/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, kv attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			total += dp.Value
		}
	}
	return total
}

func TestETLMetrics_RecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := InitETLMetrics(provider, nil)
	require.NoError(t, err)
	assert.True(t, m.LastSuccess().IsZero())

	ctx := context.Background()
	m.RecordRun(ctx, 10*time.Millisecond, 4, nil)
	m.RecordRun(ctx, 2*time.Millisecond, 0, apperr.New(apperr.MalformedSource, "empty"))
	m.RecordRun(ctx, 2*time.Millisecond, 0, errors.New("disk"))

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.etl.runs.total"], attribute.Bool("success", true)))
	assert.Equal(t, int64(2), sumFor(t, got["dimroute.etl.runs.total"], attribute.Bool("success", false)))
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.etl.errors.total"], attribute.String("code", "malformed_source")))
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.etl.errors.total"], attribute.String("code", "internal")))

	gauge, ok := got["dimroute.etl.last_success_unix"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, m.LastSuccess().Unix(), gauge.DataPoints[0].Value)
}

func TestETLMetrics_NoSuccessNoGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := InitETLMetrics(provider, nil)
	require.NoError(t, err)
	m.RecordRun(context.Background(), time.Millisecond, 0, errors.New("boom"))

	got := collect(t, reader)
	_, present := got["dimroute.etl.last_success_unix"]
	assert.False(t, present)
}

func TestQueryMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := InitQueryMetrics(provider, nil)
	require.NoError(t, err)

	ctx := context.Background()
	end := m.Begin(ctx)
	m.RecordResolution(ctx, "backoff_depth_1", "backoff_drop_tail")
	m.RecordResolution(ctx, "exact", "")
	m.RecordQuery(ctx, 3*time.Millisecond, OutcomeOK, 7, nil)
	m.RecordQuery(ctx, time.Millisecond, OutcomeRejected, 0, apperr.New(apperr.InvalidFilters, "no combo"))
	end()

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.query.requests.total"], attribute.String("outcome", OutcomeOK)))
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.query.requests.total"], attribute.String("code", "invalid_filters")))
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.query.backoff.total"], attribute.String("reason", "backoff_drop_tail")))
	assert.Equal(t, int64(1), sumFor(t, got["dimroute.query.backoff.total"], attribute.String("level", "exact")))

	active, ok := got["dimroute.query.active"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Equal(t, int64(0), active.DataPoints[0].Value)

	rows, ok := got["dimroute.query.returned_rows"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, rows.DataPoints, 1)
	assert.Equal(t, uint64(1), rows.DataPoints[0].Count)
	assert.Equal(t, int64(7), rows.DataPoints[0].Sum)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var e *ETLMetrics
	var q *QueryMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		e.RecordRun(ctx, time.Millisecond, 1, nil)
		q.Begin(ctx)()
		q.RecordResolution(ctx, "exact", "")
		q.RecordQuery(ctx, time.Millisecond, OutcomeOK, 1, nil)
	})
	assert.True(t, e.LastSuccess().IsZero())
}
