package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func meterFrom(provider metric.MeterProvider) metric.Meter {
	if provider == nil {
		return otel.Meter(MeterName)
	}
	return provider.Meter(MeterName)
}

// ETLMetrics holds instruments for dataset build runs.
type ETLMetrics struct {
	runCounter      metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	leafRowsHist    metric.Int64Histogram
	lastSuccessUnix atomic.Int64
}

// InitETLMetrics initializes ETL metrics. A nil provider uses the global meter provider.
func InitETLMetrics(provider metric.MeterProvider, logger *slog.Logger) (*ETLMetrics, error) {
	meter := meterFrom(provider)

	runCounter, err := meter.Int64Counter(
		"dimroute.etl.runs.total",
		metric.WithDescription("Total number of ETL runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etl run counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"dimroute.etl.errors.total",
		metric.WithDescription("Total number of failed ETL runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etl error counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"dimroute.etl.duration",
		metric.WithDescription("Duration of ETL runs in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etl duration histogram: %w", err)
	}

	leafRowsHist, err := meter.Int64Histogram(
		"dimroute.etl.leaf_rows",
		metric.WithDescription("Number of distinct leaf tuples produced by ETL runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etl leaf rows histogram: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"dimroute.etl.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful ETL run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create etl last success gauge: %w", err)
	}

	m := &ETLMetrics{
		runCounter:   runCounter,
		errorCounter: errorCounter,
		durationHist: durationHist,
		leafRowsHist: leafRowsHist,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if value := m.lastSuccessUnix.Load(); value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			return nil
		},
		lastSuccessGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register etl gauge callback: %w", err)
	}

	if logger != nil {
		logger.Debug("etl metrics initialized")
	}
	return m, nil
}

// RecordRun records one ETL attempt. A nil receiver is a no-op.
func (m *ETLMetrics) RecordRun(ctx context.Context, duration time.Duration, leafRows int, err error) {
	if m == nil {
		return
	}
	success := err == nil
	attrs := metric.WithAttributes(attribute.Bool("success", success))

	m.runCounter.Add(ctx, 1, attrs)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), attrs)

	if !success {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", errorCode(err))))
		return
	}

	m.leafRowsHist.Record(ctx, int64(leafRows))
	m.lastSuccessUnix.Store(time.Now().Unix())
}

// LastSuccess returns the time of the last successful run, or the zero time.
func (m *ETLMetrics) LastSuccess() time.Time {
	if m == nil {
		return time.Time{}
	}
	if v := m.lastSuccessUnix.Load(); v > 0 {
		return time.Unix(v, 0)
	}
	return time.Time{}
}
