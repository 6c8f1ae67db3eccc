package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dimroute/internal/apperr"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Query outcomes recorded on dimroute.query.requests.total.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// QueryMetrics holds instruments for validated dataset queries.
type QueryMetrics struct {
	requestCounter metric.Int64Counter
	backoffCounter metric.Int64Counter
	durationHist   metric.Float64Histogram
	returnedRows   metric.Int64Histogram
	activeQueries  metric.Int64UpDownCounter
}

// InitQueryMetrics initializes query metrics. A nil provider uses the global meter provider.
func InitQueryMetrics(provider metric.MeterProvider, logger *slog.Logger) (*QueryMetrics, error) {
	meter := meterFrom(provider)

	requestCounter, err := meter.Int64Counter(
		"dimroute.query.requests.total",
		metric.WithDescription("Total number of query requests by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query request counter: %w", err)
	}

	backoffCounter, err := meter.Int64Counter(
		"dimroute.query.backoff.total",
		metric.WithDescription("Number of filter resolutions by backoff level and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query backoff counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"dimroute.query.duration",
		metric.WithDescription("Duration of query requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	returnedRows, err := meter.Int64Histogram(
		"dimroute.query.returned_rows",
		metric.WithDescription("Number of rows returned by accepted queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create returned rows histogram: %w", err)
	}

	activeQueries, err := meter.Int64UpDownCounter(
		"dimroute.query.active",
		metric.WithDescription("Number of in-flight queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries counter: %w", err)
	}

	if logger != nil {
		logger.Debug("query metrics initialized")
	}
	return &QueryMetrics{
		requestCounter: requestCounter,
		backoffCounter: backoffCounter,
		durationHist:   durationHist,
		returnedRows:   returnedRows,
		activeQueries:  activeQueries,
	}, nil
}

// Begin marks a query as in flight and returns the function that ends it.
func (m *QueryMetrics) Begin(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.activeQueries.Add(ctx, 1)
	return func() { m.activeQueries.Add(ctx, -1) }
}

// RecordResolution records the backoff outcome of a filter resolution.
func (m *QueryMetrics) RecordResolution(ctx context.Context, level, reason string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("level", level)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.backoffCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuery records a finished query request.
func (m *QueryMetrics) RecordQuery(ctx context.Context, duration time.Duration, outcome string, rows int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if err != nil {
		attrs = append(attrs, attribute.String("code", errorCode(err)))
	}
	m.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeOK {
		m.returnedRows.Record(ctx, int64(rows))
	}
}

func errorCode(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return string(code)
	}
	return "internal"
}
