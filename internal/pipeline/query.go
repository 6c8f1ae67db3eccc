package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"dimroute/internal/apperr"
	"dimroute/internal/backoff"
	"dimroute/internal/observability"
	"dimroute/internal/query"
	"dimroute/internal/tablestore"
)

// CountReturnedRows is the Diagnostics.Counts key for the number of rows returned.
const CountReturnedRows = "returned_rows"

// acquireAttempts bounds how often a query reloads the snapshot after its table was
// replaced between load and acquire.
const acquireAttempts = 3

// errSnapshotReplaced tells a query to reload the snapshot it resolved against.
var errSnapshotReplaced = errors.New("snapshot replaced")

// Request is a filter query against one dataset.
type Request struct {
	DatasetID string              `json:"dataset_id"`
	Filters   map[string][]string `json:"filters"`
	// Limit caps the rows returned; zero uses the configured default.
	Limit int `json:"limit,omitempty"`
}

// Response is the outcome of a query. Diagnostics are always set.
type Response struct {
	Success     bool                `json:"success"`
	Version     string              `json:"version,omitempty"`
	Filters     map[string]string   `json:"filters"`
	Columns     []string            `json:"columns,omitempty"`
	Rows        []query.Row         `json:"rows"`
	RowCount    int                 `json:"row_count"`
	Diagnostics backoff.Diagnostics `json:"diagnostics"`
	ErrorCode   apperr.Code         `json:"error_code,omitempty"`
}

// Query resolves req's filters against the current snapshot and runs the accepted
// filters on the dataset table.
//
// Filters that cannot be resolved yield an unsuccessful response with the
// invalid_filters code and a nil error. A dataset that is unknown or not ready yields a
// response carrying the matching code together with the error.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.Tracer("dimroute/pipeline").Start(ctx, "pipeline.query")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.id", req.DatasetID))

	end := s.queryMetrics.Begin(ctx)
	defer end()
	start := time.Now()

	resp, err := s.query(ctx, req)
	outcome := observability.OutcomeOK
	switch {
	case err != nil:
		outcome = observability.OutcomeError
		span.RecordError(err)
		resp.ErrorCode = apperr.CodeOf(err)
	case !resp.Success:
		outcome = observability.OutcomeRejected
	}
	s.queryMetrics.RecordQuery(ctx, time.Since(start), outcome, resp.RowCount, rejection(resp, err))
	span.SetAttributes(
		attribute.String("query.outcome", outcome),
		attribute.String("query.backoff_level", resp.Diagnostics.BackoffLevel),
		attribute.Int("query.rows", resp.RowCount),
	)

	logger := s.logger.WithDataset(req.DatasetID)
	if err != nil {
		logger.Warn("query failed", slog.String("error", err.Error()))
	} else {
		logger.Debug("query resolved",
			slog.String("outcome", outcome),
			slog.String("backoff_level", resp.Diagnostics.BackoffLevel),
			slog.String("reason", resp.Diagnostics.Reason),
			slog.Int("rows", resp.RowCount),
		)
	}
	return resp, err
}

func rejection(resp *Response, err error) error {
	if err != nil {
		return err
	}
	if resp.ErrorCode != "" {
		return apperr.New(resp.ErrorCode, "%s", resp.Diagnostics.Reason)
	}
	return nil
}

func (s *Service) query(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{
		Filters:     map[string]string{},
		Rows:        []query.Row{},
		Diagnostics: requestedOnly(req.Filters),
	}
	if _, err := s.registry.Get(ctx, req.DatasetID); err != nil {
		return resp, err
	}
	e := s.entry(req.DatasetID)

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		snap := e.snap.Load()
		if snap == nil {
			return resp, apperr.New(apperr.ValidationMissing, "dataset %s has not been processed", req.DatasetID)
		}

		res := s.resolver.Resolve(req.Filters, snap.Bundle.ValidSet)
		resp.Version = snap.Version
		resp.Diagnostics = res.Diagnostics
		if !res.Accepted {
			s.queryMetrics.RecordResolution(ctx, "rejected", res.Diagnostics.Reason)
			resp.ErrorCode = apperr.InvalidFilters
			return resp, nil
		}
		s.queryMetrics.RecordResolution(ctx, res.Diagnostics.BackoffLevel, res.Diagnostics.Reason)

		h, err := s.tableFor(ctx, e, snap)
		if errors.Is(err, errSnapshotReplaced) {
			continue
		}
		if err != nil {
			return resp, err
		}
		if !h.Acquire() {
			continue
		}
		result, err := s.execute(ctx, h, res.QueryFilters(), req.Limit)
		if err != nil {
			return resp, err
		}

		resp.Success = true
		resp.Filters = res.Filters
		resp.Columns = result.Columns
		resp.Rows = result.Rows
		resp.RowCount = result.Count()
		resp.Diagnostics.Counts[CountReturnedRows] = int64(resp.RowCount)
		return resp, nil
	}
	return resp, apperr.New(apperr.StoreNotInitialized,
		"table of dataset %s was replaced %d times during the query", req.DatasetID, acquireAttempts)
}

func (s *Service) execute(ctx context.Context, h *tablestore.Handle, filters map[string][]string, limit int) (*query.Result, error) {
	defer h.Release()
	return s.executor.Execute(ctx, h.Target(), filters, limit)
}

func (s *Service) tableFor(ctx context.Context, e *entry, snap *Snapshot) (*tablestore.Handle, error) {
	if snap.Table != nil && (s.opts.Mode != ModeOnCreate || !snap.Table.Dropped()) {
		return snap.Table, nil
	}
	if s.opts.Mode == ModeOnCreate {
		return s.lazyTable(ctx, e, snap)
	}
	return nil, apperr.New(apperr.StoreNotInitialized, "table of dataset %s has not been built", snap.DatasetID)
}

// requestedOnly is the diagnostics of a request that never reached resolution.
func requestedOnly(filters map[string][]string) backoff.Diagnostics {
	d := backoff.Diagnostics{
		Requested:           make(map[string][]string, len(filters)),
		CanonicalCandidates: map[string][]string{},
		Used:                map[string][]string{},
		Counts:              map[string]int64{},
	}
	for k, v := range filters {
		d.Requested[k] = slices.Clone(v)
	}
	return d
}
