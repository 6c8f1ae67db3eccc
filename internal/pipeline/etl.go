package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"dimroute/internal/apperr"
	"dimroute/internal/artifacts"
	"dimroute/internal/dataset"
	"dimroute/internal/leafindex"
	"dimroute/internal/logging"
	"dimroute/internal/normalize"
	"dimroute/internal/source"
	"dimroute/internal/taxonomy"
	"dimroute/internal/tablestore"
	"dimroute/internal/validset"
)

// RunETL reads the source of id, derives its artifacts and publishes them as a new
// snapshot. When the previous snapshot already had a table, the table is rebuilt for the
// new version before publication. A failed run publishes nothing.
func (s *Service) RunETL(ctx context.Context, id string) (*Snapshot, error) {
	ctx, span := otel.Tracer("dimroute/pipeline").Start(ctx, "pipeline.run_etl")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.id", id))

	start := time.Now()
	snap, err := s.runETL(ctx, id)
	leafRows := 0
	if snap != nil {
		leafRows = snap.Bundle.Index.Stats.LeafRowCount
	}
	s.etlMetrics.RecordRun(ctx, time.Since(start), leafRows, err)
	if err != nil {
		span.RecordError(err)
		s.logger.WithDataset(id).Error("etl failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dataset.version", snap.Version),
		attribute.Int("leaf.rows", leafRows),
	)
	return snap, nil
}

func (s *Service) runETL(ctx context.Context, id string) (*Snapshot, error) {
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := rec.Config.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.artifacts != nil {
		unlock, err := s.artifacts.Lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	version := newVersion()
	ctx = logging.WithRunID(ctx, version)
	logger := s.logger.WithDataset(id).WithFields(slog.String("run_id", version))
	start := time.Now()

	raw, err := s.readSource(ctx, rec)
	if err != nil {
		return nil, err
	}
	bundle, err := buildBundle(id, version, raw, cfg)
	if err != nil {
		return nil, err
	}
	idx := bundle.Index
	for _, d := range idx.DroppedDims {
		logger.Warn("configured dimension missing from source",
			slog.String("code", string(apperr.DimensionDropped)),
			slog.String("column", d),
		)
	}
	for _, m := range idx.DroppedMetrics {
		logger.Warn("configured metric missing from source", slog.String("column", m))
	}
	if idx.Stats.InvalidMetricCells > 0 {
		logger.Warn("metric cells could not be parsed and were skipped",
			slog.Int64("cells", idx.Stats.InvalidMetricCells),
		)
	}

	snap, err := s.prepare(ctx, e, bundle)
	if err != nil {
		return nil, err
	}
	if s.artifacts != nil {
		if err := s.artifacts.Save(ctx, id, bundle); err != nil {
			if snap.Table != nil {
				snap.Table.Discard()
			}
			return nil, fmt.Errorf("save artifacts of %s: %w", id, err)
		}
	}
	s.commit(e, snap)
	logger.Info("etl complete",
		slog.Int64("total_rows", idx.Stats.TotalRows),
		slog.Int("leaf_rows", idx.Stats.LeafRowCount),
		slog.Int("full_combos", bundle.ValidSet.FullCombos()),
		slog.Bool("table_ready", snap.Table != nil),
		slog.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

func newVersion() string {
	if v, err := uuid.NewV7(); err == nil {
		return v.String()
	}
	return uuid.NewString()
}

// buildBundle derives every artifact of one run from the raw table.
func buildBundle(id, version string, raw *source.Table, cfg dataset.Config) (*artifacts.Bundle, error) {
	norm := source.Normalize(raw, cfg.Dimensions)
	idx, err := leafindex.Build(norm, cfg.Dimensions, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	var retrievable []string
	for _, c := range cfg.Retrievable {
		c = normalize.Column(c)
		if norm.HasColumn(c) && !slices.Contains(retrievable, c) {
			retrievable = append(retrievable, c)
		}
	}

	return &artifacts.Bundle{
		Manifest: artifacts.Manifest{
			DatasetID:      id,
			Version:        version,
			CreatedAt:      time.Now().UTC(),
			Dims:           idx.Dims,
			Retrievable:    retrievable,
			Metrics:        idx.Metrics,
			DroppedDims:    idx.DroppedDims,
			DroppedMetrics: idx.DroppedMetrics,
			Stats:          idx.Stats,
		},
		Normalized: norm,
		Index:      idx,
		ValidSet:   validset.Derive(idx),
		Taxonomy:   taxonomy.Render(taxonomy.Build(idx)),
	}, nil
}

// publish swaps in a snapshot for bundle. It must be called with e.mu held.
func (s *Service) publish(ctx context.Context, e *entry, bundle *artifacts.Bundle) (*Snapshot, error) {
	next, err := s.prepare(ctx, e, bundle)
	if err != nil {
		return nil, err
	}
	s.commit(e, next)
	return next, nil
}

// prepare builds the snapshot for bundle without publishing it. The table is rebuilt when
// the current snapshot has one.
func (s *Service) prepare(ctx context.Context, e *entry, bundle *artifacts.Bundle) (*Snapshot, error) {
	m := bundle.Manifest
	next := &Snapshot{
		DatasetID: m.DatasetID,
		Version:   m.Version,
		BuiltAt:   m.CreatedAt,
		Bundle:    bundle,
	}

	prev := e.snap.Load()
	if prev != nil && prev.Table != nil {
		h, err := s.store.Build(ctx, m.DatasetID, m.Version, bundle.Normalized, next.spec())
		if err != nil {
			return nil, fmt.Errorf("rebuild table of %s: %w", m.DatasetID, err)
		}
		next.Table = h
	}
	return next, nil
}

// commit swaps next in. The old table is retired only after the swap.
func (s *Service) commit(e *entry, next *Snapshot) {
	e.snap.Store(next)
	if next.Table != nil {
		s.store.Put(next.Table)
	}
}

// RunAll runs ETL for ids, or for every registered dataset when ids is empty. Different
// datasets run concurrently up to the configured concurrency; every dataset is attempted
// and the failures are joined.
func (s *Service) RunAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		recs, err := s.registry.List(ctx)
		if err != nil {
			return err
		}
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.opts.ETLConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := s.RunETL(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("dataset %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// InitTable builds the queryable table of the current snapshot of id.
func (s *Service) InitTable(ctx context.Context, id string) (*Snapshot, error) {
	ctx, span := otel.Tracer("dimroute/pipeline").Start(ctx, "pipeline.init_table")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.id", id))

	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.snap.Load()
	if snap == nil {
		return nil, apperr.New(apperr.ValidationMissing, "dataset %s has not been processed", id)
	}
	if snap.Table != nil && !snap.Table.Dropped() {
		return snap, nil
	}

	h, err := s.store.GetOrBuild(ctx, id, snap.Version, loadFrom(snap))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("build table of %s: %w", id, err)
	}
	next := snap.withTable(h)
	e.snap.Store(next)
	s.logger.WithDataset(id).Info("table initialized",
		slog.String("table", h.Table),
		slog.Int64("rows", h.Rows),
	)
	return next, nil
}

// lazyTable builds the table of snap on first use. It returns errSnapshotReplaced when a
// newer snapshot was published after snap was loaded.
func (s *Service) lazyTable(ctx context.Context, e *entry, snap *Snapshot) (*tablestore.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	switch {
	case cur == nil:
		return nil, apperr.New(apperr.ValidationMissing, "dataset %s has not been processed", snap.DatasetID)
	case cur.Version != snap.Version:
		return nil, errSnapshotReplaced
	case cur.Table != nil && !cur.Table.Dropped():
		return cur.Table, nil
	}

	h, err := s.store.GetOrBuild(ctx, cur.DatasetID, cur.Version, loadFrom(cur))
	if err != nil {
		return nil, fmt.Errorf("build table of %s: %w", cur.DatasetID, err)
	}
	e.snap.Store(cur.withTable(h))
	s.logger.WithDataset(cur.DatasetID).Debug("table built on first query", slog.String("table", h.Table))
	return h, nil
}

func loadFrom(snap *Snapshot) tablestore.LoadFunc {
	return func(context.Context) (*source.Table, tablestore.Spec, error) {
		return snap.Bundle.Normalized, snap.spec(), nil
	}
}

// Restore republishes the persisted artifacts of id without re-running ETL.
func (s *Service) Restore(ctx context.Context, id string) (*Snapshot, error) {
	if s.artifacts == nil {
		return nil, apperr.New(apperr.ValidationMissing, "no artifact store configured")
	}
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	unlock, err := s.artifacts.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bundle, err := s.artifacts.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur := e.snap.Load(); cur != nil && cur.Version == bundle.Manifest.Version {
		return cur, nil
	}
	snap, err := s.publish(ctx, e, bundle)
	if err != nil {
		return nil, err
	}
	s.logger.WithDataset(id).Info("artifacts restored", slog.String("version", snap.Version))
	return snap, nil
}

// RestoreAll restores every registered dataset that has persisted artifacts. Datasets
// without artifacts are skipped.
func (s *Service) RestoreAll(ctx context.Context) error {
	recs, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range recs {
		if _, err := s.Restore(ctx, r.ID); err != nil && !apperr.HasCode(err, apperr.ValidationMissing) {
			errs = append(errs, fmt.Errorf("dataset %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Teardown forgets id: its snapshot, table, artifacts and registration.
func (s *Service) Teardown(ctx context.Context, id string) error {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return err
	}
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.snap.Store(nil)
	s.store.Close(id)
	if s.artifacts != nil {
		if err := s.artifacts.Delete(id); err != nil {
			return fmt.Errorf("delete artifacts of %s: %w", id, err)
		}
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	s.logger.WithDataset(id).Info("dataset torn down")
	return nil
}
