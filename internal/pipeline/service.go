// Package pipeline runs dataset ETL and validated queries over published snapshots.
//
// A dataset's artifacts and its queryable table are published together as one immutable
// Snapshot. Readers load the current snapshot once and work from it, so a concurrent
// rebuild is never observed half done.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dimroute/internal/apperr"
	"dimroute/internal/artifacts"
	"dimroute/internal/backoff"
	"dimroute/internal/dataset"
	"dimroute/internal/logging"
	"dimroute/internal/observability"
	"dimroute/internal/planner"
	"dimroute/internal/query"
	"dimroute/internal/source"
	"dimroute/internal/tablestore"
)

// Mode selects when ETL runs and when tables are built.
type Mode string

const (
	// ModeExplicit runs ETL and table builds only when asked.
	ModeExplicit Mode = "explicit"
	// ModeOnCreate runs ETL at registration and builds the table on first query.
	ModeOnCreate Mode = "on_create"
)

// ParseMode parses a mode name. The empty string is ModeExplicit.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeExplicit:
		return ModeExplicit, nil
	case ModeOnCreate:
		return ModeOnCreate, nil
	}
	return "", fmt.Errorf("unknown pipeline mode %q (use explicit or on_create)", s)
}

// Options tunes pipeline behavior.
type Options struct {
	Mode              Mode
	MinMandatoryDepth int
	DefaultLimit      int
	MaxLimit          int
	ETLConcurrency    int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Mode:              ModeExplicit,
		MinMandatoryDepth: backoff.DefaultMinMandatoryDepth,
		DefaultLimit:      100,
		MaxLimit:          10000,
		ETLConcurrency:    4,
	}
}

// SourceFunc reads the raw table of a dataset.
type SourceFunc func(ctx context.Context, rec *dataset.Record) (*source.Table, error)

// ReadSourceFile reads rec.SourcePath as CSV.
func ReadSourceFile(ctx context.Context, rec *dataset.Record) (*source.Table, error) {
	if rec.SourcePath == "" {
		return nil, apperr.New(apperr.MalformedSource, "dataset %s has no source path", rec.ID)
	}
	return source.ReadCSVFile(ctx, rec.SourcePath)
}

// Config wires a Service.
type Config struct {
	Registry dataset.Registry
	Store    tablestore.Backend
	// Artifacts persists ETL output. Nil keeps artifacts in memory only.
	Artifacts    *artifacts.Store
	Source       SourceFunc
	Logger       *logging.Logger
	ETLMetrics   *observability.ETLMetrics
	QueryMetrics *observability.QueryMetrics
	Options      Options
}

// Snapshot is one published state of a dataset.
type Snapshot struct {
	DatasetID string
	Version   string
	BuiltAt   time.Time
	Bundle    *artifacts.Bundle
	// Table is nil until the table has been built for this version.
	Table *tablestore.Handle
}

func (s *Snapshot) spec() tablestore.Spec {
	m := s.Bundle.Manifest
	return tablestore.Spec{Dims: m.Dims, Retrievable: m.Retrievable, Metrics: m.Metrics}
}

func (s *Snapshot) withTable(h *tablestore.Handle) *Snapshot {
	next := *s
	next.Table = h
	return &next
}

type entry struct {
	mu   sync.Mutex // serializes ETL, restore and table init
	snap atomic.Pointer[Snapshot]
}

// Service is the pipeline core shared by both entry modes.
type Service struct {
	registry     dataset.Registry
	store        tablestore.Backend
	artifacts    *artifacts.Store
	readSource   SourceFunc
	logger       *logging.Logger
	etlMetrics   *observability.ETLMetrics
	queryMetrics *observability.QueryMetrics
	opts         Options
	resolver     *backoff.Resolver
	executor     *query.Executor

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService validates cfg and returns a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline requires a dataset registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline requires a table store")
	}
	if cfg.Source == nil {
		cfg.Source = ReadSourceFile
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	opts := cfg.Options
	if opts.Mode == "" {
		opts.Mode = ModeExplicit
	}
	if opts.Mode != ModeExplicit && opts.Mode != ModeOnCreate {
		return nil, fmt.Errorf("unknown pipeline mode %q", opts.Mode)
	}
	if opts.ETLConcurrency <= 0 {
		opts.ETLConcurrency = 1
	}

	return &Service{
		registry:     cfg.Registry,
		store:        cfg.Store,
		artifacts:    cfg.Artifacts,
		readSource:   cfg.Source,
		logger:       cfg.Logger.WithFields(slog.String("component", "pipeline")),
		etlMetrics:   cfg.ETLMetrics,
		queryMetrics: cfg.QueryMetrics,
		opts:         opts,
		resolver:     backoff.NewResolver(opts.MinMandatoryDepth),
		executor: query.NewExecutor(cfg.Store.Executor(), planner.Limits{
			Default: opts.DefaultLimit,
			Max:     opts.MaxLimit,
		}),
		entries: make(map[string]*entry),
	}, nil
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

func (s *Service) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// Current returns the published snapshot of id, or nil.
func (s *Service) Current(id string) *Snapshot {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return e.snap.Load()
}

// Register stores a dataset's metadata. In on_create mode it also runs ETL; the
// registration is kept when that ETL fails.
func (s *Service) Register(ctx context.Context, rec dataset.Record) error {
	if err := dataset.ValidateID(rec.ID); err != nil {
		return err
	}
	rec.Config = rec.Config.Normalized()
	if err := rec.Config.Validate(); err != nil {
		return err
	}
	if err := s.registry.Put(ctx, &rec); err != nil {
		return fmt.Errorf("register dataset %s: %w", rec.ID, err)
	}
	s.logger.WithDataset(rec.ID).Info("dataset registered",
		slog.Any("dimensions", rec.Config.Dimensions),
		slog.String("mode", string(s.opts.Mode)),
	)

	if s.opts.Mode == ModeOnCreate {
		if _, err := s.RunETL(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Close retires every table and closes the store.
func (s *Service) Close() error {
	if sd, ok := s.store.(interface{ Shutdown() error }); ok {
		return sd.Shutdown()
	}
	s.store.CloseAll()
	return nil
}
