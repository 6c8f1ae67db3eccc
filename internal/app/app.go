// Package app owns the runtime resources behind the dimroute CLI: logging, telemetry
// providers, the DuckDB table store and the pipeline service built on top of them.
package app

import (
	"context"
		"fmt"
	"log/slog"
	"sync"

	"dimroute/internal/config"
	"dimroute/internal/dataset"
	"dimroute/internal/logging"
	"dimroute/internal/observability"
	"dimroute/internal/pipeline"
)

// App owns runtime resources for one CLI invocation.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	service        *pipeline.Service

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Logger returns the application logger.
func (a *App) Logger() *logging.Logger {
	return a.logger
}

// Service returns the pipeline service. It is nil before Init.
func (a *App) Service() *pipeline.Service {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.service
}

// MeterProvider returns the meter provider, or nil when metrics are disabled.
func (a *App) MeterProvider() *observability.MeterProvider {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.meterProvider
}

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	var cleanup cleanupStack
	success := false
	defer func() {
		if !success {
			_ = cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, etlMetrics, queryMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
		if path := a.cfg.Observability.MetricsTextfile; path != "" {
			cleanup.push("metrics textfile", func(context.Context) error {
				return meterProvider.WriteTextfile(path)
			})
		}
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Debug("opening table store",
		slog.String("duckdb_path", a.cfg.Storage.DuckDBPath),
		slog.Bool("in_memory", a.cfg.Storage.DuckDBPath == ""),
	)

	db, dbStatsReg, err := connectDB(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open table store: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				a.logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	registry, err := dataset.NewFileRegistry(a.cfg.Storage.RegistryDir)
	if err != nil {
		return fmt.Errorf("failed to open dataset registry: %w", err)
	}

	service, err := buildService(a.cfg, a.logger, db, registry, etlMetrics, queryMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	cleanup.push("pipeline", func(_ context.Context) error {
		return service.Close()
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.service = service
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
