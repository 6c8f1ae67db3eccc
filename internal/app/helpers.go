package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"dimroute/internal/artifacts"
	"dimroute/internal/config"
	"dimroute/internal/dataset"
	"dimroute/internal/logging"
	"dimroute/internal/observability"
	"dimroute/internal/pipeline"
	"dimroute/internal/tablestore"

	"github.com/XSAM/otelsql"
	_ "github.com/duckdb/duckdb-go/v2"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const driverName = "duckdb"

var dbSystemDuckDB = semconv.DBSystemKey.String("duckdb")

// InitLogger builds the process logger and, when log export is enabled, the OTLP logger
// provider it fans out to.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

// initMetrics returns nil instruments when metrics are disabled; both metric types are
// nil-safe.
func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.ETLMetrics, *observability.QueryMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, nil, err
	}

	provider := otel.GetMeterProvider()
	etlMetrics, err := observability.InitETLMetrics(provider, logger.Logger)
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, nil, err
	}
	queryMetrics, err := observability.InitQueryMetrics(provider, logger.Logger)
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, nil, err
	}

	logger.Debug("OpenTelemetry metrics initialized",
		slog.String("textfile", cfg.Observability.MetricsTextfile),
	)
	return meterProvider, etlMetrics, queryMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	return observability.InitTracerProvider(observabilityConfig(cfg, tracesConfig))
}

func connectDB(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	dsn := cfg.Storage.DSN()

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, ping(ctx, db)
	}

	opts := []otelsql.Option{otelsql.WithAttributes(dbSystemDuckDB)}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}

	db, err := otelsql.Open(driverName, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := ping(ctx, db); err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemDuckDB))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Debug("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

func buildService(cfg *config.Config, logger *logging.Logger, db *sql.DB, registry dataset.Registry, etlMetrics *observability.ETLMetrics, queryMetrics *observability.QueryMetrics) (*pipeline.Service, error) {
	mode, err := pipeline.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		return nil, err
	}

	var store *artifacts.Store
	if cfg.Storage.ArtifactDir != "" {
		store, err = artifacts.NewStore(cfg.Storage.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
	}

	return pipeline.NewService(pipeline.Config{
		Registry:     registry,
		Store:        tablestore.NewDuckDBStore(db, logger),
		Artifacts:    store,
		Logger:       logger,
		ETLMetrics:   etlMetrics,
		QueryMetrics: queryMetrics,
		Options: pipeline.Options{
			Mode:              mode,
			MinMandatoryDepth: cfg.Pipeline.MinMandatoryDepth,
			DefaultLimit:      cfg.Pipeline.DefaultLimit,
			MaxLimit:          cfg.Pipeline.MaxLimit,
			ETLConcurrency:    cfg.Pipeline.ETLConcurrency,
		},
	})
}
