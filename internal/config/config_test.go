package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   StorageConfig
		expected string
	}{
		{name: "in-memory", config: StorageConfig{}, expected: ""},
		{name: "file", config: StorageConfig{DuckDBPath: "/var/lib/dimroute/tables.duckdb"}, expected: "/var/lib/dimroute/tables.duckdb"},
		{name: "threads", config: StorageConfig{DuckDBPath: "t.duckdb", DuckDBThreads: 4}, expected: "t.duckdb?threads=4"},
		{name: "in-memory with threads", config: StorageConfig{DuckDBThreads: 2}, expected: "?threads=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func loadArgs(t *testing.T, args ...string) (*Config, []string) {
	t.Helper()
	// Keep the test away from any dimroute.yaml in the working directory.
	t.Chdir(t.TempDir())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg, rest, err := LoadFrom(fs, args)
	require.NoError(t, err)
	return cfg, rest
}

func TestLoad_Defaults(t *testing.T) {
	cfg, rest := loadArgs(t)
	assert.Empty(t, rest)

	assert.Equal(t, "explicit", cfg.Pipeline.Mode)
	assert.Equal(t, 2, cfg.Pipeline.MinMandatoryDepth)
	assert.Equal(t, 100, cfg.Pipeline.DefaultLimit)
	assert.Equal(t, 10000, cfg.Pipeline.MaxLimit)
	assert.Equal(t, 4, cfg.Pipeline.ETLConcurrency)
	assert.Equal(t, ".dimroute/datasets", cfg.Storage.RegistryDir)
	assert.Equal(t, "dimroute", cfg.Observability.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.Observability.OTLP.Timeout)
	assert.Nil(t, cfg.Observability.Traces)

	result := cfg.Validate()
	assert.False(t, result.HasErrors(), result.Error())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dimroute.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  mode: on_create
  default_limit: 50
  max_limit: 500
storage:
  artifact_dir: /data/artifacts
`), 0o644))

	t.Setenv("DIMROUTE_PIPELINE_DEFAULT_LIMIT", "75")
	t.Setenv("DIMROUTE_PIPELINE_MAX_LIMIT", "750")

	cfg, rest := loadArgs(t, "--config", path, "--pipeline.max_limit", "900", "etl", "spend")

	assert.Equal(t, []string{"etl", "spend"}, rest)
	assert.Equal(t, "on_create", cfg.Pipeline.Mode, "file over default")
	assert.Equal(t, 75, cfg.Pipeline.DefaultLimit, "env over file")
	assert.Equal(t, 900, cfg.Pipeline.MaxLimit, "flag over env")
	assert.Equal(t, "/data/artifacts", cfg.Storage.ArtifactDir)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "dimroute.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  backoff_mode: greedy\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	_, _, err := LoadFrom(fs, []string{"--config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_mode")
}

func TestLoad_CallerFlagsAreNotConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	limit := fs.Int("limit", 0, "row limit")

	cfg, rest, err := LoadFrom(fs, []string{"query", "--limit", "5", "spend"})
	require.NoError(t, err)
	assert.Equal(t, 5, *limit)
	assert.Equal(t, []string{"query", "spend"}, rest)
	assert.Equal(t, 100, cfg.Pipeline.DefaultLimit)
}

func TestLoad_SignalOverride(t *testing.T) {
	cfg, _ := loadArgs(t, "--observability.traces.endpoint", "collector:4317")
	require.NotNil(t, cfg.Observability.Traces)

	traces := cfg.Observability.GetTracesConfig()
	assert.Equal(t, "collector:4317", traces.Endpoint)
	assert.Equal(t, "gzip", traces.Compression, "unset fields come from the global OTLP block")
	assert.Equal(t, cfg.Observability.OTLP, cfg.Observability.GetLogsConfig())
}

func TestMergeOTLPConfigs(t *testing.T) {
	base := OTLPConfig{
		Endpoint:         "base:4317",
		Protocol:         "grpc",
		Insecure:         true,
		Headers:          map[string]string{"a": "1", "b": "2"},
		Timeout:          10 * time.Second,
		RetryEnabled:     true,
		RetryMaxAttempts: 3,
	}
	merged := mergeOTLPConfigs(base, OTLPConfig{
		Protocol: "http/protobuf",
		Headers:  map[string]string{"b": "override"},
	})

	assert.Equal(t, "base:4317", merged.Endpoint)
	assert.Equal(t, "http/protobuf", merged.Protocol)
	assert.False(t, merged.Insecure)
	assert.Equal(t, map[string]string{"a": "1", "b": "override"}, merged.Headers)
	assert.Equal(t, 10*time.Second, merged.Timeout)
	assert.True(t, merged.RetryEnabled)
	assert.Equal(t, 3, merged.RetryMaxAttempts)
}

func TestConfig_Validate(t *testing.T) {
	validConfig := func() *Config {
		return &Config{
			Storage: StorageConfig{
				DuckDBPath:  "tables.duckdb",
				ArtifactDir: "artifacts",
				RegistryDir: "datasets",
			},
			Pipeline: PipelineConfig{
				Mode:              "explicit",
				MinMandatoryDepth: 2,
				DefaultLimit:      100,
				MaxLimit:          1000,
				ETLConcurrency:    2,
			},
			Observability: ObservabilityConfig{
				TraceSampleRatio: 1,
				Logging: LoggingConfig{
					Level:  "info",
					Format: "json",
				},
				OTLP: OTLPConfig{
					Protocol:    "grpc",
					Compression: "gzip",
				},
			},
		}
	}

	t.Run("valid config passes validation", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors())
		assert.Empty(t, result.Errors)
		assert.Empty(t, result.Warnings)
	})

	errorCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"invalid mode", func(c *Config) { c.Pipeline.Mode = "eager" }, "pipeline.mode"},
		{"negative depth", func(c *Config) { c.Pipeline.MinMandatoryDepth = -1 }, "pipeline.min_mandatory_depth"},
		{"negative default limit", func(c *Config) { c.Pipeline.DefaultLimit = -5 }, "pipeline.default_limit"},
		{"negative max limit", func(c *Config) { c.Pipeline.MaxLimit = -5 }, "pipeline.max_limit"},
		{"zero concurrency", func(c *Config) { c.Pipeline.ETLConcurrency = 0 }, "pipeline.etl_concurrency"},
		{"negative threads", func(c *Config) { c.Storage.DuckDBThreads = -1 }, "storage.duckdb_threads"},
		{"path with options", func(c *Config) { c.Storage.DuckDBPath = "t.duckdb?threads=2" }, "storage.duckdb_path"},
		{"missing registry dir", func(c *Config) { c.Storage.RegistryDir = "" }, "storage.registry_dir"},
		{"invalid log level", func(c *Config) { c.Observability.Logging.Level = "trace" }, "observability.logging.level"},
		{"invalid log format", func(c *Config) { c.Observability.Logging.Format = "xml" }, "observability.logging.format"},
		{"sample ratio too high", func(c *Config) { c.Observability.TraceSampleRatio = 1.5 }, "observability.trace_sample_ratio"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			result := cfg.Validate()
			assert.True(t, result.HasErrors())
			assert.Contains(t, result.Error(), tc.field)
		})
	}

	t.Run("otlp checked only when exporting", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.OTLP.Protocol = "thrift"
		assert.False(t, cfg.Validate().HasErrors())

		cfg.Observability.TracingEnabled = true
		result := cfg.Validate()
		assert.True(t, result.HasErrors())
		assert.Contains(t, result.Error(), "observability.otlp.protocol")
	})

	t.Run("http endpoint must be host:port or URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.Observability.Logging.ExportsEnabled = true
		cfg.Observability.Logs = &OTLPConfig{Protocol: "http/protobuf", Endpoint: "collector"}
		result := cfg.Validate()
		assert.Contains(t, result.Error(), "observability.logs.endpoint")

		cfg.Observability.Logs.Endpoint = "https://collector:4318"
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("warnings", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.DuckDBPath = ""
		cfg.Storage.ArtifactDir = ""
		cfg.Pipeline.MinMandatoryDepth = 0
		cfg.Pipeline.DefaultLimit = 5000
		cfg.Observability.MetricsTextfile = "/tmp/dimroute.prom"

		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		fields := make([]string, 0, len(result.Warnings))
		for _, w := range result.Warnings {
			fields = append(fields, w.Field)
		}
		assert.ElementsMatch(t, []string{
			"storage.duckdb_path",
			"storage.artifact_dir",
			"pipeline.min_mandatory_depth",
			"pipeline.default_limit",
			"observability.metrics_textfile",
		}, fields)
	})
}

func TestValidationError_Error(t *testing.T) {
	t.Run("with hint", func(t *testing.T) {
		err := ValidationError{
			Field:   "test.field",
			Message: "test message",
			Hint:    "try this",
		}
		assert.Equal(t, "test.field: test message (hint: try this)", err.Error())
	})

	t.Run("without hint", func(t *testing.T) {
		err := ValidationError{
			Field:   "test.field",
			Message: "test message",
		}
		assert.Equal(t, "test.field: test message", err.Error())
	})
}
