package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Storage.validate(result)
	c.Pipeline.validate(result)
	c.Observability.validate(result)

	return result
}

func (s *StorageConfig) validate(result *ValidationResult) {
	if s.DuckDBThreads < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "storage.duckdb_threads",
			Message: "duckdb_threads cannot be negative",
		})
	}
	if strings.Contains(s.DuckDBPath, "?") {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "storage.duckdb_path",
			Message: "duckdb_path must be a plain file path",
			Hint:    "set DuckDB options through their own keys",
		})
	}
	if s.DuckDBPath == "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "storage.duckdb_path",
			Message: "tables are kept in memory and rebuilt by every process",
		})
	}
	if s.RegistryDir == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "storage.registry_dir",
			Message: "registry_dir is required",
		})
	}
	if s.ArtifactDir == "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "storage.artifact_dir",
			Message: "artifacts are not persisted",
			Hint:    "restore needs an artifact_dir",
		})
	}
}

func (p *PipelineConfig) validate(result *ValidationResult) {
	switch p.Mode {
	case "explicit", "on_create":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:   "pipeline.mode",
			Message: fmt.Sprintf("invalid pipeline mode %q", p.Mode),
			Hint:    "valid values are: explicit, on_create",
		})
	}

	if p.MinMandatoryDepth < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "pipeline.min_mandatory_depth",
			Message: "min_mandatory_depth cannot be negative",
			Hint:    "use 0 to disable the mandatory depth check",
		})
	} else if p.MinMandatoryDepth == 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "pipeline.min_mandatory_depth",
			Message: "queries may leave every dimension unconstrained",
		})
	}

	if p.DefaultLimit < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "pipeline.default_limit",
			Message: "default_limit cannot be negative",
		})
	}
	if p.MaxLimit < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "pipeline.max_limit",
			Message: "max_limit cannot be negative",
		})
	}
	if p.MaxLimit > 0 && p.DefaultLimit > p.MaxLimit {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "pipeline.default_limit",
			Message: "default_limit is greater than max_limit",
			Hint:    "queries will be capped at max_limit",
		})
	}

	if p.ETLConcurrency < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "pipeline.etl_concurrency",
			Message: "etl_concurrency must be at least 1",
		})
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v is out of range", o.TraceSampleRatio),
			Hint:    "use a value from 0.0 to 1.0",
		})
	}

	if o.MetricsTextfile != "" && !o.MetricsEnabled {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "observability.metrics_textfile",
			Message: "metrics_textfile is set but metrics are disabled",
			Hint:    "enable observability.metrics_enabled",
		})
	}

	// OTLP settings only matter when a signal is exported.
	if !o.TracingEnabled && !o.Logging.ExportsEnabled {
		return
	}
	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" {
		if !validOTLPEndpoint(o.Endpoint) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   prefix + ".endpoint",
				Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
				Hint:    "use host:port or a full URL",
			})
		}
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}

	if o.RetryMaxAttempts < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".retry_max_attempts",
			Message: "retry_max_attempts cannot be negative",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
