// Package dataset describes registered datasets and stores their metadata.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"dimroute/internal/apperr"
	"dimroute/internal/normalize"
)

// Config lists the column roles of a dataset. Dimensions are ordered from the shallowest
// level of the hierarchy to the deepest.
type Config struct {
	Dimensions  []string `yaml:"dimensions" json:"dimensions"`
	Retrievable []string `yaml:"retrievable,omitempty" json:"retrievable,omitempty"`
	Metrics     []string `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// Normalized returns the config with every column name normalized and duplicates removed.
func (c Config) Normalized() Config {
	return Config{
		Dimensions:  normalizeNames(c.Dimensions),
		Retrievable: normalizeNames(c.Retrievable),
		Metrics:     normalizeNames(c.Metrics),
	}
}

func normalizeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if c := normalize.Column(n); !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks the normalized config.
func (c Config) Validate() error {
	n := c.Normalized()
	if len(n.Dimensions) == 0 {
		return apperr.New(apperr.InvalidConfig, "at least one dimension is required")
	}
	if len(n.Dimensions) != len(c.Dimensions) {
		return apperr.New(apperr.InvalidConfig, "dimensions %v repeat after normalization", c.Dimensions)
	}
	for _, m := range n.Metrics {
		if slices.Contains(n.Dimensions, m) {
			return apperr.New(apperr.InvalidConfig, "column %s is both a dimension and a metric", m)
		}
	}
	return nil
}

// ParseConfig decodes a YAML dataset configuration. Unknown keys are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, apperr.New(apperr.InvalidConfig, "dataset config is empty")
		}
		return Config{}, apperr.Wrap(apperr.InvalidConfig, err, "parse dataset config")
	}
	return cfg, cfg.Validate()
}

// LoadConfigFile reads a YAML dataset configuration from path.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read dataset config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}
