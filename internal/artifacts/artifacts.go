// Package artifacts persists the derived artifacts of an ETL run.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"dimroute/internal/apperr"
	"dimroute/internal/leafindex"
	"dimroute/internal/source"
	"dimroute/internal/validset"
)

// File names inside a dataset's artifact directory.
const (
	NormalizedFile = "normalized.csv"
	LeafIndexFile  = "leaf_index.csv"
	TaxonomyFile   = "taxonomy.txt"
	ValidSetFile   = "valid_sets.json"
	ManifestFile   = "manifest.yaml"
)

const lockRetryPeriod = 100 * time.Millisecond

// Manifest describes one published artifact set.
type Manifest struct {
	DatasetID      string          `yaml:"dataset_id"`
	Version        string          `yaml:"version"`
	CreatedAt      time.Time       `yaml:"created_at"`
	Dims           []string        `yaml:"dims"`
	Retrievable    []string        `yaml:"retrievable,omitempty"`
	Metrics        []string        `yaml:"metrics,omitempty"`
	DroppedDims    []string        `yaml:"dropped_dims,omitempty"`
	DroppedMetrics []string        `yaml:"dropped_metrics,omitempty"`
	Stats          leafindex.Stats `yaml:"stats"`
}

// Bundle is everything one ETL run derives for a dataset.
type Bundle struct {
	Manifest   Manifest
	Normalized *source.Table
	Index      *leafindex.Index
	ValidSet   *validset.ValidSet
	Taxonomy   string
}

// Store keeps one artifact directory per dataset under Root.
type Store struct {
	Root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{Root: root}, nil
}

// Dir returns the artifact directory of id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.Root, id)
}

// Lock takes the cross-process lock of id. The returned function releases it.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	lock := flock.New(filepath.Join(s.Root, "."+id+".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to lock artifacts of %s: %w", id, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not lock artifacts of %s", id)
	}
	return func() { _ = lock.Unlock() }, nil
}

// Save writes b into a staging directory and swaps it in place of the current artifacts
// of id. Readers see either the old set or the new one.
func (s *Store) Save(ctx context.Context, id string, b *Bundle) error {
	staging := filepath.Join(s.Root, ".staging-"+id+"-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := writeBundle(staging, b); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.Dir(id)
	old := filepath.Join(s.Root, ".old-"+id+"-"+uuid.NewString())
	hadOld := true
	if err := os.Rename(dir, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("move previous artifacts: %w", err)
		}
		hadOld = false
	}
	if err := os.Rename(staging, dir); err != nil {
		if hadOld {
			_ = os.Rename(old, dir)
		}
		return fmt.Errorf("publish artifacts: %w", err)
	}
	if hadOld {
		_ = os.RemoveAll(old)
	}
	return nil
}

func writeBundle(dir string, b *Bundle) error {
	var buf bytes.Buffer
	if err := source.WriteCSV(&buf, b.Normalized); err != nil {
		return fmt.Errorf("encode normalized table: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, NormalizedFile), buf.Bytes(), 0o644); err != nil {
		return err
	}

	buf.Reset()
	if err := b.Index.WriteCSV(&buf); err != nil {
		return fmt.Errorf("encode leaf index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LeafIndexFile), buf.Bytes(), 0o644); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, TaxonomyFile), []byte(b.Taxonomy), 0o644); err != nil {
		return err
	}

	vs, err := json.MarshalIndent(b.ValidSet, "", "  ")
	if err != nil {
		return fmt.Errorf("encode valid set: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ValidSetFile), vs, 0o644); err != nil {
		return err
	}

	manifest, err := yaml.Marshal(b.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), manifest, 0o644)
}

// Load reads the artifacts of id. A dataset without artifacts yields a
// validation_missing error.
func (s *Store) Load(ctx context.Context, id string) (*Bundle, error) {
	dir := s.Dir(id)
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.ValidationMissing, "no artifacts for dataset %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	b := &Bundle{}
	if err := yaml.Unmarshal(manifestData, &b.Manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if b.Normalized, err = source.ReadCSVFile(ctx, filepath.Join(dir, NormalizedFile)); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, LeafIndexFile))
	if err != nil {
		return nil, fmt.Errorf("open leaf index: %w", err)
	}
	defer f.Close()
	if b.Index, err = leafindex.ReadCSV(f, b.Manifest.Dims, b.Manifest.Metrics); err != nil {
		return nil, err
	}
	b.Index.Stats = b.Manifest.Stats
	b.Index.DroppedDims = b.Manifest.DroppedDims
	b.Index.DroppedMetrics = b.Manifest.DroppedMetrics

	vsData, err := os.ReadFile(filepath.Join(dir, ValidSetFile))
	if err != nil {
		return nil, fmt.Errorf("read valid set: %w", err)
	}
	b.ValidSet = &validset.ValidSet{}
	if err := json.Unmarshal(vsData, b.ValidSet); err != nil {
		return nil, fmt.Errorf("parse valid set: %w", err)
	}

	taxonomy, err := os.ReadFile(filepath.Join(dir, TaxonomyFile))
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	b.Taxonomy = string(taxonomy)
	return b, nil
}

// Delete removes the artifacts of id.
func (s *Store) Delete(id string) error {
	return os.RemoveAll(s.Dir(id))
}
