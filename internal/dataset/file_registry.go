package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"dimroute/internal/apperr"
)

const (
	recordExt       = ".yaml"
	lockFileName    = ".registry.lock"
	lockRetryPeriod = 50 * time.Millisecond
	lockTimeout     = 5 * time.Second
)

// FileRegistry stores one YAML document per dataset in a directory. A lock file in the
// directory serializes writers across processes.
type FileRegistry struct {
	dir  string
	lock *flock.Flock
	now  func() time.Time
}

// NewFileRegistry creates the directory if needed and returns a registry over it.
func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileRegistry{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
		now:  time.Now,
	}, nil
}

func (r *FileRegistry) path(id string) string {
	return filepath.Join(r.dir, id+recordExt)
}

func (r *FileRegistry) withLock(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := r.lock.TryLockContext(ctx, lockRetryPeriod)
	if err != nil {
		return fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire registry lock")
	}
	defer func() { _ = r.lock.Unlock() }()
	return fn()
}

func (r *FileRegistry) Get(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID(id); err != nil {
		return nil, apperr.Wrap(apperr.UnknownDataset, err, "dataset %s is not registered", id)
	}
	var rec *Record
	err := r.withLock(ctx, func() error {
		var err error
		rec, err = r.read(id)
		return err
	})
	return rec, err
}

func (r *FileRegistry) read(id string) (*Record, error) {
	data, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.UnknownDataset, "dataset %s is not registered", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", id, err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", id, err)
	}
	return &rec, nil
}

func (r *FileRegistry) Put(ctx context.Context, rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	return r.withLock(ctx, func() error {
		var prev Record
		if existing, err := r.read(rec.ID); err == nil {
			prev = *existing
		} else if !apperr.HasCode(err, apperr.UnknownDataset) {
			return err
		}
		stamp(rec, prev, r.now())

		data, err := yaml.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode dataset %s: %w", rec.ID, err)
		}
		tmp := r.path(rec.ID) + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write dataset %s: %w", rec.ID, err)
		}
		return os.Rename(tmp, r.path(rec.ID))
	})
}

func (r *FileRegistry) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := r.withLock(ctx, func() error {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			return fmt.Errorf("list registry: %w", err)
		}
		var ids []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, recordExt))
		}
		slices.Sort(ids)
		for _, id := range ids {
			rec, err := r.read(id)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (r *FileRegistry) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return r.withLock(ctx, func() error {
		err := os.Remove(r.path(id))
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.UnknownDataset, "dataset %s is not registered", id)
		}
		return err
	})
}
