package dataset

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"sync"
	"time"

	"dimroute/internal/apperr"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateID rejects IDs that cannot be used as file or table name components.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return apperr.New(apperr.InvalidConfig, "invalid dataset id %q", id)
	}
	return nil
}

// Record is the stored metadata of a dataset.
type Record struct {
	ID          string    `yaml:"id" json:"id"`
	DisplayName string    `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	SourcePath  string    `yaml:"source_path" json:"source_path"`
	Config      Config    `yaml:"config" json:"config"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// Registry stores dataset records by ID.
type Registry interface {
	// Get returns the record of id, or an unknown_dataset error.
	Get(ctx context.Context, id string) (*Record, error)
	// Put creates or replaces a record. CreatedAt is kept from an existing record.
	Put(ctx context.Context, rec *Record) error
	// List returns all records ordered by ID.
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRegistry is a Registry held in memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record), now: time.Now}
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, apperr.New(apperr.UnknownDataset, "dataset %s is not registered", id)
	}
	return &rec, nil
}

func (r *MemoryRegistry) Put(_ context.Context, rec *Record) error {
	if err := ValidateID(rec.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp(rec, r.records[rec.ID], r.now())
	r.records[rec.ID] = *rec
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, id := range slices.Sorted(maps.Keys(r.records)) {
		rec := r.records[id]
		out = append(out, &rec)
	}
	return out, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return apperr.New(apperr.UnknownDataset, "dataset %s is not registered", id)
	}
	delete(r.records, id)
	return nil
}

func stamp(rec *Record, prev Record, now time.Time) {
	rec.CreatedAt = prev.CreatedAt
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}
