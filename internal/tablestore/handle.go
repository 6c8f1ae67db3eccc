// Package tablestore keeps one queryable table per dataset and manages its lifetime.
package tablestore

import (
	"slices"
	"sync"

	"dimroute/internal/query"
)

// Spec names the column roles of a dataset table.
type Spec struct {
	Dims        []string
	Retrievable []string
	Metrics     []string
}

// Handle is a published dataset table. Readers pin it with Acquire while they query; a
// handle replaced or closed in the store drops its table once the last reader releases.
type Handle struct {
	DatasetID string
	Version   string
	Table     string
	Columns   []string
	Spec      Spec
	Rows      int64

	mu      sync.Mutex
	refs    int
	retired bool
	dropped bool
	drop    func()
}

// NewHandle creates a handle. drop is called once after the handle is retired and idle.
func NewHandle(datasetID, version, table string, columns []string, spec Spec, rows int64, drop func()) *Handle {
	return &Handle{
		DatasetID: datasetID,
		Version:   version,
		Table:     table,
		Columns:   slices.Clone(columns),
		Spec:      spec,
		Rows:      rows,
		drop:      drop,
	}
}

// Target returns the query target for this table.
func (h *Handle) Target() query.Target {
	return query.Target{
		Table:       h.Table,
		Dims:        h.Spec.Dims,
		Retrievable: h.Spec.Retrievable,
		Metrics:     h.Spec.Metrics,
	}
}

// Acquire pins the handle. It returns false when the table has already been dropped.
func (h *Handle) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropped {
		return false
	}
	h.refs++
	return true
}

// Release unpins the handle.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refs--
	fire := h.readyToDrop()
	h.mu.Unlock()
	if fire {
		h.runDrop()
	}
}

// Discard retires a handle that was never put in a store.
func (h *Handle) Discard() { h.retire() }

func (h *Handle) retire() {
	h.mu.Lock()
	h.retired = true
	fire := h.readyToDrop()
	h.mu.Unlock()
	if fire {
		h.runDrop()
	}
}

// readyToDrop must be called with mu held. It marks the handle dropped when it returns true.
func (h *Handle) readyToDrop() bool {
	if !h.retired || h.refs > 0 || h.dropped {
		return false
	}
	h.dropped = true
	return true
}

func (h *Handle) runDrop() {
	if h.drop != nil {
		h.drop()
	}
}

// Refs returns the number of readers currently holding the handle.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Dropped reports whether the table behind the handle is gone.
func (h *Handle) Dropped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
