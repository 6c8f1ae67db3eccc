package tablestore

import (
	"maps"
	"slices"
	"sync"
)

// Store maps dataset IDs to their current table handle.
type Store interface {
	Get(id string) (*Handle, bool)
	// Put makes h the current handle of h.DatasetID and retires the previous one.
	Put(h *Handle)
	List() []string
	// Close retires the handle of id and forgets it.
	Close(id string)
	CloseAll()
}

// Registry is an in-memory Store.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Put(h *Handle) {
	r.mu.Lock()
	prev := r.handles[h.DatasetID]
	r.handles[h.DatasetID] = h
	r.mu.Unlock()
	if prev != nil && prev != h {
		prev.retire()
	}
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handles))
}

func (r *Registry) Close(id string) {
	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if h != nil {
		h.retire()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.retire()
	}
}
