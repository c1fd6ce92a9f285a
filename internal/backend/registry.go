package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend kinds.
const (
	KindLocal   = "local"
	KindRemote  = "remote"
	KindMicroVM = "microvm"
)

// Registry maps backend kinds to the factories that build them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given kind, replacing any previous one.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Resolve returns the factory registered for kind.
func (r *Registry) Resolve(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", kind)
	}
	return f, nil
}

// Build resolves kind and constructs n backends, one per worker slot.
func (r *Registry) Build(kind string, n int) ([]Backend, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", n)
	}
	f, err := r.Resolve(kind)
	if err != nil {
		return nil, err
	}

	backends := make([]Backend, 0, n)
	for slot := range n {
		b, err := f(slot)
		if err != nil {
			return nil, fmt.Errorf("build %s backend for slot %d: %w", kind, slot, err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Kinds returns the registered backend kinds sorted by name.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
