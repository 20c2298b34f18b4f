package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Worker is one named step of a pipeline.
type Worker interface {
	// Name is the name the worker is referenced by in pipeline specs.
	Name() string
	// Keys lists every context key the worker reads or writes.
	Keys() []string
	// Run does the work. Returned errors abort the run; backend failures
	// should be logged and swallowed instead.
	Run(ctx context.Context, s *Scope) error
}

// Constructor builds a worker instance.
type Constructor func() (Worker, error)

// Registry maps worker names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: map[string]Constructor{}}
}

// Register adds a constructor. Names are unique.
func (r *Registry) Register(name string, c Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return fmt.Errorf("%w: worker %q registered twice", ErrConfig, name)
	}
	r.ctors[name] = c
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Names lists registered workers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs the worker registered under name.
func (r *Registry) Build(name string) (Worker, error) {
	r.mu.RLock()
	c, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: worker %q is not registered", ErrConfig, name)
	}
	w, err := c()
	if err != nil {
		return nil, fmt.Errorf("%w: build worker %q: %v", ErrConfig, name, err)
	}
	return w, nil
}
