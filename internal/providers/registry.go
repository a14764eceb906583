package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an adapter from decrypted provider configuration.
type Factory func(config Config) (Adapter, error)

// Registry maps provider ids to adapter factories. It replaces string-keyed
// conditional dispatch so an unknown provider id fails in one place.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a provider id. Re-registering an id
// replaces the previous factory.
func (r *Registry) Register(id string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(id)] = factory
}

// New constructs an adapter for the given provider id
func (r *Registry) New(id string, config Config) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(id)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", id)
	}
	return factory(config)
}

// Supports reports whether a provider id is registered
func (r *Registry) Supports(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(id)]
	return ok
}

// Providers returns registered provider ids in sorted order
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
