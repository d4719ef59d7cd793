package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/config"
)

// Factory creates a configured backend instance.
type Factory func(ctx context.Context, cfg *config.Config) (Backend, error)

// Registry holds registered backend factories by name. Backend packages
// register themselves at init time; the registry hands out instances by
// name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// globalRegistry is the default registry used by the package-level
// functions.
var globalRegistry = &Registry{
	factories: make(map[string]Factory),
}

// Register adds a backend factory to the global registry. Typically
// called from backend package init() functions; the name should be
// lowercase (e.g. "github", "peer").
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Get retrieves a factory from the global registry, or nil when the name
// is unknown.
func Get(name string) Factory {
	return globalRegistry.Get(name)
}

// List returns the names registered in the global registry, sorted.
func List() []string {
	return globalRegistry.List()
}

// New creates a configured instance of the named backend from the global
// registry.
func New(ctx context.Context, name string, cfg *config.Config) (Backend, error) {
	return globalRegistry.New(ctx, name, cfg)
}

// Register adds a backend factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves a factory from this registry, or nil when the name is
// unknown.
func (r *Registry) Get(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

// List returns the registered names, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a configured instance of the named backend.
func (r *Registry) New(ctx context.Context, name string, cfg *config.Config) (Backend, error) {
	factory := r.Get(name)
	if factory == nil {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, r.List())
	}
	return factory(ctx, cfg)
}
