package provider

import (
	"log/slog"
	"sync"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Registry holds the adapters available to the router, keyed by provider name.
// Adapters are registered once at startup; the set is fixed afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same name twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return models.ErrDuplicateProvider
	}
	r.adapters[a.Name()] = a
	slog.Info("provider.Registry: adapter registered", "provider", a.Name())
	return nil
}

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, models.ErrUnknownProvider
	}
	return a, nil
}

// Names returns the registered provider names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
