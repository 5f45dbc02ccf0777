// Package providerregistry implements the Provider Registry (C3): a mapping
// from provider name to an opaque ProviderHandle. Structurally grounded on
// the same RWMutex-guarded map idiom as toolregistry.Registry
// (runtime/registry/manager.go).
package providerregistry

import (
	"fmt"
	"sync"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
)

// Registry holds the set of registered provider handles.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]broker.ProviderHandle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{providers: make(map[string]broker.ProviderHandle)}
}

// Register adds or replaces a provider handle under name.
func (r *Registry) Register(name string, handle broker.ProviderHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = handle
}

// Get resolves a provider by name. Unknown names yield UnknownProvider.
func (r *Registry) Get(name string) (broker.ProviderHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.providers[name]
	if !ok {
		return nil, brokererr.New(brokererr.UnknownProvider, fmt.Sprintf("unknown provider: %q", name))
	}
	return h, nil
}

// ProviderNames returns the set of registered provider names, for telemetry
// bucket enumeration.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
