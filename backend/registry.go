package backend

import (
	"sync"

	"github.com/gogpu/chartgpu/capability"
)

// Factory creates a device for one tier from the detector's report and
// the host configuration. A factory that cannot construct its device
// returns an error; the selector then tries the next tier.
type Factory func(report capability.Report, cfg Config) (Device, error)

// Registry maps backend tiers to device factories. The zero value is
// not usable; create one with NewRegistry. A Registry is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[capability.Tier]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[capability.Tier]Factory)}
}

// Register sets the factory for a tier, replacing any existing one.
func (r *Registry) Register(tier capability.Tier, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tier] = f
}

// Unregister removes a tier's factory. Useful for testing.
func (r *Registry) Unregister(tier capability.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, tier)
}

// factory returns the registered factory for a tier.
func (r *Registry) factory(tier capability.Tier) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tier]
	return f, ok
}

// defaultRegistry holds the built-in tier factories. Tier
// implementations register themselves from init().
var defaultRegistry = NewRegistry()

// Register registers a tier factory in the default registry.
// If a factory for the same tier is already registered, it is
// replaced.
func Register(tier capability.Tier, f Factory) {
	defaultRegistry.Register(tier, f)
}

// DefaultRegistry returns the registry holding the built-in tiers.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
