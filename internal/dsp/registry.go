package dsp

import (
	"sort"
	"sync"

	"github.com/opencras/crasd/internal/apperr"
)

// Factory constructs a fresh, unconfigured PluginModule instance for a
// registry label, reading whatever settings it needs from the
// PluginDesc's Params and Ports. A new PluginModule is created per
// PluginInstance — the factory, not the module, is what's shared across
// the process.
type Factory func(desc PluginDesc) (PluginModule, error)

// Registry is the process-wide label -> factory map (component C). The
// built-in plugins register themselves into a Registry via wiring
// performed by the caller (see internal/dsp/plugins.RegisterBuiltins),
// keeping this package free of a dependency on its own plugins
// subpackage.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds (or replaces) the factory for a label.
func (r *Registry) Register(label string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[label] = f
}

// Create instantiates a fresh PluginModule for desc.Label.
func (r *Registry) Create(desc PluginDesc) (PluginModule, error) {
	r.mu.RLock()
	f, ok := r.factories[desc.Label]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf("no plugin registered for label %q", desc.Label).
			Component("dsp").Category(apperr.CategoryConfiguration).Build()
	}
	return f(desc)
}

// Labels returns the registered labels in sorted order, for diagnostics.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
