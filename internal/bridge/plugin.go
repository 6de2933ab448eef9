package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// Plugin handles native bridge requests (biometrics, attestation and the
// like). Implementations live outside the core.
type Plugin interface {
	Name() string
	CanHandle(method string) bool
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// PluginRegistry resolves plugins by the method names they handle.
// Registration is exclusive; lookups run concurrently.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// Register adds a plugin. Later registrations win for overlapping methods.
func (r *PluginRegistry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append([]Plugin{p}, r.plugins...)
}

// Resolve returns the first plugin able to handle the method.
func (r *PluginRegistry) Resolve(method string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.CanHandle(method) {
			return p, true
		}
	}
	return nil, false
}

// Names returns the registered plugin names.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}
