// Package registry maps caller-visible model names to backend tiers
// and backend-internal model paths.
package registry

import (
	"sync"

	"github.com/conduit-ai/conduit/internal/router"
)

// Entry describes one registered model.
type Entry struct {
	// Target is the tier serving this model.
	Target router.Target

	// BackendModel is the backend-internal model path sent on the wire.
	BackendModel string

	// NativeTools reports whether the backend supports structured
	// function calling for this model. When false, the tool-calling
	// bridge emulates it.
	NativeTools bool

	// Pinned models bypass the routing engine: the request always goes
	// to Target, recorded as a requested_model override.
	Pinned bool
}

// Registry is a concurrency-safe model name index.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		models: make(map[string]Entry),
	}
}

// Register adds or replaces a model entry.
func (r *Registry) Register(name string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = e
}

// Lookup retrieves a model entry by caller-visible name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[name]
	return e, ok
}

// Names returns all registered model names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}
