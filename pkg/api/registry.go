package api

import (
	"sort"
	"sync"
)

// Registry maps tube names to handlers. It is how a child worker process,
// which cannot receive closures, rebinds tasks to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to tube, replacing any previous binding.
func (r *Registry) Register(tube string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tube] = h
}

// Unregister removes the binding for tube.
func (r *Registry) Unregister(tube string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, tube)
}

// Lookup returns the handler bound to tube.
func (r *Registry) Lookup(tube string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tube]
	return h, ok
}

// Tubes returns the registered tube names in sorted order.
func (r *Registry) Tubes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for tube := range r.handlers {
		out = append(out, tube)
	}
	sort.Strings(out)
	return out
}
