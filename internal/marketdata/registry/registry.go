// Package registry resolves an exchange name to its ExchangeAdapter and
// classifies it as streaming-capable or polling-only.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sawpanic/marketdatasub/internal/marketdata/adapter"
)

// Registry is a thread-safe name -> ExchangeAdapter lookup. The owning
// application registers every configured exchange once at startup; the
// core only ever reads it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.ExchangeAdapter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{adapters: make(map[string]adapter.ExchangeAdapter)}
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a adapter.ExchangeAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter registered for name, if any.
func (r *Registry) Resolve(name string) (adapter.ExchangeAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// MustResolve is Resolve but panics on an unknown exchange name — reserved
// for callers that have already validated the name came from a registered
// set (e.g. iterating Names()).
func (r *Registry) MustResolve(name string) adapter.ExchangeAdapter {
	a, ok := r.Resolve(name)
	if !ok {
		panic(fmt.Sprintf("registry: unknown exchange %q", name))
	}
	return a
}

// IsStreaming reports whether name is both registered and streaming
// capable.
func (r *Registry) IsStreaming(name string) bool {
	a, ok := r.Resolve(name)
	return ok && a.IsStreaming()
}

// Names returns the registered exchange names, sorted for deterministic
// iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
