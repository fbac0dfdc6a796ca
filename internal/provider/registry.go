package provider

import (
	"log/slog"
	"sort"
	"sync"
)

// PreferenceAuto selects by the registry's fixed priority order: professional
// streaming ASR ahead of generic local recognition.
const PreferenceAuto = "auto"

// Registry holds the configured providers and applies the selection policy.
// It is an explicitly constructed, injectable store so tests can isolate
// instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	priority  []string
}

func NewRegistry(priority ...string) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		priority:  priority,
	}
}

// Register adds a provider. Later registrations with the same id replace
// earlier ones.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	slog.Info("transcription provider registered", "provider", p.ID())
}

// Select picks a provider: an explicitly requested one if available, the
// priority order for "auto", otherwise the first available. Returns
// ErrNoProviderAvailable when nothing is usable.
func (r *Registry) Select(preferred string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" && preferred != PreferenceAuto {
		if p, ok := r.providers[preferred]; ok && p.Available() {
			return p, nil
		}
		// Requested provider unusable: fall through to the generic policy.
	}

	for _, id := range r.priority {
		if p, ok := r.providers[id]; ok && p.Available() {
			return p, nil
		}
	}

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if p := r.providers[id]; p.Available() {
			return p, nil
		}
	}

	return nil, ErrNoProviderAvailable
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
