package resilience

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry holds one Breaker per backend. Breakers are created lazily on
// first use and live for the lifetime of the process.
type Registry struct {
	settings Settings
	onChange StateChangeFunc
	now      func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateChangeHook registers fn for transitions of every breaker.
func WithStateChangeHook(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// WithClock replaces time.Now for every breaker created by the registry.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry whose breakers share settings.
func NewRegistry(s Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		settings: s,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker for backendID, creating it closed if needed.
func (r *Registry) Get(backendID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backendID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[backendID]; ok {
		return b
	}
	b = NewNamedBreaker(backendID, r.settings, r.onChange)
	b.now = r.now
	r.breakers[backendID] = b
	return b
}

// Snapshot returns every known breaker's state ordered by backend id.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Name, b.Name) })
	return out
}
