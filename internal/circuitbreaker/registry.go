package circuitbreaker

import (
	"sync"
)

// Registry holds named breakers so routes sharing a protection domain
// share breaker state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	opts     []Option
}

// NewRegistry creates a breaker registry. cfg and opts apply to every
// breaker the registry creates.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		opts:     opts,
	}
}

// Get returns the breaker with the given name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = New(name, r.cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// States returns the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}

// Remove deletes a breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}
