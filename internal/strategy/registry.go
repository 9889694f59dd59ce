package strategy

import (
	"fmt"
	"sync"
)

// Registry manages a named collection of strategies. Evaluation order is
// registration order, so the first registered strategy wins when several
// could fire on the same candle. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	strategies map[string]Strategy
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy under its own name. Registering the same name
// twice replaces the strategy but keeps its original position.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, ok := r.strategies[name]; !ok {
		r.order = append(r.order, name)
	}
	r.strategies[name] = s
}

// Get retrieves a strategy by name. It returns an error when the name is
// not registered.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// All returns the registered strategies in registration order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.strategies[name])
	}
	return out
}

// List returns the names of all registered strategies in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
