package group

import (
	"fmt"
	"sync"
)

// Registry holds all configured groups by name.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*Group
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

// Add registers a group. Names must be unique.
func (r *Registry) Add(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[g.Name()]; exists {
		return fmt.Errorf("group %q already registered", g.Name())
	}
	r.groups[g.Name()] = g
	r.order = append(r.order, g.Name())
	return nil
}

// Get retrieves a group by name.
func (r *Registry) Get(name string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, exists := r.groups[name]
	return g, exists
}

// All returns all groups in registration order.
func (r *Registry) All() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Group, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.groups[name])
	}
	return out
}
