package binding

import (
	"sort"
	"sync"
)

// Registry keeps at most one Manager per worker type.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m unless an equal manager is present. It returns the manager
// kept in the registry and whether m was added.
func (r *Registry) Add(m *Manager) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.managers[m.Key()]; ok {
		return existing, false
	}
	r.managers[m.Key()] = m
	return m, true
}

// Get returns the manager for workerType.
func (r *Registry) Get(workerType string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[workerType]
	return m, ok
}

// Managers returns the registered managers sorted by key.
func (r *Registry) Managers() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
