package boundary

import (
	"context"
	"sort"
	"sync"
)

// Registry holds named boundaries created on first use.
type Registry struct {
	defaults Options
	options  []Option

	mu         sync.Mutex
	boundaries map[string]*Boundary
}

// NewRegistry creates a Registry whose boundaries default to defaults.
// Options passed here are applied to every boundary it creates.
func NewRegistry(defaults Options, options ...Option) *Registry {
	return &Registry{
		defaults:   defaults,
		options:    options,
		boundaries: make(map[string]*Boundary),
	}
}

// Get returns the boundary called name, creating it with the registry
// defaults if needed.
func (r *Registry) Get(name string) *Boundary {
	return r.GetWith(name, r.defaults)
}

// GetWith returns the boundary called name, creating it with opts if it
// does not exist yet. Options of an existing boundary are not changed.
func (r *Registry) GetWith(name string, opts Options) *Boundary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.boundaries[name]; ok {
		return b
	}
	b := New(name, opts, r.options...)
	r.boundaries[name] = b
	return b
}

// Execute runs fn under the boundary called name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Statuses returns the status of every boundary, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	list := make([]*Boundary, 0, len(r.boundaries))
	for _, b := range r.boundaries {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
