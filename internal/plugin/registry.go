// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"sort"
	"sync"
)

// Registry is the durable store of plugin descriptors. Find and Remove
// return a PLUGIN_NOT_FOUND error for unknown names.
type Registry interface {
	Save(ctx context.Context, d *Descriptor) (*Descriptor, error)
	Remove(ctx context.Context, name string) error
	Find(ctx context.Context, name string) (*Descriptor, error)
	// List returns every descriptor ordered by name.
	List(ctx context.Context) ([]*Descriptor, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{descriptors: make(map[string]*Descriptor)}
}

// Save stores a copy of d.
func (r *MemoryRegistry) Save(_ context.Context, d *Descriptor) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d.Clone()
	return d.Clone(), nil
}

// Remove deletes the descriptor for name.
func (r *MemoryRegistry) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[name]; !ok {
		return ErrNotFound(name)
	}
	delete(r.descriptors, name)
	return nil
}

// Find returns a copy of the descriptor for name.
func (r *MemoryRegistry) Find(_ context.Context, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, ErrNotFound(name)
	}
	return d.Clone(), nil
}

// List returns copies of all descriptors ordered by name.
func (r *MemoryRegistry) List(_ context.Context) ([]*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
