// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package filestore provides a plugin registry persisted as a YAML file.
package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/internal/plugin"
)

var _ plugin.Registry = (*Registry)(nil)

// document is the on-disk layout.
type document struct {
	Plugins []*plugin.Descriptor `yaml:"plugins"`
}

// Registry stores descriptors in a single YAML file. Every write replaces
// the file atomically through a temporary file and rename.
type Registry struct {
	path string

	mu          sync.RWMutex
	descriptors map[string]*plugin.Descriptor
}

// Open loads the registry at path. A missing file is an empty registry; the
// parent directory is created on first write.
func Open(path string) (*Registry, error) {
	r := &Registry{
		path:        path,
		descriptors: make(map[string]*plugin.Descriptor),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, oops.Code("REGISTRY_READ_FAILED").With("path", path).Wrap(err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code("REGISTRY_READ_FAILED").
			With("path", path).
			Hint("the registry file is corrupt; fix or remove it").
			Wrap(err)
	}
	for _, d := range doc.Plugins {
		if d == nil || d.Name == "" {
			continue
		}
		r.descriptors[d.Name] = d
	}
	return r, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Save stores d and rewrites the file.
func (r *Registry) Save(_ context.Context, d *plugin.Descriptor) (*plugin.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.descriptors[d.Name]
	r.descriptors[d.Name] = d.Clone()
	if err := r.flushLocked(); err != nil {
		if had {
			r.descriptors[d.Name] = prev
		} else {
			delete(r.descriptors, d.Name)
		}
		return nil, err
	}
	return d.Clone(), nil
}

// Remove deletes the descriptor for name and rewrites the file.
func (r *Registry) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.descriptors[name]
	if !ok {
		return plugin.ErrNotFound(name)
	}
	delete(r.descriptors, name)
	if err := r.flushLocked(); err != nil {
		r.descriptors[name] = prev
		return err
	}
	return nil
}

// Find returns a copy of the descriptor for name.
func (r *Registry) Find(_ context.Context, name string) (*plugin.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	if !ok {
		return nil, plugin.ErrNotFound(name)
	}
	return d.Clone(), nil
}

// List returns copies of every descriptor ordered by name.
func (r *Registry) List(_ context.Context) ([]*plugin.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(true), nil
}

func (r *Registry) sortedLocked(clone bool) []*plugin.Descriptor {
	out := make([]*plugin.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if clone {
			d = d.Clone()
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) flushLocked() error {
	data, err := yaml.Marshal(document{Plugins: r.sortedLocked(false)})
	if err != nil {
		return oops.Code("REGISTRY_WRITE_FAILED").With("path", r.path).Wrap(err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return oops.Code("REGISTRY_WRITE_FAILED").With("path", r.path).Wrap(err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return oops.Code("REGISTRY_WRITE_FAILED").With("path", r.path).Wrap(err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return oops.Code("REGISTRY_WRITE_FAILED").With("path", r.path).Wrap(err)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return oops.Code("REGISTRY_WRITE_FAILED").With("path", r.path).Wrap(err)
	}
	return nil
}
