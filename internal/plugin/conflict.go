// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"sort"
	"sync"
)

// TypeIndexView is a read-only view over type ownership.
type TypeIndexView interface {
	Owners(typeName string) []Owner
}

// CheckConflicts collects every candidate type already owned by an active
// or staged plugin other than pluginName. It has no side effects.
func CheckConflicts(pluginName string, candidates []string, view TypeIndexView) error {
	record := conflictsOf(pluginName, candidates, view)
	if len(record) == 0 {
		return nil
	}
	return newConflictError(pluginName, record)
}

func conflictsOf(pluginName string, candidates []string, view TypeIndexView) ConflictRecord {
	record := ConflictRecord{}
	for _, name := range candidates {
		for _, o := range view.Owners(name) {
			if o.Plugin == pluginName {
				continue
			}
			if o.Status != StatusActive && o.Status != StatusStaged {
				continue
			}
			if !containsOwner(record[name], o) {
				record[name] = append(record[name], o)
			}
		}
	}
	return record
}

// TypeIndex is the global record of which plugin owns which type name.
// It is safe for concurrent reads; writes happen under the manager's
// commit lock.
type TypeIndex struct {
	mu     sync.RWMutex
	owners map[string]string   // type name -> plugin
	types  map[string][]string // plugin -> type names
}

// NewTypeIndex creates an empty index.
func NewTypeIndex() *TypeIndex {
	return &TypeIndex{
		owners: make(map[string]string),
		types:  make(map[string][]string),
	}
}

// Owners implements TypeIndexView. Every indexed owner is active.
func (x *TypeIndex) Owners(typeName string) []Owner {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.owners[typeName]
	if !ok {
		return nil
	}
	return []Owner{{Plugin: p, Status: StatusActive}}
}

// Add records pluginName as owner of typeNames.
func (x *TypeIndex) Add(pluginName string, typeNames []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, t := range typeNames {
		x.owners[t] = pluginName
	}
	x.types[pluginName] = append([]string(nil), typeNames...)
}

// Remove drops every type owned by pluginName.
func (x *TypeIndex) Remove(pluginName string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, t := range x.types[pluginName] {
		if x.owners[t] == pluginName {
			delete(x.owners, t)
		}
	}
	delete(x.types, pluginName)
}

// Snapshot returns a copy of the type to owner mapping.
func (x *TypeIndex) Snapshot() map[string]string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]string, len(x.owners))
	for k, v := range x.owners {
		out[k] = v
	}
	return out
}

// TypesOf returns the sorted type names owned by pluginName.
func (x *TypeIndex) TypesOf(pluginName string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := append([]string(nil), x.types[pluginName]...)
	sort.Strings(out)
	return out
}

// batchView overlays the staged members of a batch on the global index so
// two members declaring the same type are caught before commit.
type batchView struct {
	base   TypeIndexView
	staged map[string][]string // type name -> staged plugins
}

func newBatchView(base TypeIndexView) *batchView {
	return &batchView{base: base, staged: make(map[string][]string)}
}

func (v *batchView) add(pluginName string, typeNames []string) {
	for _, t := range typeNames {
		v.staged[t] = append(v.staged[t], pluginName)
	}
}

func (v *batchView) Owners(typeName string) []Owner {
	owners := v.base.Owners(typeName)
	for _, p := range v.staged[typeName] {
		owners = append(owners, Owner{Plugin: p, Status: StatusStaged})
	}
	return owners
}
