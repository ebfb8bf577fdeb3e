// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"slices"
	"time"
)

// Status is the lifecycle status of an installed plugin.
type Status string

// Plugin statuses.
const (
	StatusStaged  Status = "staged"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// ComponentRef declares one component of a plugin: the instance name, the
// type it is constructed from and the capability groups it belongs to.
type ComponentRef struct {
	Name   string   `json:"name" yaml:"name"`
	Type   string   `json:"type" yaml:"type"`
	Groups []string `json:"groups" yaml:"groups"`
}

// Descriptor is the durable record of an installed plugin.
type Descriptor struct {
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	Runtime       Type           `json:"runtime" yaml:"runtime"`
	Source        string         `json:"source" yaml:"source"`
	Checksum      string         `json:"checksum" yaml:"checksum"`
	Types         []string       `json:"types" yaml:"types"`
	Components    []ComponentRef `json:"components" yaml:"components"`
	Status        Status         `json:"status" yaml:"status"`
	LoadContextID string         `json:"load_context_id,omitempty" yaml:"load_context_id,omitempty"`
	InstalledAt   time.Time      `json:"installed_at" yaml:"installed_at"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
}

// TypeNames returns the ordered set of type names contributed by the plugin.
func (d *Descriptor) TypeNames() []string {
	return slices.Clone(d.Types)
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Types = slices.Clone(d.Types)
	c.Components = make([]ComponentRef, len(d.Components))
	for i, ref := range d.Components {
		c.Components[i] = ComponentRef{Name: ref.Name, Type: ref.Type, Groups: slices.Clone(ref.Groups)}
	}
	return &c
}

// Instance is a constructed component travelling through the dispatcher chain.
type Instance struct {
	Name   string
	Type   string
	Groups []string
	Plugin string

	value any
}

// NewInstance creates an instance. Passing a nil value yields an identity-only
// instance, as used when unwinding an uninstall.
func NewInstance(pluginName string, ref ComponentRef, value any) *Instance {
	return &Instance{
		Name:   ref.Name,
		Type:   ref.Type,
		Groups: slices.Clone(ref.Groups),
		Plugin: pluginName,
		value:  value,
	}
}

// Value returns the constructed component, or nil for identity-only instances.
func (i *Instance) Value() any {
	return i.value
}

// Callable is implemented by components that expose named methods.
type Callable interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
}

// instancesFor rebuilds identity-only instances from a descriptor.
func instancesFor(d *Descriptor) []*Instance {
	out := make([]*Instance, 0, len(d.Components))
	for _, ref := range d.Components {
		out = append(out, NewInstance(d.Name, ref, nil))
	}
	return out
}
