// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"fmt"

	"github.com/samber/oops"
)

// Resolver looks up named collaborators a component depends on.
type Resolver interface {
	Resolve(ctx context.Context, name string) (any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) (any, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (any, error) {
	return f(ctx, name)
}

// noResolver rejects every dependency.
var noResolver = ResolverFunc(func(_ context.Context, name string) (any, error) {
	return nil, oops.With("dependency", name).Errorf("no resolver configured for dependency %q", name)
})

// Constructor builds the value of a component from its load context.
type Constructor interface {
	Construct(ctx context.Context, lc LoadContext, ref ComponentRef) (any, error)
}

// ContextConstructor delegates construction to the load context, wiring
// dependencies through Resolver.
type ContextConstructor struct {
	Resolver Resolver
}

// Construct implements Constructor.
func (c ContextConstructor) Construct(ctx context.Context, lc LoadContext, ref ComponentRef) (any, error) {
	deps := c.Resolver
	if deps == nil {
		deps = noResolver
	}
	//nolint:wrapcheck // the factory wraps with the instantiation code
	return lc.Construct(ctx, ref.Type, deps)
}

// Factory turns component declarations into instances.
type Factory struct {
	constructor Constructor
}

// NewFactory creates a factory. Panics if constructor is nil.
func NewFactory(constructor Constructor) *Factory {
	if constructor == nil {
		panic("plugin.NewFactory: constructor cannot be nil")
	}
	return &Factory{constructor: constructor}
}

// Instantiate builds one instance. A constructor panic is reported as an
// instantiation error.
func (f *Factory) Instantiate(ctx context.Context, pluginName string, lc LoadContext, ref ComponentRef) (inst *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = ErrInstantiation(pluginName, ref, fmt.Errorf("constructor panic: %v", r))
		}
	}()

	value, err := f.constructor.Construct(ctx, lc, ref)
	if err != nil {
		return nil, ErrInstantiation(pluginName, ref, err)
	}
	if value == nil {
		return nil, ErrInstantiation(pluginName, ref, fmt.Errorf("constructor returned nil"))
	}
	return NewInstance(pluginName, ref, value), nil
}

// InstantiateAll builds every component of a loaded plugin, in declaration order.
func (f *Factory) InstantiateAll(ctx context.Context, pluginName string, lc LoadContext, refs []ComponentRef) ([]*Instance, error) {
	out := make([]*Instance, 0, len(refs))
	for _, ref := range refs {
		inst, err := f.Instantiate(ctx, pluginName, lc, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
