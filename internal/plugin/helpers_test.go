// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	pluginlua "github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/plugintest"
)

var discardLogger = slog.New(slog.DiscardHandler)

// countingRuntime wraps a runtime and tracks load contexts that have not
// been released.
type countingRuntime struct {
	plugin.Runtime

	mu   sync.Mutex
	open map[string]struct{}
}

func newCountingRuntime(rt plugin.Runtime) *countingRuntime {
	return &countingRuntime{Runtime: rt, open: make(map[string]struct{})}
}

func (r *countingRuntime) Load(ctx context.Context, archive *plugin.Archive, id ulid.ULID) (plugin.LoadContext, error) {
	lc, err := r.Runtime.Load(ctx, archive, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.open[id.String()] = struct{}{}
	r.mu.Unlock()
	return &countingContext{LoadContext: lc, rt: r}, nil
}

// Open returns the number of load contexts still held.
func (r *countingRuntime) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

type countingContext struct {
	plugin.LoadContext
	rt *countingRuntime
}

func (c *countingContext) Release(ctx context.Context) error {
	c.rt.mu.Lock()
	delete(c.rt.open, c.ID().String())
	c.rt.mu.Unlock()
	return c.LoadContext.Release(ctx)
}

// harness is a manager over the Lua runtime with a shared call journal.
type harness struct {
	mgr     *plugin.Manager
	reg     plugin.Registry
	runtime *countingRuntime
	journal *plugintest.Journal
	dir     string
}

func newHarness(t *testing.T, reg plugin.Registry, opts ...plugin.ManagerOption) *harness {
	t.Helper()
	if reg == nil {
		reg = plugin.NewMemoryRegistry()
	}
	h := &harness{
		reg:     reg,
		runtime: newCountingRuntime(pluginlua.NewRuntime(pluginlua.WithLogger(discardLogger))),
		journal: &plugintest.Journal{},
		dir:     t.TempDir(),
	}
	base := []plugin.ManagerOption{
		plugin.WithRuntime(h.runtime),
		plugin.WithLogger(discardLogger),
	}
	h.mgr = plugin.NewManager(reg, append(base, opts...)...)
	t.Cleanup(func() { _ = h.mgr.Close(context.Background()) })
	return h
}

// handler registers a recording handler claiming groups.
func (h *harness) handler(t *testing.T, name string, order int, groups ...string) *plugintest.RecordingHandler {
	t.Helper()
	rh := plugintest.NewRecordingHandler(name, order, h.journal, groups...)
	require.NoError(t, h.mgr.RegisterHandler(rh))
	return rh
}

// plugin writes <name>.zip into the harness directory.
func (h *harness) plugin(t *testing.T, name string, types []string, components ...plugin.ComponentRef) string {
	t.Helper()
	return plugintest.WriteZip(t, h.dir, name+".zip", plugintest.LuaPlugin(t, name, types, components...))
}

// writeDir writes files as an exploded archive directory below parent.
func writeDir(t *testing.T, parent, name string, files map[string]string) string {
	t.Helper()
	root := filepath.Join(parent, name)
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return root
}

// fakeContext is a LoadContext whose Construct is scripted.
type fakeContext struct {
	id        ulid.ULID
	types     []string
	construct func(ctx context.Context, typeName string, deps plugin.Resolver) (any, error)

	mu       sync.Mutex
	released int
}

func newFakeContext(types ...string) *fakeContext {
	return &fakeContext{id: plugin.NewLoadContextID(), types: types}
}

func (c *fakeContext) ID() ulid.ULID   { return c.id }
func (c *fakeContext) Types() []string { return append([]string(nil), c.types...) }

func (c *fakeContext) Construct(ctx context.Context, typeName string, deps plugin.Resolver) (any, error) {
	if c.construct != nil {
		return c.construct(ctx, typeName, deps)
	}
	return typeName, nil
}

func (c *fakeContext) Release(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	return nil
}

func (c *fakeContext) Released() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// fakeRuntime hands out a fixed load context or error.
type fakeRuntime struct {
	typ plugin.Type
	lc  *fakeContext
	err error
}

func (r *fakeRuntime) Type() plugin.Type { return r.typ }

func (r *fakeRuntime) Load(context.Context, *plugin.Archive, ulid.ULID) (plugin.LoadContext, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.lc, nil
}
