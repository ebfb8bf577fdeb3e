// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugintest provides archive builders and recording handlers for
// plugin lifecycle tests.
package plugintest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/holomush/plughost/internal/plugin"
)

// Zip builds an in-memory zip archive from path -> content.
func Zip(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WriteZip writes a zip archive into dir and returns its path.
func WriteZip(t testing.TB, dir, filename string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(p, Zip(t, files), 0o600))
	return p
}

// ManifestYAML renders a manifest.
func ManifestYAML(t testing.TB, m *plugin.Manifest) string {
	t.Helper()
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

// LuaModule returns the source of a Lua type whose instances answer
// :name() with the type name and :echo(x) with x.
func LuaModule(typeName string) string {
	return fmt.Sprintf(`local M = {}
M.__index = M

function M.new(deps)
  return setmetatable({deps = deps}, M)
end

function M:name()
  return %q
end

function M:echo(x)
  return x
end

return M
`, typeName)
}

// LuaPlugin builds the files of a Lua plugin defining types and declaring
// components. Each type becomes a module under lua/.
func LuaPlugin(t testing.TB, name string, types []string, components ...plugin.ComponentRef) map[string]string {
	t.Helper()
	files := map[string]string{
		plugin.ManifestFile: ManifestYAML(t, &plugin.Manifest{
			Name:       name,
			Version:    "1.0.0",
			Type:       plugin.TypeLua,
			Components: components,
		}),
	}
	for _, typ := range types {
		files[ModulePath(typ)] = LuaModule(typ)
	}
	return files
}

// ModulePath maps a type name to its module file under lua/.
func ModulePath(typeName string) string {
	return "lua/" + strings.ReplaceAll(typeName, ".", "/") + ".lua"
}

// Component is shorthand for a ComponentRef.
func Component(name, typeName string, groups ...string) plugin.ComponentRef {
	return plugin.ComponentRef{Name: name, Type: typeName, Groups: groups}
}

// Journal records handler calls across handlers in order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries returns a copy of the recorded entries, e.g. "handle:H1:greeter".
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Reset clears the journal.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// RecordingHandler is a Handler that records what it accepted. Rollback
// is idempotent.
type RecordingHandler struct {
	HandlerName  string
	HandlerOrder int
	GroupList    []string
	Journal      *Journal

	// FailOn makes Handle fail for the named instances.
	FailOn map[string]error
	// RollbackErr is returned by Rollback for accepted instances.
	RollbackErr error

	mu       sync.Mutex
	accepted map[string]string // instance -> plugin
}

var _ plugin.Handler = (*RecordingHandler)(nil)

// NewRecordingHandler creates a handler claiming groups.
func NewRecordingHandler(name string, order int, journal *Journal, groups ...string) *RecordingHandler {
	return &RecordingHandler{
		HandlerName:  name,
		HandlerOrder: order,
		GroupList:    groups,
		Journal:      journal,
		accepted:     make(map[string]string),
	}
}

func (h *RecordingHandler) Name() string     { return h.HandlerName }
func (h *RecordingHandler) Groups() []string { return h.GroupList }
func (h *RecordingHandler) Order() int       { return h.HandlerOrder }

// Handle accepts inst unless it is listed in FailOn.
func (h *RecordingHandler) Handle(_ context.Context, inst *plugin.Instance) error {
	if err, ok := h.FailOn[inst.Name]; ok {
		h.record("fail", inst)
		return err
	}
	h.mu.Lock()
	if h.accepted == nil {
		h.accepted = make(map[string]string)
	}
	h.accepted[inst.Name] = inst.Plugin
	h.mu.Unlock()
	h.record("handle", inst)
	return nil
}

// Rollback forgets inst. Unknown instances are a no-op.
func (h *RecordingHandler) Rollback(_ context.Context, inst *plugin.Instance) error {
	h.mu.Lock()
	_, ok := h.accepted[inst.Name]
	delete(h.accepted, inst.Name)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	h.record("rollback", inst)
	return h.RollbackErr
}

// Accepted returns the sorted names of currently accepted instances.
func (h *RecordingHandler) Accepted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.accepted))
	for name := range h.accepted {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *RecordingHandler) record(kind string, inst *plugin.Instance) {
	if h.Journal != nil {
		h.Journal.add(kind + ":" + h.HandlerName + ":" + inst.Name)
	}
}

// FailingRegistry wraps a registry and fails Save for chosen plugins.
type FailingRegistry struct {
	plugin.Registry
	FailSave map[string]error
}

// Save fails for plugins listed in FailSave.
func (r *FailingRegistry) Save(ctx context.Context, d *plugin.Descriptor) (*plugin.Descriptor, error) {
	if err, ok := r.FailSave[d.Name]; ok {
		return nil, err
	}
	return r.Registry.Save(ctx, d)
}
