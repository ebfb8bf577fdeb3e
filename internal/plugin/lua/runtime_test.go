// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	pluginlua "github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/plugintest"
	"github.com/holomush/plughost/pkg/errutil"
)

func loadArchive(t *testing.T, files map[string]string) *plugin.Archive {
	t.Helper()
	a, err := plugin.ReadArchive("test.zip", plugintest.Zip(t, files))
	require.NoError(t, err)
	return a
}

func manifest(t *testing.T, name string) string {
	return plugintest.ManifestYAML(t, &plugin.Manifest{Name: name, Version: "1.0.0", Type: plugin.TypeLua})
}

func load(t *testing.T, rt *pluginlua.Runtime, files map[string]string) plugin.LoadContext {
	t.Helper()
	lc, err := rt.Load(context.Background(), loadArchive(t, files), plugin.NewLoadContextID())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lc.Release(context.Background()) })
	return lc
}

var noDeps = plugin.ResolverFunc(func(_ context.Context, name string) (any, error) {
	return nil, errors.New("unexpected dependency " + name)
})

func TestRuntime_Type(t *testing.T) {
	assert.Equal(t, plugin.TypeLua, pluginlua.NewRuntime().Type())
}

func TestRuntime_Load_TypesAreTableModules(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile:           manifest(t, "com.example.greeter"),
		"lua/com/example/Greeter.lua": plugintest.LuaModule("com.example.Greeter"),
		"lua/com/example/util.lua":    `return {}`,
		"lua/com/example/script.lua":  `local x = 1`,
		"README.md":                   "ignored",
	})

	assert.Equal(t, []string{"com.example.Greeter", "com.example.util"}, lc.Types())
}

func TestRuntime_Load_CustomRoot(t *testing.T) {
	m := &plugin.Manifest{
		Name: "rooted", Version: "1.0.0", Type: plugin.TypeLua,
		LuaPlugin: &plugin.LuaConfig{Root: "src"},
	}
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: plugintest.ManifestYAML(t, m),
		"src/a/B.lua":       `return {}`,
	})
	assert.Equal(t, []string{"a.B"}, lc.Types())
}

func TestRuntime_Load_RequireWithinArchive(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile:   manifest(t, "req"),
		"lua/lib/strings.lua": `return { shout = function(s) return string.upper(s) .. "!" end }`,
		"lua/app/Loud.lua": `
local strings = require("lib.strings")
local M = {}
M.__index = M
function M.new() return setmetatable({}, M) end
function M:say(s) return strings.shout(s) end
return M
`,
	})

	v, err := lc.Construct(context.Background(), "app.Loud", noDeps)
	require.NoError(t, err)
	out, err := v.(plugin.Callable).Call(context.Background(), "say", "hi")
	require.NoError(t, err)
	assert.Equal(t, "HI!", out)
}

func TestRuntime_Load_Failures(t *testing.T) {
	tests := []struct {
		name    string
		modules map[string]string
		wantMsg string
	}{
		{
			name:    "no modules",
			modules: map[string]string{},
			wantMsg: "no Lua modules",
		},
		{
			name:    "syntax error",
			modules: map[string]string{"lua/bad.lua": `return {`},
			wantMsg: "bad",
		},
		{
			name:    "unresolved require",
			modules: map[string]string{"lua/a.lua": `return require("missing.mod")`},
			wantMsg: "missing.mod",
		},
		{
			name: "require cycle",
			modules: map[string]string{
				"lua/a.lua": `return require("b")`,
				"lua/b.lua": `return require("a")`,
			},
			wantMsg: "cycle",
		},
		{
			name:    "runtime error",
			modules: map[string]string{"lua/a.lua": `error("boom")`},
			wantMsg: "boom",
		},
		{
			name:    "sandbox escape",
			modules: map[string]string{"lua/a.lua": `return os.exit(1)`},
			wantMsg: "exit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{plugin.ManifestFile: manifest(t, "broken")}
			for k, v := range tt.modules {
				files[k] = v
			}
			_, err := pluginlua.NewRuntime().Load(context.Background(), loadArchive(t, files), plugin.NewLoadContextID())
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, plugin.CodeLoadFailed)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadContext_Construct_ResolvesDependencies(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: manifest(t, "deps"),
		"lua/Greeter.lua": `
local M = {requires = {"clock"}}
M.__index = M
function M.new(deps) return setmetatable({clock = deps.clock}, M) end
function M:greet(who) return "hello " .. who .. " at " .. self.clock:now() end
return M
`,
	})

	clock := &stubCallable{results: map[string]any{"now": "noon"}}
	resolver := plugin.ResolverFunc(func(_ context.Context, name string) (any, error) {
		require.Equal(t, "clock", name)
		return clock, nil
	})

	v, err := lc.Construct(context.Background(), "Greeter", resolver)
	require.NoError(t, err)

	out, err := v.(plugin.Callable).Call(context.Background(), "greet", "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob at noon", out)
	assert.Equal(t, []string{"now"}, clock.calls)
}

func TestLoadContext_Construct_DependencyFailure(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: manifest(t, "deps"),
		"lua/Greeter.lua":   `return {requires = {"db"}}`,
	})

	_, err := lc.Construct(context.Background(), "Greeter", noDeps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}

func TestLoadContext_Construct_WithoutNewCopiesTypeTable(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: manifest(t, "plain"),
		"lua/Plain.lua":     `return { hello = function(self) return "hi" end, answer = 42 }`,
	})

	v, err := lc.Construct(context.Background(), "Plain", noDeps)
	require.NoError(t, err)
	out, err := v.(plugin.Callable).Call(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestLoadContext_Construct_Errors(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: manifest(t, "errs"),
		"lua/Bad.lua":       `return { new = function() return 5 end }`,
		"lua/Boom.lua":      `return { new = function() error("ctor failed") end }`,
	})

	_, err := lc.Construct(context.Background(), "Bad", noDeps)
	assert.ErrorContains(t, err, "want table")

	_, err = lc.Construct(context.Background(), "Boom", noDeps)
	assert.ErrorContains(t, err, "ctor failed")

	_, err = lc.Construct(context.Background(), "Missing", noDeps)
	assert.ErrorContains(t, err, "not defined")
}

func TestComponent_Call_ConvertsValues(t *testing.T) {
	lc := load(t, pluginlua.NewRuntime(), map[string]string{
		plugin.ManifestFile: manifest(t, "conv"),
		"lua/Conv.lua": `
local M = {}
M.__index = M
function M.new() return setmetatable({}, M) end
function M:list() return {1, 2, 3} end
function M:map() return {a = "x", b = true} end
function M:sum(t) local s = 0; for _, v in ipairs(t) do s = s + v end; return s end
function M:half(n) return n / 2 end
return M
`,
	})
	v, err := lc.Construct(context.Background(), "Conv", noDeps)
	require.NoError(t, err)
	c := v.(plugin.Callable)
	ctx := context.Background()

	out, err := c.Call(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)

	out, err = c.Call(ctx, "map")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "x", "b": true}, out)

	out, err = c.Call(ctx, "sum", []any{1, 2, 3.5})
	require.NoError(t, err)
	assert.Equal(t, 6.5, out)

	out, err = c.Call(ctx, "half", 3)
	require.NoError(t, err)
	assert.Equal(t, 1.5, out)

	_, err = c.Call(ctx, "nope")
	assert.ErrorContains(t, err, "no method")
}

func TestLoadContext_Release(t *testing.T) {
	rt := pluginlua.NewRuntime()
	lc, err := rt.Load(context.Background(), loadArchive(t, map[string]string{
		plugin.ManifestFile: manifest(t, "rel"),
		"lua/T.lua":         plugintest.LuaModule("T"),
	}), plugin.NewLoadContextID())
	require.NoError(t, err)

	v, err := lc.Construct(context.Background(), "T", noDeps)
	require.NoError(t, err)

	require.NoError(t, lc.Release(context.Background()))
	require.NoError(t, lc.Release(context.Background()), "release is idempotent")

	_, err = v.(plugin.Callable).Call(context.Background(), "name")
	assert.ErrorContains(t, err, "released")

	_, err = lc.Construct(context.Background(), "T", noDeps)
	assert.ErrorContains(t, err, "released")
}

func TestHostFunctions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rt := pluginlua.NewRuntime(pluginlua.WithLogger(logger))

	lc := load(t, rt, map[string]string{
		plugin.ManifestFile: manifest(t, "com.example.logger"),
		"lua/L.lua": `
local M = {}
M.__index = M
function M.new() return setmetatable({}, M) end
function M:run() host.log("info", "hello from " .. host.plugin()); return host.plugin() end
return M
`,
	})

	v, err := lc.Construct(context.Background(), "L", noDeps)
	require.NoError(t, err)
	out, err := v.(plugin.Callable).Call(context.Background(), "run")
	require.NoError(t, err)

	assert.Equal(t, "com.example.logger", out)
	assert.Contains(t, buf.String(), "hello from com.example.logger")
	assert.Contains(t, buf.String(), "plugin=com.example.logger")
}

type stubCallable struct {
	results map[string]any
	calls   []string
}

func (s *stubCallable) Call(_ context.Context, method string, _ ...any) (any, error) {
	s.calls = append(s.calls, method)
	return s.results[method], nil
}
