// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Runtime     = (*Runtime)(nil)
	_ plugin.LoadContext = (*loadContext)(nil)
)

// Runtime loads Lua plugin archives.
type Runtime struct {
	sandbox Sandbox
	logger  *slog.Logger
}

// Option configures the Runtime.
type Option func(*Runtime)

// WithLogger sets the logger plugins write to through host.log.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// WithSandbox replaces the default sandbox.
func WithSandbox(s Sandbox) Option {
	return func(r *Runtime) {
		r.sandbox = s
	}
}

// NewRuntime creates a Lua runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		sandbox: DefaultSandbox(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Type implements plugin.Runtime.
func (r *Runtime) Type() plugin.Type {
	return plugin.TypeLua
}

// Load creates a private Lua state, loads every module of the archive and
// records each module that returns a table as a type.
func (r *Runtime) Load(ctx context.Context, archive *plugin.Archive, id ulid.ULID) (plugin.LoadContext, error) {
	m := archive.Manifest
	root := m.LuaRoot()

	sources := make(map[string]string)
	err := archive.Walk(root, func(file string, data []byte) error {
		if !strings.HasSuffix(file, ".lua") {
			return nil
		}
		sources[moduleName(root, file)] = string(data)
		return nil
	})
	if err != nil {
		return nil, plugin.ErrLoad(archive.Source, err)
	}
	if len(sources) == 0 {
		return nil, plugin.ErrLoadf(archive.Source, "no Lua modules found under %s/", root)
	}

	L, err := r.sandbox.Open(ctx)
	if err != nil {
		return nil, plugin.ErrLoad(archive.Source, err)
	}

	lc := &loadContext{
		id:      id,
		plugin:  m.Name,
		L:       L,
		sources: sources,
		loaded:  make(map[string]lua.LValue),
		loading: make(map[string]bool),
	}
	registerHostFunctions(L, m.Name, r.logger)
	L.SetGlobal("require", L.NewFunction(lc.luaRequire))

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	L.SetContext(ctx)
	defer L.RemoveContext()
	for _, name := range names {
		if _, err := lc.require(name); err != nil {
			L.Close()
			return nil, plugin.ErrLoad(archive.Source, err)
		}
	}

	for _, name := range names {
		if _, ok := lc.loaded[name].(*lua.LTable); ok {
			lc.types = append(lc.types, name)
		}
	}

	return lc, nil
}

// moduleName maps "lua/com/example/Greeter.lua" to "com.example.Greeter".
func moduleName(root, file string) string {
	rel := strings.TrimPrefix(file, root+"/")
	if root == "" || root == "." {
		rel = file
	}
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	return strings.ReplaceAll(rel, "/", ".")
}

// loadContext is the Lua state of one plugin.
type loadContext struct {
	id     ulid.ULID
	plugin string

	mu      sync.Mutex
	L       *lua.LState
	sources map[string]string
	loaded  map[string]lua.LValue
	loading map[string]bool
	types   []string
	closed  bool
}

func (lc *loadContext) ID() ulid.ULID {
	return lc.id
}

func (lc *loadContext) Types() []string {
	return append([]string(nil), lc.types...)
}

// require resolves a module inside the archive. Callers hold the state.
func (lc *loadContext) require(name string) (lua.LValue, error) {
	if v, ok := lc.loaded[name]; ok {
		return v, nil
	}
	if lc.loading[name] {
		return nil, oops.With("module", name).Errorf("module %q is required while it is loading (require cycle)", name)
	}
	src, ok := lc.sources[name]
	if !ok {
		return nil, oops.With("module", name).Errorf("module %q not found in plugin archive", name)
	}

	fn, err := lc.L.Load(strings.NewReader(src), "@"+name)
	if err != nil {
		return nil, oops.With("module", name).Hint("syntax error").Wrap(err)
	}

	lc.loading[name] = true
	defer delete(lc.loading, name)

	if err := lc.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(name)); err != nil {
		return nil, oops.With("module", name).Wrap(err)
	}
	ret := lc.L.Get(-1)
	lc.L.Pop(1)
	if ret == lua.LNil {
		ret = lua.LTrue
	}
	lc.loaded[name] = ret
	return ret, nil
}

func (lc *loadContext) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)
	v, err := lc.require(name)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(v)
	return 1
}

// Construct calls Type.new(deps) when defined, otherwise copies the type
// table. Dependencies listed in Type.requires are resolved first.
func (lc *loadContext) Construct(ctx context.Context, typeName string, deps plugin.Resolver) (any, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.closed {
		return nil, oops.With("plugin", lc.plugin).Errorf("load context released")
	}

	typ, ok := lc.loaded[typeName].(*lua.LTable)
	if !ok {
		return nil, oops.With("type", typeName).Errorf("type %q is not defined by plugin %s", typeName, lc.plugin)
	}

	depTable := lc.L.NewTable()
	if req, ok := typ.RawGetString("requires").(*lua.LTable); ok {
		var resolveErr error
		req.ForEach(func(_, v lua.LValue) {
			if resolveErr != nil {
				return
			}
			name := v.String()
			dep, err := deps.Resolve(ctx, name)
			if err != nil {
				resolveErr = oops.With("dependency", name).Wrap(err)
				return
			}
			depTable.RawSetString(name, lc.toLua(dep))
		})
		if resolveErr != nil {
			return nil, resolveErr
		}
	}

	lc.L.SetContext(ctx)
	defer lc.L.RemoveContext()

	var obj *lua.LTable
	if newFn, ok := typ.RawGetString("new").(*lua.LFunction); ok {
		if err := lc.L.CallByParam(lua.P{Fn: newFn, NRet: 1, Protect: true}, depTable); err != nil {
			return nil, oops.With("type", typeName).Wrap(err)
		}
		ret := lc.L.Get(-1)
		lc.L.Pop(1)
		t, ok := ret.(*lua.LTable)
		if !ok {
			return nil, oops.With("type", typeName).Errorf("%s.new returned %s, want table", typeName, ret.Type().String())
		}
		obj = t
	} else {
		obj = lc.L.NewTable()
		typ.ForEach(func(k, v lua.LValue) {
			obj.RawSet(k, v)
		})
		obj.RawSetString("deps", depTable)
	}

	return &Component{lc: lc, typeName: typeName, obj: obj}, nil
}

// Release closes the Lua state. Calls on components of a released context fail.
func (lc *loadContext) Release(_ context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.closed {
		return nil
	}
	lc.closed = true
	lc.L.Close()
	lc.loaded = nil
	return nil
}
