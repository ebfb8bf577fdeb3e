// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua provides the sandboxed Lua plugin runtime. Each plugin gets a
// private Lua state that serves as its load context.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// openers maps the libraries a sandbox may open. os, io, debug and package
// are never available.
var openers = map[string]lua.LGFunction{
	lua.BaseLibName:   lua.OpenBase,
	lua.TabLibName:    lua.OpenTable,
	lua.StringLibName: lua.OpenString,
	lua.MathLibName:   lua.OpenMath,
}

// blockedGlobals load code from outside the archive. The runtime installs
// its own archive-scoped require.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// Sandbox describes the Lua states handed to plugins.
type Sandbox struct {
	// Libraries are opened in order. Unknown names fail Open.
	Libraries []string
	// CallStackSize bounds recursion depth inside plugin code.
	CallStackSize int
}

// DefaultSandbox opens base, table, string and math.
func DefaultSandbox() Sandbox {
	return Sandbox{
		Libraries:     []string{lua.BaseLibName, lua.TabLibName, lua.StringLibName, lua.MathLibName},
		CallStackSize: 256,
	}
}

// Open creates a fresh state.
func (s Sandbox) Open(_ context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: s.CallStackSize,
	})

	for _, name := range s.Libraries {
		open, ok := openers[name]
		if !ok {
			L.Close()
			return nil, oops.In("lua").With("library", name).Errorf("library %q is not allowed in the sandbox", name)
		}
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(open), Protect: true}, lua.LString(name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", name).Wrapf(err, "open library")
		}
	}

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}
