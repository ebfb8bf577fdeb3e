// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin"
)

var _ plugin.Callable = (*Component)(nil)

// Component is a constructed Lua object. Calls are serialized on the
// plugin's state.
type Component struct {
	lc       *loadContext
	typeName string
	obj      *lua.LTable
}

// Type returns the Lua type (module) name.
func (c *Component) Type() string {
	return c.typeName
}

// Call invokes obj:method(args...) and returns its first result.
func (c *Component) Call(ctx context.Context, method string, args ...any) (any, error) {
	c.lc.mu.Lock()
	defer c.lc.mu.Unlock()
	return c.callLocked(ctx, method, args...)
}

func (c *Component) callLocked(ctx context.Context, method string, args ...any) (any, error) {
	if c.lc.closed {
		return nil, oops.In("lua").With("plugin", c.lc.plugin).With("type", c.typeName).Errorf("load context released")
	}

	L := c.lc.L
	fn, ok := L.GetField(c.obj, method).(*lua.LFunction)
	if !ok {
		return nil, oops.In("lua").
			With("plugin", c.lc.plugin).
			With("type", c.typeName).
			With("method", method).
			Errorf("%s has no method %q", c.typeName, method)
	}

	callArgs := make([]lua.LValue, 0, len(args)+1)
	callArgs = append(callArgs, c.obj)
	for _, a := range args {
		callArgs = append(callArgs, c.lc.toLua(a))
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, callArgs...); err != nil {
		return nil, oops.In("lua").
			With("plugin", c.lc.plugin).
			With("type", c.typeName).
			With("method", method).
			Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return fromLua(ret), nil
}
