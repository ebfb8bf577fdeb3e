// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/plughost/internal/plugin"
)

// toLua converts a Go value into a value of the plugin's state. Callables
// become proxy tables whose methods forward to Call; components of the same
// state are passed through as their own table.
func (lc *loadContext) toLua(v any) lua.LValue {
	L := lc.L
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case *Component:
		if val.lc == lc {
			return val.obj
		}
		return lc.proxy(val)
	case plugin.Callable:
		return lc.proxy(val)
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lc.toLua(item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lc.toLua(item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// proxy wraps a Callable so Lua code can call dep:method(...).
func (lc *loadContext) proxy(target plugin.Callable) *lua.LTable {
	L := lc.L
	t := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(2)
		L.Push(L.NewFunction(func(L *lua.LState) int {
			args := make([]any, 0, L.GetTop())
			// Skip the receiver when called with ':'.
			start := 1
			if L.GetTop() >= 1 && L.Get(1) == t {
				start = 2
			}
			for i := start; i <= L.GetTop(); i++ {
				args = append(args, fromLua(L.Get(i)))
			}
			ret, err := target.Call(L.Context(), method, args...)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(lc.toLua(ret))
			return 1
		}))
		return 1
	}))
	L.SetMetatable(t, mt)
	return t
}

// fromLua converts a Lua value to plain Go values. Tables with only
// consecutive integer keys from 1 become slices, others become maps.
func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToGo(val)
	default:
		return v.String()
	}
}

func tableToGo(t *lua.LTable) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, fromLua(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		if _, ok := v.(*lua.LFunction); ok {
			return
		}
		out[k.String()] = fromLua(v)
	})
	return out
}
