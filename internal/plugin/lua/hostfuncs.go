// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// registerHostFunctions installs the "host" table:
//
//	host.log(level, message)  -- level is debug, info, warn or error
//	host.plugin()             -- name of the calling plugin
func registerHostFunctions(L *lua.LState, pluginName string, logger *slog.Logger) {
	host := L.NewTable()
	plog := logger.With("plugin", pluginName)

	L.SetField(host, "log", L.NewFunction(func(L *lua.LState) int {
		level := strings.ToLower(L.CheckString(1))
		msg := L.CheckString(2)
		ctx := L.Context()
		switch level {
		case "debug":
			plog.DebugContext(ctx, msg)
		case "info":
			plog.InfoContext(ctx, msg)
		case "warn":
			plog.WarnContext(ctx, msg)
		case "error":
			plog.ErrorContext(ctx, msg)
		default:
			L.ArgError(1, "level must be debug, info, warn or error")
		}
		return 0
	}))

	L.SetField(host, "plugin", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(pluginName))
		return 1
	}))

	L.SetGlobal("host", host)
}
