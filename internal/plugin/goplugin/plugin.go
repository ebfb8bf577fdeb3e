// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/holomush/plughost/pkg/pluginsdk"
)

// HandshakeConfig is shared with pluginsdk so both sides of the handshake
// agree on the cookie.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap dispenses the catalog client. The host never serves a catalog,
// so the plugin needs no implementation.
var PluginMap = map[string]goplugin.Plugin{
	pluginsdk.CatalogPluginName: &pluginsdk.CatalogPlugin{},
}
