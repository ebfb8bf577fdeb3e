// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building plughost binary plugins.
//
// A binary plugin is an executable shipped inside a plugin archive. The host
// starts it through HashiCorp go-plugin and talks to it over gRPC. The plugin
// exposes a catalog of types; the host constructs components from those
// types and calls methods on them.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/holomush/plughost/pkg/pluginsdk"
//	)
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			Types: map[string]pluginsdk.Constructor{
//				"example.Echo": func(context.Context) (pluginsdk.Component, error) {
//					return pluginsdk.Methods{
//						"echo": func(_ context.Context, args []any) (any, error) {
//							return args, nil
//						},
//					}, nil
//				},
//			},
//		})
//	}
package pluginsdk

import (
	"context"
	"sort"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"
	"google.golang.org/grpc"
)

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGHOST_PLUGIN",
	MagicCookieValue: "plughost-v1",
}

// CatalogPluginName is the key under which the catalog is dispensed.
const CatalogPluginName = "catalog"

// Component is an object constructed inside the plugin process.
// Arguments and results must be JSON-like values: nil, bool, numbers,
// strings, []any and map[string]any.
type Component interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Constructor builds a new component of one type.
type Constructor func(ctx context.Context) (Component, error)

// MethodFunc implements a single component method.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Methods is a Component dispatching by method name.
type Methods map[string]MethodFunc

// Call implements Component.
func (m Methods) Call(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, oops.With("method", method).Errorf("no method %q", method)
	}
	return fn(ctx, args)
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Types maps type names to constructors.
	// Required; Serve will panic if empty.
	Types map[string]Constructor
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if len(config.Types) == 0 {
		panic("pluginsdk: config.Types cannot be empty")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			CatalogPluginName: &CatalogPlugin{Types: config.Types},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// CatalogPlugin implements go-plugin's Plugin interface for gRPC.
// Types is only used on the plugin side.
type CatalogPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	Types map[string]Constructor
}

// GRPCServer registers the catalog service (called by plugin process).
func (p *CatalogPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if len(p.Types) == 0 {
		return oops.Errorf("pluginsdk: no types to serve")
	}
	s.RegisterService(&CatalogServiceDesc, NewCatalogServer(p.Types))
	return nil
}

// GRPCClient returns a Catalog client (called by host process).
func (p *CatalogPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewCatalogClient(c), nil
}

func sortedKeys(m map[string]Constructor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
