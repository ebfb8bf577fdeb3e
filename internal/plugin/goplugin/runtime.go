// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin provides the runtime for binary plugins using
// HashiCorp's go-plugin system over gRPC.
package goplugin

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// DefaultCallTimeout bounds a single call into a plugin process.
const DefaultCallTimeout = 5 * time.Second

// Compile-time interface checks.
var (
	_ plugin.Runtime     = (*Runtime)(nil)
	_ plugin.LoadContext = (*loadContext)(nil)
	_ plugin.Callable    = (*Component)(nil)
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	// Logger receives go-plugin's own logs and the plugin's stderr.
	// NewRuntime routes it into the runtime's slog logger when nil.
	Logger hclog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath is extracted from a validated plugin archive
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           f.Logger,
	})
}

// pluginLogger adapts logger for go-plugin.
func pluginLogger(logger *slog.Logger) hclog.Logger {
	return hclog.FromStandardLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo), &hclog.LoggerOptions{
		Name:  "goplugin",
		Level: hclog.Info,
	})
}

// Runtime loads binary plugin archives. Each load context runs its own
// plugin process from an executable extracted into the work directory.
type Runtime struct {
	clientFactory ClientFactory
	workdir       string
	callTimeout   time.Duration
	logger        *slog.Logger
}

// Option configures the Runtime.
type Option func(*Runtime)

// WithClientFactory replaces the go-plugin client factory (for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(r *Runtime) {
		r.clientFactory = f
	}
}

// WithWorkdir sets where executables are extracted. Defaults to os.TempDir().
func WithWorkdir(dir string) Option {
	return func(r *Runtime) {
		r.workdir = dir
	}
}

// WithCallTimeout bounds each call into the plugin process.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.callTimeout = d
	}
}

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// NewRuntime creates a binary plugin runtime.
// Panics if a nil client factory is configured.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		clientFactory: &DefaultClientFactory{},
		callTimeout:   DefaultCallTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clientFactory == nil {
		panic("goplugin: client factory cannot be nil")
	}
	if f, ok := r.clientFactory.(*DefaultClientFactory); ok && f.Logger == nil {
		f.Logger = pluginLogger(r.logger)
	}
	return r
}

// Type implements plugin.Runtime.
func (r *Runtime) Type() plugin.Type {
	return plugin.TypeBinary
}

// Load extracts the plugin executable, starts it and reads its catalog.
func (r *Runtime) Load(ctx context.Context, archive *plugin.Archive, id ulid.ULID) (plugin.LoadContext, error) {
	m := archive.Manifest
	if m.BinaryPlugin == nil {
		return nil, plugin.ErrLoadf(archive.Source, "plugin %s is not a binary plugin", m.Name)
	}

	data, ok := archive.File(m.BinaryPlugin.Executable)
	if !ok {
		return nil, plugin.ErrLoadf(archive.Source, "plugin executable not found in archive: %s", m.BinaryPlugin.Executable)
	}

	dir, err := os.MkdirTemp(r.workdir, "plughost-"+m.Name+"-")
	if err != nil {
		return nil, plugin.ErrLoad(archive.Source, oops.Wrapf(err, "create work directory"))
	}
	execPath := filepath.Join(dir, filepath.Base(m.BinaryPlugin.Executable))
	if err := os.WriteFile(execPath, data, 0o700); err != nil { //nolint:gosec // plugin executables must be executable
		_ = os.RemoveAll(dir)
		return nil, plugin.ErrLoad(archive.Source, oops.Wrapf(err, "extract executable"))
	}

	client := r.clientFactory.NewClient(execPath)
	fail := func(err error) (plugin.LoadContext, error) {
		client.Kill()
		_ = os.RemoveAll(dir)
		return nil, plugin.ErrLoad(archive.Source, err)
	}

	rpcClient, err := client.Client()
	if err != nil {
		return fail(oops.Wrapf(err, "failed to connect to plugin %s", m.Name))
	}

	raw, err := rpcClient.Dispense(pluginsdk.CatalogPluginName)
	if err != nil {
		return fail(oops.Wrapf(err, "failed to dispense plugin %s", m.Name))
	}

	catalog, ok := raw.(pluginsdk.Catalog)
	if !ok {
		return fail(oops.Errorf("plugin %s does not implement the catalog", m.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	types, err := catalog.Types(callCtx)
	if err != nil {
		return fail(oops.Wrapf(err, "failed to list types of plugin %s", m.Name))
	}

	r.logger.DebugContext(ctx, "binary plugin started",
		"plugin", m.Name,
		"types", len(types),
		"load_context", id.String())

	return &loadContext{
		id:          id,
		plugin:      m.Name,
		dir:         dir,
		client:      client,
		catalog:     catalog,
		types:       types,
		callTimeout: r.callTimeout,
	}, nil
}

// loadContext owns one plugin process.
type loadContext struct {
	id          ulid.ULID
	plugin      string
	dir         string
	client      PluginClient
	catalog     pluginsdk.Catalog
	types       []string
	callTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func (lc *loadContext) ID() ulid.ULID {
	return lc.id
}

func (lc *loadContext) Types() []string {
	return append([]string(nil), lc.types...)
}

// Construct builds a component in the plugin process. Binary components
// receive no dependencies; the resolver is not consulted.
func (lc *loadContext) Construct(ctx context.Context, typeName string, _ plugin.Resolver) (any, error) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	if lc.closed {
		return nil, oops.With("plugin", lc.plugin).Errorf("load context released")
	}

	callCtx, cancel := context.WithTimeout(ctx, lc.callTimeout)
	defer cancel()
	handle, err := lc.catalog.Construct(callCtx, typeName)
	if err != nil {
		return nil, oops.With("plugin", lc.plugin).With("type", typeName).Wrap(err)
	}
	return &Component{lc: lc, typeName: typeName, handle: handle}, nil
}

// Release kills the plugin process and removes the extracted executable.
func (lc *loadContext) Release(_ context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.closed {
		return nil
	}
	lc.closed = true
	lc.client.Kill()
	if err := os.RemoveAll(lc.dir); err != nil {
		return oops.With("plugin", lc.plugin).Wrapf(err, "remove work directory")
	}
	return nil
}

// Component is a handle to an object living in a plugin process.
//
// The read lock is held for the duration of the call so Release waits for
// in-flight calls before killing the process.
type Component struct {
	lc       *loadContext
	typeName string
	handle   uint64
}

// Type returns the component's type name.
func (c *Component) Type() string {
	return c.typeName
}

// Call invokes method in the plugin process.
func (c *Component) Call(ctx context.Context, method string, args ...any) (any, error) {
	c.lc.mu.RLock()
	defer c.lc.mu.RUnlock()
	if c.lc.closed {
		return nil, oops.With("plugin", c.lc.plugin).With("type", c.typeName).Errorf("load context released")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.lc.callTimeout)
	defer cancel()
	ret, err := c.lc.catalog.Call(callCtx, c.handle, method, args)
	if err != nil {
		return nil, oops.
			With("plugin", c.lc.plugin).
			With("type", c.typeName).
			With("method", method).
			Wrapf(err, "plugin %s %s.%s failed", c.lc.plugin, c.typeName, method)
	}
	return ret, nil
}
