// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/logging"
	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/goplugin"
	"github.com/holomush/plughost/internal/plugin/handlers"
	"github.com/holomush/plughost/internal/plugin/lua"
	"github.com/holomush/plughost/internal/plugin/watch"
	"github.com/holomush/plughost/internal/xdg"
	"github.com/holomush/plughost/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Run the plugin host. Previously installed plugins are restored from the
registry, the plugin directory is installed as one batch when autoload is
enabled, and archive changes are applied live when watch is enabled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the host until a signal arrives or ctx is done.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.RegistryOpener == nil {
		deps.RegistryOpener = openRegistry
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer {
			return observability.NewServer(addr, ready, opts...)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.SetDefault("plughost", version, cfg.Log.Format, level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry, closeRegistry, err := deps.RegistryOpener(ctx, cfg.Registry, logger)
	if err != nil {
		return oops.With("operation", "open registry").Wrap(err)
	}
	defer closeRegistry()

	if err := xdg.EnsureDir(cfg.Plugins.Workdir); err != nil {
		return err
	}
	binaryOpts := []goplugin.Option{
		goplugin.WithWorkdir(cfg.Plugins.Workdir),
		goplugin.WithCallTimeout(cfg.Plugins.CallTimeout),
		goplugin.WithLogger(logger),
	}
	if deps.BinaryClientFactory != nil {
		binaryOpts = append(binaryOpts, goplugin.WithClientFactory(deps.BinaryClientFactory))
	}

	services := handlers.NewServices(logger)
	endpoints := handlers.NewEndpoints(logger)

	mgr := plugin.NewManager(registry,
		plugin.WithLogger(logger),
		plugin.WithRuntime(lua.NewRuntime(lua.WithLogger(logger))),
		plugin.WithRuntime(goplugin.NewRuntime(binaryOpts...)),
		plugin.WithResolver(services),
		plugin.WithParallelism(cfg.Plugins.Parallelism),
	)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if closeErr := mgr.Close(shutdownCtx); closeErr != nil {
			errutil.LogError(logger, "error closing plugin manager", closeErr)
		}
	}()
	for _, h := range []plugin.Handler{services, endpoints} {
		if err := mgr.RegisterHandler(h); err != nil {
			return err
		}
	}

	var ready atomic.Bool
	var obsServer ObservabilityServer
	if cfg.HTTP.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.HTTP.Addr, ready.Load,
			observability.WithHandler(handlers.EndpointsPrefix, endpoints),
			observability.WithLogger(logger))
		plugin.RegisterMetrics(obsServer.Registry())

		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := obsServer.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	restored, err := mgr.Restore(ctx)
	if err != nil {
		errutil.LogError(logger, "failed to restore plugins", err)
	}
	logger.Info("plugins restored", "count", len(restored))

	if cfg.Plugins.Autoload {
		autoload(ctx, mgr, cfg.Plugins.Dir, logger)
	}

	if cfg.Plugins.Watch {
		if err := xdg.EnsureDir(cfg.Plugins.Dir); err != nil {
			return err
		}
		w := watch.New(cfg.Plugins.Dir, mgr,
			watch.WithDebounce(cfg.Plugins.WatchDebounce),
			watch.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if stopErr := w.Stop(); stopErr != nil {
				logger.Warn("error stopping plugin watcher", "error", stopErr)
			}
		}()
	}

	ready.Store(true)
	cmd.Println("plughost started")
	logger.Info("plughost ready",
		"plugins", len(mgr.Live()),
		"registry", cfg.Registry.Driver,
		"http_addr", cfg.HTTP.Addr)
	if deps.Ready != nil {
		deps.Ready(mgr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}
	ready.Store(false)
	return nil
}

// autoload installs every archive of dir as one batch. Failures are logged;
// the host keeps running with whatever was active before.
func autoload(ctx context.Context, mgr *plugin.Manager, dir string, logger *slog.Logger) {
	staged, err := mgr.InstallAll(ctx, dir)
	if err != nil {
		errutil.LogError(logger, "failed to stage plugin directory", err, "dir", dir)
		return
	}
	if len(staged) == 0 {
		logger.Info("no new plugins to install", "dir", dir)
		return
	}
	installed, err := mgr.Submit(ctx)
	if err != nil {
		errutil.LogError(logger, "failed to install plugin directory", err, "dir", dir)
		return
	}
	logger.Info("plugin directory installed", "dir", dir, "count", len(installed))
}

// monitorServerErrors cancels ctx when the server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
