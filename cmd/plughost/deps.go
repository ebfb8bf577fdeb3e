// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/observability"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/goplugin"
	"github.com/holomush/plughost/internal/plugin/postgres"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// RegistryOpener opens the configured plugin registry.
	// Default: openRegistry
	RegistryOpener func(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (plugin.Registry, func(), error)

	// ObservabilityServerFactory creates the HTTP server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer

	// BinaryClientFactory starts binary plugin processes.
	// Default: goplugin.DefaultClientFactory
	BinaryClientFactory goplugin.ClientFactory

	// Ready is called once startup has finished. Used by tests to stop the
	// command through the context.
	Ready func(*plugin.Manager)
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
}

// Migrator wraps the methods used from postgres.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Pending() ([]uint, error)
	Close() error
}

var _ Migrator = (*postgres.Migrator)(nil)

// MigratorFactory creates a Migrator for a database URL.
// Replaced in tests.
var MigratorFactory = func(databaseURL string) (Migrator, error) {
	return postgres.NewMigrator(databaseURL)
}
