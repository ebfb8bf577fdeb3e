// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/config"
	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/filestore"
	"github.com/holomush/plughost/internal/plugin/postgres"
	"github.com/holomush/plughost/internal/xdg"
)

// openRegistry opens the registry selected by cfg.Driver. The returned
// function releases it.
func openRegistry(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (plugin.Registry, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return plugin.NewMemoryRegistry(), func() {}, nil

	case config.DriverFile:
		if err := xdg.EnsureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, nil, err
		}
		reg, err := filestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file registry", "path", reg.Path())
		return reg, func() {}, nil

	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.DefaultConnectOptions, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := migrateUp(cfg.DatabaseURL, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("using postgres registry")
		return postgres.NewRegistry(pool), pool.Close, nil
	}
	return nil, nil, oops.Code(config.CodeInvalid).
		With("registry.driver", cfg.Driver).
		Errorf("unknown registry driver %q", cfg.Driver)
}

func migrateUp(databaseURL string, logger *slog.Logger) error {
	m, err := MigratorFactory(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	if err := m.Up(); err != nil {
		return err
	}
	version, _, err := m.Version()
	if err != nil {
		return err
	}
	logger.Info("registry schema migrated", "version", version)
	return nil
}
