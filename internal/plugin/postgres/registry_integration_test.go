// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/postgres"
)

var _ = Describe("Registry", Ordered, func() {
	var (
		ctx       context.Context
		container *tcpostgres.PostgresContainer
		pool      *pgxpool.Pool
		registry  *postgres.Registry
		connStr   string
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("plughost_test"),
			tcpostgres.WithUsername("plughost"),
			tcpostgres.WithPassword("plughost"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := postgres.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))
		Expect(dirty).To(BeFalse())
		Expect(migrator.Close()).To(Succeed())

		pool, err = postgres.Connect(ctx, connStr, postgres.DefaultConnectOptions, slog.Default())
		Expect(err).NotTo(HaveOccurred())
		registry = postgres.NewRegistry(pool)
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	descriptor := func(name string) *plugin.Descriptor {
		now := time.Now().UTC().Truncate(time.Microsecond)
		return &plugin.Descriptor{
			Name:        name,
			Version:     "1.0.0",
			Runtime:     plugin.TypeLua,
			Source:      "/plugins/" + name + ".zip",
			Checksum:    "c-" + name,
			Types:       []string{name + ".Type"},
			Components:  []plugin.ComponentRef{{Name: name, Type: name + ".Type", Groups: []string{"service"}}},
			Status:      plugin.StatusActive,
			InstalledAt: now,
			UpdatedAt:   now,
		}
	}

	It("saves and finds a descriptor", func() {
		d := descriptor("alpha")
		_, err := registry.Save(ctx, d)
		Expect(err).NotTo(HaveOccurred())

		found, err := registry.Find(ctx, "alpha")
		Expect(err).NotTo(HaveOccurred())
		Expect(found.Components).To(Equal(d.Components))
		Expect(found.Types).To(Equal(d.Types))
		Expect(found.InstalledAt.Equal(d.InstalledAt)).To(BeTrue())
	})

	It("upserts on save", func() {
		d := descriptor("alpha")
		d.Status = plugin.StatusFailed
		_, err := registry.Save(ctx, d)
		Expect(err).NotTo(HaveOccurred())

		found, err := registry.Find(ctx, "alpha")
		Expect(err).NotTo(HaveOccurred())
		Expect(found.Status).To(Equal(plugin.StatusFailed))
	})

	It("lists descriptors ordered by name", func() {
		_, err := registry.Save(ctx, descriptor("beta"))
		Expect(err).NotTo(HaveOccurred())

		list, err := registry.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		names := make([]string, 0, len(list))
		for _, d := range list {
			names = append(names, d.Name)
		}
		Expect(names).To(Equal([]string{"alpha", "beta"}))
	})

	It("removes descriptors and reports unknown names", func() {
		Expect(registry.Remove(ctx, "alpha")).To(Succeed())

		_, err := registry.Find(ctx, "alpha")
		Expect(plugin.IsNotFound(err)).To(BeTrue())
		Expect(plugin.IsNotFound(registry.Remove(ctx, "alpha"))).To(BeTrue())
	})

	It("drops the schema on migrate down", func() {
		migrator, err := postgres.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer migrator.Close()

		Expect(migrator.Down()).To(Succeed())
		_, err = registry.List(ctx)
		Expect(err).To(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
	})
})
