// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres provides a PostgreSQL-backed plugin registry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/plughost/internal/plugin"
)

// poolIface is the subset of pgxpool.Pool used by the registry.
// pgxmock.PgxPoolIface satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ plugin.Registry = (*Registry)(nil)

// CodeQueryFailed marks database errors other than a missing row.
const CodeQueryFailed = "REGISTRY_QUERY_FAILED"

// Registry implements plugin.Registry using PostgreSQL.
type Registry struct {
	pool poolIface
}

// NewRegistry creates a registry over pool.
func NewRegistry(pool poolIface) *Registry {
	return &Registry{pool: pool}
}

// ConnectOptions tunes Connect.
type ConnectOptions struct {
	// MaxRetries bounds the ping attempts after the first.
	MaxRetries uint64
	// BaseDelay is the initial backoff between attempts.
	BaseDelay time.Duration
}

// DefaultConnectOptions retries for roughly ten seconds.
var DefaultConnectOptions = ConnectOptions{MaxRetries: 6, BaseDelay: 150 * time.Millisecond}

// Connect opens a pool and waits, with exponential backoff, until the
// database answers a ping.
func Connect(ctx context.Context, databaseURL string, opts ConnectOptions, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.Code("REGISTRY_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxRetries(opts.MaxRetries, retry.NewExponential(opts.BaseDelay))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if pingErr := pool.Ping(ctx); pingErr != nil {
			logger.WarnContext(ctx, "database not ready", "attempt", attempt, "error", pingErr)
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("REGISTRY_CONNECT_FAILED").With("attempts", attempt).Wrap(err)
	}
	return pool, nil
}

const selectColumns = `SELECT name, version, runtime, source, checksum, types, components,
	status, load_context_id, installed_at, updated_at FROM plugins`

// Save upserts d.
func (r *Registry) Save(ctx context.Context, d *plugin.Descriptor) (*plugin.Descriptor, error) {
	components, err := json.Marshal(d.Components)
	if err != nil {
		return nil, oops.With("operation", "encode components").With("plugin", d.Name).Wrap(err)
	}
	types := d.Types
	if types == nil {
		types = []string{}
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO plugins (name, version, runtime, source, checksum, types, components,
		     status, load_context_id, installed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (name) DO UPDATE SET
		     version = $2, runtime = $3, source = $4, checksum = $5, types = $6,
		     components = $7, status = $8, load_context_id = $9, updated_at = $11`,
		d.Name, d.Version, string(d.Runtime), d.Source, d.Checksum, types, components,
		string(d.Status), d.LoadContextID, d.InstalledAt, d.UpdatedAt)
	if err != nil {
		return nil, wrapQueryErr(err, "save plugin", d.Name)
	}
	return d.Clone(), nil
}

// Remove deletes the descriptor for name.
func (r *Registry) Remove(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM plugins WHERE name = $1`, name)
	if err != nil {
		return wrapQueryErr(err, "remove plugin", name)
	}
	if tag.RowsAffected() == 0 {
		return plugin.ErrNotFound(name)
	}
	return nil
}

// Find returns the descriptor for name.
func (r *Registry) Find(ctx context.Context, name string) (*plugin.Descriptor, error) {
	d, err := scanDescriptor(r.pool.QueryRow(ctx, selectColumns+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, plugin.ErrNotFound(name)
	}
	if err != nil {
		return nil, wrapQueryErr(err, "find plugin", name)
	}
	return d, nil
}

// List returns every descriptor ordered by name.
func (r *Registry) List(ctx context.Context) ([]*plugin.Descriptor, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` ORDER BY name`)
	if err != nil {
		return nil, wrapQueryErr(err, "list plugins", "")
	}
	defer rows.Close()

	out := make([]*plugin.Descriptor, 0)
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, oops.With("operation", "scan plugin row").Wrap(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate plugins").Wrap(err)
	}
	return out, nil
}

func scanDescriptor(row pgx.Row) (*plugin.Descriptor, error) {
	var (
		d                      plugin.Descriptor
		runtime, status        string
		types                  []string
		components             []byte
		installedAt, updatedAt time.Time
	)
	if err := row.Scan(&d.Name, &d.Version, &runtime, &d.Source, &d.Checksum, &types, &components,
		&status, &d.LoadContextID, &installedAt, &updatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers distinguish pgx.ErrNoRows
	}
	if err := json.Unmarshal(components, &d.Components); err != nil {
		return nil, oops.With("plugin", d.Name).Wrapf(err, "corrupt components column")
	}
	d.Runtime = plugin.Type(runtime)
	d.Status = plugin.Status(status)
	d.Types = types
	d.InstalledAt = installedAt
	d.UpdatedAt = updatedAt
	return &d, nil
}

// wrapQueryErr adds the operation context and, when the schema is missing,
// a hint to run the migrations.
func wrapQueryErr(err error, operation, name string) error {
	b := oops.Code(CodeQueryFailed).With("operation", operation)
	if name != "" {
		b = b.With("plugin", name)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		b = b.Hint("the plugins table does not exist; run `plughost migrate up`")
	}
	return b.Wrap(err)
}
