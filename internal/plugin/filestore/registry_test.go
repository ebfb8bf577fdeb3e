// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/filestore"
	"github.com/holomush/plughost/pkg/errutil"
)

func descriptor(name string) *plugin.Descriptor {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return &plugin.Descriptor{
		Name:        name,
		Version:     "1.2.3",
		Runtime:     plugin.TypeLua,
		Source:      "/plugins/" + name + ".zip",
		Checksum:    "sum-" + name,
		Types:       []string{name + ".T"},
		Components:  []plugin.ComponentRef{{Name: name, Type: name + ".T", Groups: []string{"service"}}},
		Status:      plugin.StatusActive,
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	r, err := filestore.Open(filepath.Join(t.TempDir(), "nested", "registry.yaml"))
	require.NoError(t, err)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins: [unclosed"), 0o600))

	_, err := filestore.Open(path)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "REGISTRY_READ_FAILED")
}

func TestRegistry_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "registry.yaml")

	r, err := filestore.Open(path)
	require.NoError(t, err)
	_, err = r.Save(ctx, descriptor("b.plugin"))
	require.NoError(t, err)
	_, err = r.Save(ctx, descriptor("a.plugin"))
	require.NoError(t, err)

	reopened, err := filestore.Open(path)
	require.NoError(t, err)
	list, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.plugin", list[0].Name)
	assert.Equal(t, descriptor("b.plugin"), list[1])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestRegistry_Remove(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := filestore.Open(path)
	require.NoError(t, err)
	_, err = r.Save(ctx, descriptor("p"))
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "p"))
	err = r.Remove(ctx, "p")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeNotFound)

	reopened, err := filestore.Open(path)
	require.NoError(t, err)
	_, err = reopened.Find(ctx, "p")
	assert.True(t, plugin.IsNotFound(err))
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r, err := filestore.Open(filepath.Join(t.TempDir(), "registry.yaml"))
	require.NoError(t, err)

	d := descriptor("p")
	_, err = r.Save(ctx, d)
	require.NoError(t, err)
	d.Types[0] = "mutated"

	found, err := r.Find(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "p.T", found.Types[0])
}

func TestRegistry_SaveFailureKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	r, err := filestore.Open(path)
	require.NoError(t, err)

	// A directory in place of the registry file makes the rename fail.
	require.NoError(t, os.Mkdir(path, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0o600))

	_, err = r.Save(ctx, descriptor("p"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "REGISTRY_WRITE_FAILED")

	_, err = r.Find(ctx, "p")
	assert.True(t, plugin.IsNotFound(err))
}
