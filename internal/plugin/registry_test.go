// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

func descriptor(name string) *plugin.Descriptor {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &plugin.Descriptor{
		Name:        name,
		Version:     "1.0.0",
		Runtime:     plugin.TypeLua,
		Source:      "/plugins/" + name + ".zip",
		Checksum:    "abc",
		Types:       []string{name + ".T"},
		Components:  []plugin.ComponentRef{{Name: name, Type: name + ".T", Groups: []string{"service"}}},
		Status:      plugin.StatusActive,
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := plugin.NewMemoryRegistry()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := reg.Save(ctx, descriptor(name))
		require.NoError(t, err)
	}

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "bravo", list[1].Name)
	assert.Equal(t, "charlie", list[2].Name)

	d, err := reg.Find(ctx, "bravo")
	require.NoError(t, err)
	assert.Equal(t, descriptor("bravo"), d)

	updated := descriptor("bravo")
	updated.Status = plugin.StatusFailed
	_, err = reg.Save(ctx, updated)
	require.NoError(t, err)
	d, err = reg.Find(ctx, "bravo")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, d.Status)

	require.NoError(t, reg.Remove(ctx, "bravo"))
	_, err = reg.Find(ctx, "bravo")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeNotFound)

	err = reg.Remove(ctx, "bravo")
	assert.True(t, plugin.IsNotFound(err))
}

func TestMemoryRegistry_StoresCopies(t *testing.T) {
	ctx := context.Background()
	reg := plugin.NewMemoryRegistry()

	d := descriptor("alpha")
	_, err := reg.Save(ctx, d)
	require.NoError(t, err)
	d.Types[0] = "mutated"
	d.Components[0].Groups[0] = "mutated"

	found, err := reg.Find(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha.T"}, found.Types)
	assert.Equal(t, []string{"service"}, found.Components[0].Groups)

	found.Status = plugin.StatusRemoved
	again, err := reg.Find(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusActive, again.Status)
}

func TestDescriptor_Clone(t *testing.T) {
	var nilDesc *plugin.Descriptor
	assert.Nil(t, nilDesc.Clone())

	d := descriptor("alpha")
	c := d.Clone()
	assert.Equal(t, d, c)

	c.Types[0] = "changed"
	c.Components[0].Groups[0] = "changed"
	assert.Equal(t, "alpha.T", d.Types[0])
	assert.Equal(t, "service", d.Components[0].Groups[0])

	names := d.TypeNames()
	names[0] = "changed"
	assert.Equal(t, "alpha.T", d.Types[0])
}
