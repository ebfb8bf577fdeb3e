// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/pkg/errutil"
)

func TestDirs(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (string, error)
		env  map[string]string
		want string
	}{
		{"config from env", ConfigDir, map[string]string{"XDG_CONFIG_HOME": "/custom/config"}, "/custom/config/plughost"},
		{"config default", ConfigDir, map[string]string{"XDG_CONFIG_HOME": "", "HOME": "/home/u"}, "/home/u/.config/plughost"},
		{"data from env", DataDir, map[string]string{"XDG_DATA_HOME": "/custom/data"}, "/custom/data/plughost"},
		{"data default", DataDir, map[string]string{"XDG_DATA_HOME": "", "HOME": "/home/u"}, "/home/u/.local/share/plughost"},
		{"state from env", StateDir, map[string]string{"XDG_STATE_HOME": "/custom/state"}, "/custom/state/plughost"},
		{"state default", StateDir, map[string]string{"XDG_STATE_HOME": "", "HOME": "/home/u"}, "/home/u/.local/state/plughost"},
		{"runtime from env", RuntimeDir, map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000"}, "/run/user/1000/plughost"},
		{"runtime fallback", RuntimeDir, map[string]string{"XDG_RUNTIME_DIR": "", "XDG_STATE_HOME": "/s"}, "/s/plughost/run"},
		{"config file", ConfigFile, map[string]string{"XDG_CONFIG_HOME": "/c"}, "/c/plughost/config.yaml"},
		{"plugins dir", PluginsDir, map[string]string{"XDG_DATA_HOME": "/d"}, "/d/plughost/plugins"},
		{"registry file", RegistryFile, map[string]string{"XDG_STATE_HOME": "/s"}, "/s/plughost/registry.yaml"},
		{"work dir", WorkDir, map[string]string{"XDG_RUNTIME_DIR": "/r"}, "/r/plughost/work"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirs_NoHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")

	_, err := ConfigDir()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "XDG_NO_HOME")
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir")

	require.NoError(t, EnsureDir(path))
	require.NoError(t, EnsureDir(path), "idempotent")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestEnsureDir_Fails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	err := EnsureDir(filepath.Join(file, "sub"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "XDG_MKDIR_FAILED")
}
