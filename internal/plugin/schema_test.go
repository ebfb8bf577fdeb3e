// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
)

func TestValidateSchema_Valid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "minimal lua",
			yaml: `
name: echo
version: 1.0.0
type: lua
`,
		},
		{
			name: "lua with components and scan",
			yaml: `
name: com.example.echo
version: 1.0.0
type: lua
author: someone
description: echoes things
lua-plugin:
  root: src
components:
  - name: echo
    type: com.example.Echo
    groups: [service]
scan:
  endpoint: [com.example.http]
`,
		},
		{
			name: "binary",
			yaml: `
name: metrics
version: 2.1.0
type: binary
binary-plugin:
  executable: metrics-linux-amd64
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, plugin.ValidateSchema([]byte(tt.yaml)))
		})
	}
}

func TestValidateSchema_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"invalid yaml", "name: test\nversion: 1.0.0\ntype: [invalid"},
		{"missing name", "version: 1.0.0\ntype: lua\n"},
		{"missing version", "name: test\ntype: lua\n"},
		{"missing type", "name: test\nversion: 1.0.0\n"},
		{"unknown type", "name: test\nversion: 1.0.0\ntype: wasm\n"},
		{"unknown field", "name: test\nversion: 1.0.0\ntype: lua\nevents: [say]\n"},
		{"component missing groups", "name: test\nversion: 1.0.0\ntype: lua\ncomponents:\n  - {name: c, type: T}\n"},
		{"scan not a list", "name: test\nversion: 1.0.0\ntype: lua\nscan:\n  service: prefix\n"},
		{"binary missing executable", "name: test\nversion: 1.0.0\ntype: binary\nbinary-plugin: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, plugin.ValidateSchema([]byte(tt.yaml)))
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, plugin.SchemaID(), doc["$id"])
	assert.Equal(t, "plughost Plugin Manifest", doc["title"])

	for _, field := range []string{`"name"`, `"version"`, `"type"`, `"lua-plugin"`, `"binary-plugin"`, `"components"`, `"scan"`} {
		assert.Contains(t, string(data), field)
	}
}

func TestSchemaID(t *testing.T) {
	assert.True(t, strings.HasSuffix(plugin.SchemaID(), "plugin.schema.json"))
	assert.Contains(t, plugin.SchemaID(), "plughost")
}

func TestValidateSchema_YAMLScalars(t *testing.T) {
	err := plugin.ValidateSchema([]byte("name: test\nversion: 2024-01-01\ntype: lua\n"))
	require.NoError(t, err, "timestamp-like scalars stay strings")

	err = plugin.ValidateSchema([]byte("name: test\nversion: 1.0.0\ntype: lua\ncomponents: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}
