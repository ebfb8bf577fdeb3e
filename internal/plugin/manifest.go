// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin provides transactional installation, activation and
// removal of plugins in a running host.
package plugin

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the system.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// ManifestFile is the manifest name at the root of every plugin archive.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string              `json:"name" yaml:"name" jsonschema:"description=Dotted lowercase plugin name"`
	Version      string              `json:"version" yaml:"version" jsonschema:"description=Semantic version"`
	Type         Type                `json:"type" yaml:"type" jsonschema:"enum=lua,enum=binary"`
	Author       string              `json:"author,omitempty" yaml:"author,omitempty"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	LuaPlugin    *LuaConfig          `json:"lua-plugin,omitempty" yaml:"lua-plugin,omitempty"`
	BinaryPlugin *BinaryConfig       `json:"binary-plugin,omitempty" yaml:"binary-plugin,omitempty"`
	Components   []ComponentRef      `json:"components,omitempty" yaml:"components,omitempty"`
	Scan         map[string][]string `json:"scan,omitempty" yaml:"scan,omitempty" jsonschema:"description=Capability group to type name prefixes"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Root string `json:"root,omitempty" yaml:"root,omitempty" jsonschema:"description=Directory holding Lua modules (default lua)"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `json:"executable" yaml:"executable"`
}

// DefaultLuaRoot is used when lua-plugin.root is not set.
const DefaultLuaRoot = "lua"

// LuaRoot returns the module root of a Lua plugin.
func (m *Manifest) LuaRoot() string {
	if m.LuaPlugin == nil || m.LuaPlugin.Root == "" {
		return DefaultLuaRoot
	}
	return strings.Trim(m.LuaPlugin.Root, "/")
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 128

// namePattern validates plugin names: dot separated segments, each starting
// with a lowercase letter followed by lowercase letters, digits or hyphens.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)*$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must be dot separated segments of a-z, 0-9 and hyphens, each starting with a-z", m.Name)
	}
	if strings.HasSuffix(m.Name, "-") || strings.Contains(m.Name, "-.") {
		return fmt.Errorf("name %q segments must not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a valid semantic version: %w", m.Version, err)
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin != nil && strings.Contains(m.LuaPlugin.Root, "..") {
			return fmt.Errorf("lua-plugin.root must not contain '..'")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil {
			return fmt.Errorf("binary-plugin is required when type is binary")
		}
		if m.BinaryPlugin.Executable == "" {
			return fmt.Errorf("binary-plugin.executable is required")
		}
		if strings.Contains(m.BinaryPlugin.Executable, "..") {
			return fmt.Errorf("binary-plugin.executable must not contain '..'")
		}
	default:
		return fmt.Errorf("type must be 'lua' or 'binary', got %q", m.Type)
	}

	seen := make(map[string]struct{}, len(m.Components))
	for i, c := range m.Components {
		if c.Name == "" {
			return fmt.Errorf("components[%d].name is required", i)
		}
		if c.Type == "" {
			return fmt.Errorf("components[%d].type is required", i)
		}
		if len(c.Groups) == 0 {
			return fmt.Errorf("components[%d] (%s) must declare at least one group", i, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate component name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}

	for group, prefixes := range m.Scan {
		if group == "" {
			return fmt.Errorf("scan group must not be empty")
		}
		for _, p := range prefixes {
			if p == "" {
				return fmt.Errorf("scan.%s contains an empty prefix", group)
			}
		}
	}

	return nil
}

// ResolveComponents combines the explicit components with every type matched
// by a scan prefix. Scanned types use their type name as instance name and
// merge groups with an explicit component of the same name.
func (m *Manifest) ResolveComponents(types []string) ([]ComponentRef, error) {
	available := make(map[string]struct{}, len(types))
	for _, t := range types {
		available[t] = struct{}{}
	}

	refs := make([]ComponentRef, 0, len(m.Components))
	byName := make(map[string]int, len(m.Components))
	for _, c := range m.Components {
		if _, ok := available[c.Type]; !ok {
			return nil, fmt.Errorf("component %s references unknown type %s", c.Name, c.Type)
		}
		byName[c.Name] = len(refs)
		refs = append(refs, ComponentRef{Name: c.Name, Type: c.Type, Groups: append([]string(nil), c.Groups...)})
	}

	groups := make([]string, 0, len(m.Scan))
	for g := range m.Scan {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	sorted := append([]string(nil), types...)
	sort.Strings(sorted)

	for _, group := range groups {
		for _, t := range sorted {
			if !hasAnyPrefix(t, m.Scan[group]) {
				continue
			}
			if idx, ok := byName[t]; ok {
				if !containsString(refs[idx].Groups, group) {
					refs[idx].Groups = append(refs[idx].Groups, group)
				}
				continue
			}
			byName[t] = len(refs)
			refs = append(refs, ComponentRef{Name: t, Type: t, Groups: []string{group}})
		}
	}

	return refs, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if s == p || strings.HasPrefix(s, strings.TrimSuffix(p, ".")+".") {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
