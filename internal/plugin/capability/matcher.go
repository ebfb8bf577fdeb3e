// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability matches component capability groups against the group
// patterns claimed by handlers.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "service" matches only "service"
//   - "endpoint.*" matches "endpoint.http" but NOT "endpoint.http.admin"
//   - "endpoint.**" matches both "endpoint.http" AND "endpoint.http.admin"
package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// compiledPattern holds a pattern and its compiled glob.
type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

// Matcher records the group patterns claimed by each subject (handler).
//
// Matcher is safe for concurrent use. The zero value is ready to use.
type Matcher struct {
	patterns map[string][]compiledPattern // subject -> compiled patterns
	mu       sync.RWMutex
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		patterns: make(map[string][]compiledPattern),
	}
}

// Compile validates a group pattern list without registering it.
func Compile(patterns []string) error {
	_, err := compileAll(patterns)
	return err
}

func compileAll(patterns []string) ([]compiledPattern, error) {
	compiled := make([]compiledPattern, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, fmt.Errorf("group %d: empty group pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("group %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledPattern{pattern: pattern, glob: g}
	}
	return compiled, nil
}

// Set configures the group patterns of a subject. Either every pattern
// compiles and replaces the previous set, or nothing changes.
func (m *Matcher) Set(subject string, patterns []string) error {
	if subject == "" {
		return errors.New("subject cannot be empty")
	}

	compiled, err := compileAll(patterns)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.patterns == nil {
		m.patterns = make(map[string][]compiledPattern)
	}
	m.patterns[subject] = compiled
	return nil
}

// Remove unregisters a subject. Safe to call for unknown subjects.
func (m *Matcher) Remove(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, subject)
}

// Patterns returns a copy of the patterns of a subject, or nil if unknown.
func (m *Matcher) Patterns(subject string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	compiled, ok := m.patterns[subject]
	if !ok {
		return nil
	}
	out := make([]string, len(compiled))
	for i, c := range compiled {
		out[i] = c.pattern
	}
	return out
}

// Subjects returns the registered subjects in sorted order.
func (m *Matcher) Subjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.patterns))
	for s := range m.patterns {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Match reports whether group matches any pattern of subject. Unknown
// subjects and empty groups never match.
func (m *Matcher) Match(subject, group string) bool {
	if group == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.patterns[subject] {
		if p.glob.Match(group) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any of groups matches subject.
func (m *Matcher) MatchAny(subject string, groups []string) bool {
	for _, g := range groups {
		if m.Match(subject, g) {
			return true
		}
	}
	return false
}
