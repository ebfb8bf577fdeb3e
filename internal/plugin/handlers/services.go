// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package handlers provides the reference capability handlers: a named
// service registry and HTTP endpoints for callable components.
package handlers

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
)

// Error codes returned by the reference handlers.
const (
	CodeServiceNotFound  = "SERVICE_NOT_FOUND"
	CodeServiceConflict  = "SERVICE_CONFLICT"
	CodeEndpointConflict = "ENDPOINT_CONFLICT"
	CodeNotCallable      = "COMPONENT_NOT_CALLABLE"
)

// ServicesGroup is the capability group claimed by Services.
const ServicesGroup = "service"

var (
	_ plugin.Handler  = (*Services)(nil)
	_ plugin.Resolver = (*Services)(nil)
)

type published struct {
	plugin string
	value  any
}

// Services publishes components of the "service" group under their
// instance name and resolves them as dependencies of later components.
type Services struct {
	mu       sync.RWMutex
	services map[string]published
	logger   *slog.Logger
}

// NewServices creates an empty service registry.
func NewServices(logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	return &Services{
		services: make(map[string]published),
		logger:   logger,
	}
}

func (s *Services) Name() string     { return "services" }
func (s *Services) Groups() []string { return []string{ServicesGroup} }
func (s *Services) Order() int       { return 0 }

// Handle publishes inst. A name already published by another instance is
// rejected.
func (s *Services) Handle(ctx context.Context, inst *plugin.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.services[inst.Name]; ok {
		return oops.Code(CodeServiceConflict).
			In("services").
			With("service", inst.Name).
			With("owner", cur.plugin).
			Errorf("service %q is already provided by plugin %s", inst.Name, cur.plugin)
	}
	s.services[inst.Name] = published{plugin: inst.Plugin, value: inst.Value()}
	s.logger.DebugContext(ctx, "service published", "service", inst.Name, "plugin", inst.Plugin)
	return nil
}

// Rollback withdraws inst if this plugin published it.
func (s *Services) Rollback(ctx context.Context, inst *plugin.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.services[inst.Name]
	if !ok || cur.plugin != inst.Plugin {
		return nil
	}
	delete(s.services, inst.Name)
	s.logger.DebugContext(ctx, "service withdrawn", "service", inst.Name, "plugin", inst.Plugin)
	return nil
}

// Resolve implements plugin.Resolver.
func (s *Services) Resolve(_ context.Context, name string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.services[name]
	if !ok {
		return nil, oops.Code(CodeServiceNotFound).
			In("services").
			With("service", name).
			Hint("install the plugin providing the service first").
			Errorf("service %q not found", name)
	}
	return p.value, nil
}

// Names returns the published service names, sorted.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
