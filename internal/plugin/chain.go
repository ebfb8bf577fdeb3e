// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin/capability"
)

// Handler publishes component instances of the capability groups it claims.
//
// Rollback must be idempotent: rolling back an instance the handler never
// accepted is a no-op, not an error.
type Handler interface {
	// Name identifies the handler in logs, metrics and errors.
	Name() string
	// Groups returns the group patterns the handler claims.
	Groups() []string
	// Order positions the handler: lower values handle first and roll back last.
	Order() int
	Handle(ctx context.Context, inst *Instance) error
	Rollback(ctx context.Context, inst *Instance) error
}

type registeredHandler struct {
	handler Handler
	name    string
	order   int
	seq     int
}

// Chain dispatches instances to every handler whose groups they match.
type Chain struct {
	mu       sync.RWMutex
	handlers []registeredHandler
	matcher  *capability.Matcher
	seq      int
	logger   *slog.Logger
}

// NewChain creates an empty dispatcher chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		matcher: capability.NewMatcher(),
		logger:  logger,
	}
}

// Register adds a handler. Handlers of equal order keep registration order.
func (c *Chain) Register(h Handler) error {
	name := h.Name()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.handlers {
		if r.name == name {
			return oops.In("chain").With("handler", name).Errorf("handler %q already registered", name)
		}
	}
	if err := c.matcher.Set(name, h.Groups()); err != nil {
		return oops.In("chain").With("handler", name).Wrap(err)
	}
	c.seq++
	c.handlers = append(c.handlers, registeredHandler{handler: h, name: name, order: h.Order(), seq: c.seq})
	sort.SliceStable(c.handlers, func(i, j int) bool {
		if c.handlers[i].order != c.handlers[j].order {
			return c.handlers[i].order < c.handlers[j].order
		}
		return c.handlers[i].seq < c.handlers[j].seq
	})
	return nil
}

// Handlers returns the registered handlers in dispatch order.
func (c *Chain) Handlers() []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Handler, len(c.handlers))
	for i, r := range c.handlers {
		out[i] = r.handler
	}
	return out
}

func (c *Chain) snapshot() []registeredHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]registeredHandler(nil), c.handlers...)
}

type acceptedPair struct {
	handler registeredHandler
	inst    *Instance
}

// DispatchInstall hands every instance to every matching handler, handler by
// handler in ascending order. On the first refusal it stops, rolls back every
// accepted pair in reverse acceptance order and returns a DispatchError.
func (c *Chain) DispatchInstall(ctx context.Context, instances []*Instance) error {
	var accepted []acceptedPair

	for _, r := range c.snapshot() {
		for _, inst := range instances {
			if !c.matcher.MatchAny(r.name, inst.Groups) {
				continue
			}
			if err := c.handle(ctx, r, inst); err != nil {
				de := &DispatchError{
					Handler:  r.name,
					Instance: inst.Name,
					Plugin:   inst.Plugin,
					Cause:    err,
				}
				de.RollbackErrs = c.unwind(ctx, accepted)
				c.logger.Warn("handler rejected component, batch rolled back",
					"handler", r.name,
					"component", inst.Name,
					"plugin", inst.Plugin,
					"rolled_back", len(accepted),
					"error", err)
				return newDispatchError(de)
			}
			accepted = append(accepted, acceptedPair{handler: r, inst: inst})
		}
	}
	return nil
}

func (c *Chain) handle(ctx context.Context, r registeredHandler, inst *Instance) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = oops.With("handler", r.name).Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, inst)
}

func (c *Chain) rollback(ctx context.Context, r registeredHandler, inst *Instance) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = oops.With("handler", r.name).Errorf("handler panic during rollback: %v", p)
		}
	}()
	return r.handler.Rollback(ctx, inst)
}

func (c *Chain) unwind(ctx context.Context, accepted []acceptedPair) []error {
	var errs []error
	for i := len(accepted) - 1; i >= 0; i-- {
		p := accepted[i]
		if err := c.rollback(ctx, p.handler, p.inst); err != nil {
			RecordRollbackFailure(p.handler.name)
			errs = append(errs, oops.In("chain").
				With("handler", p.handler.name).
				With("component", p.inst.Name).
				With("plugin", p.inst.Plugin).
				Wrap(err))
		}
	}
	return errs
}

// DispatchRollback calls Rollback on every matching handler for every
// instance, handlers in descending order. Errors are collected, never
// short-circuited.
func (c *Chain) DispatchRollback(ctx context.Context, instances []*Instance) []error {
	handlers := c.snapshot()
	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		r := handlers[i]
		for j := len(instances) - 1; j >= 0; j-- {
			inst := instances[j]
			if !c.matcher.MatchAny(r.name, inst.Groups) {
				continue
			}
			if err := c.rollback(ctx, r, inst); err != nil {
				RecordRollbackFailure(r.name)
				errs = append(errs, oops.In("chain").
					With("handler", r.name).
					With("component", inst.Name).
					With("plugin", inst.Plugin).
					Wrap(err))
			}
		}
	}
	return errs
}
