// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plughost/pkg/errutil"
)

const tracerName = "github.com/holomush/plughost/internal/plugin"

// Manager orchestrates plugin installation and removal.
//
// Installs are atomic: a failed install leaves the registry, the type index
// and every handler exactly as they were. Uninstalls favour forward progress:
// handler rollback errors are logged and the plugin is removed anyway.
type Manager struct {
	registry Registry
	loader   *Loader
	factory  *Factory
	chain    *Chain
	index    *TypeIndex
	logger   *slog.Logger
	tracer   trace.Tracer
	observer PhaseObserver

	runtimes    []Runtime
	resolver    Resolver
	constructor Constructor
	parallelism int

	names    keyedMutex
	commitMu sync.Mutex

	mu      sync.Mutex
	live    map[string]*livePlugin
	pending []*stagedPlugin
	closed  bool
}

type livePlugin struct {
	desc      *Descriptor
	lc        LoadContext
	instances []*Instance
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRuntime registers a plugin runtime.
func WithRuntime(rt Runtime) ManagerOption {
	return func(m *Manager) {
		m.runtimes = append(m.runtimes, rt)
	}
}

// WithResolver sets the resolver used to wire component dependencies.
func WithResolver(r Resolver) ManagerOption {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithConstructor replaces the default load-context constructor.
func WithConstructor(c Constructor) ManagerOption {
	return func(m *Manager) {
		m.constructor = c
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPhaseObserver registers a callback for phase transitions.
func WithPhaseObserver(o PhaseObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithParallelism bounds how many archives InstallAll stages at once.
func WithParallelism(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

// NewManager creates a plugin manager backed by registry.
// Panics if registry is nil.
func NewManager(registry Registry, opts ...ManagerOption) *Manager {
	if registry == nil {
		panic("plugin.NewManager: registry cannot be nil")
	}
	m := &Manager{
		registry:    registry,
		index:       NewTypeIndex(),
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		parallelism: 1,
		live:        make(map[string]*livePlugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.constructor == nil {
		m.constructor = ContextConstructor{Resolver: m.resolver}
	}
	m.loader = NewLoader(m.logger, m.runtimes...)
	m.factory = NewFactory(m.constructor)
	m.chain = NewChain(m.logger)
	return m
}

// RegisterHandler adds a capability handler to the dispatcher chain.
func (m *Manager) RegisterHandler(h Handler) error {
	return m.chain.Register(h)
}

// Index exposes the global type index for inspection.
func (m *Manager) Index() *TypeIndex {
	return m.index
}

// InstallOption configures a single install.
type InstallOption func(*installOptions)

type installOptions struct {
	replace bool
}

// WithReplace replaces an installed plugin of the same name. Installing an
// archive whose checksum matches the installed one is a no-op.
func WithReplace() InstallOption {
	return func(o *installOptions) {
		o.replace = true
	}
}

// Install runs the full install transaction for source and returns the
// active descriptor.
func (m *Manager) Install(ctx context.Context, source string, opts ...InstallOption) (*Descriptor, error) {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := m.tracer.Start(ctx, "plugin.install",
		trace.WithAttributes(attribute.String("plugin.source", source)))
	defer span.End()

	desc, err := m.install(ctx, source, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("plugin.name", desc.Name))
	return desc, nil
}

func (m *Manager) install(ctx context.Context, source string, o installOptions) (*Descriptor, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed()
	}

	tx := newTransaction("install", source, PhaseIdle, m.observer, m.logger)
	tx.advance(PhaseLoading)

	archive, err := OpenArchive(source)
	if err != nil {
		return nil, tx.abort(err)
	}
	name := archive.Manifest.Name
	tx.plugin = name

	unlock := m.names.Lock(name)
	defer unlock()

	if existing, err := m.activeDescriptor(ctx, name, false); err != nil {
		return nil, tx.abort(err)
	} else if existing != nil {
		if !o.replace {
			return nil, tx.abort(ErrExists(name))
		}
		if existing.Checksum == archive.Checksum {
			m.logger.Info("plugin already installed, skipping",
				"plugin", name,
				"version", existing.Version)
			tx.succeed(OutcomeSkipped)
			return existing, nil
		}
	}
	if m.isPending(name) {
		return nil, tx.abort(ErrExists(name))
	}

	// The installed version keeps serving until the new one is committed.
	// CheckConflicts ignores types owned by name itself.
	s, err := m.prepare(ctx, tx, archive, nil)
	if err != nil {
		return nil, err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := CheckConflicts(name, s.loaded.Types, m.index); err != nil {
		// Checking already passed once; a conflict here means another
		// plugin committed the type in the meantime.
		m.release(ctx, name, s.loaded.Context)
		return nil, tx.abort(err)
	}

	prev := m.livePlugin(name)
	if prev != nil {
		for _, rbErr := range m.chain.DispatchRollback(ctx, prev.instances) {
			errutil.LogError(m.logger, "handler rollback failed while replacing plugin", rbErr)
		}
	}

	tx.advance(PhaseDispatching)
	if err := m.chain.DispatchInstall(ctx, s.instances); err != nil {
		m.release(ctx, name, s.loaded.Context)
		m.republish(ctx, prev)
		return nil, tx.abort(err)
	}

	tx.advance(PhaseCommitting)
	var prevDesc *Descriptor
	if prev != nil {
		prevDesc = prev.desc
	}
	saved, err := m.commit(ctx, s, prevDesc)
	if err != nil {
		m.unpublish(ctx, s.instances)
		m.release(ctx, name, s.loaded.Context)
		m.republish(ctx, prev)
		return nil, tx.abort(err)
	}
	if prev != nil {
		m.release(ctx, name, prev.lc)
	}

	tx.advance(PhaseActive)
	tx.succeed(OutcomeSuccess)
	m.logger.Info("plugin installed",
		"plugin", name,
		"version", saved.Version,
		"runtime", saved.Runtime,
		"components", len(saved.Components),
		"replaced", prev != nil)
	return saved, nil
}

func (m *Manager) livePlugin(name string) *livePlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[name]
}

// republish hands the instances of a replaced plugin back to the handlers
// after its replacement failed. Requires commitMu.
func (m *Manager) republish(ctx context.Context, prev *livePlugin) {
	if prev == nil {
		return
	}
	if err := m.chain.DispatchInstall(ctx, prev.instances); err != nil {
		errutil.LogError(m.logger, "failed to republish replaced plugin",
			oops.With("plugin", prev.desc.Name).Wrap(err))
	}
}

// stagedPlugin is a plugin that passed Loading, Checking and Instantiating.
type stagedPlugin struct {
	tx        *transaction
	loaded    *Loaded
	instances []*Instance
}

func (s *stagedPlugin) name() string {
	return s.loaded.Archive.Manifest.Name
}

// prepare runs Loading (runtime part), Checking and Instantiating. extra
// adds staged owners to the conflict view.
func (m *Manager) prepare(ctx context.Context, tx *transaction, archive *Archive, extra TypeIndexView) (*stagedPlugin, error) {
	name := archive.Manifest.Name

	loaded, err := m.loader.Load(ctx, archive)
	if err != nil {
		return nil, tx.abort(err)
	}

	tx.advance(PhaseChecking)
	view := TypeIndexView(m.index)
	if extra != nil {
		view = extra
	}
	if err := CheckConflicts(name, loaded.Types, view); err != nil {
		m.release(ctx, name, loaded.Context)
		return nil, tx.abort(err)
	}
	if err := ctx.Err(); err != nil {
		m.release(ctx, name, loaded.Context)
		return nil, tx.abort(ErrLoad(archive.Source, err))
	}

	tx.advance(PhaseInstantiating)
	instances, err := m.factory.InstantiateAll(ctx, name, loaded.Context, loaded.Components)
	if err != nil {
		m.release(ctx, name, loaded.Context)
		return nil, tx.abort(err)
	}

	return &stagedPlugin{tx: tx, loaded: loaded, instances: instances}, nil
}

// commit indexes and persists one dispatched plugin, replacing prev when
// set. On failure the index is restored to prev; the caller unpublishes
// and releases.
func (m *Manager) commit(ctx context.Context, s *stagedPlugin, prev *Descriptor) (*Descriptor, error) {
	name := s.name()
	desc := s.loaded.Descriptor()
	now := time.Now().UTC()
	desc.Status = StatusActive
	desc.InstalledAt = now
	desc.UpdatedAt = now
	if prev != nil {
		desc.InstalledAt = prev.InstalledAt
	}

	m.index.Remove(name)
	m.index.Add(name, desc.Types)
	saved, err := m.registry.Save(ctx, desc)
	if err != nil {
		m.index.Remove(name)
		if prev != nil {
			m.index.Add(name, prev.Types)
		}
		return nil, oops.Code(CodeCommitFailed).
			With("plugin", name).
			With("operation", "save descriptor").
			Wrap(err)
	}

	m.mu.Lock()
	m.live[name] = &livePlugin{desc: saved.Clone(), lc: s.loaded.Context, instances: s.instances}
	ActivePlugins.Set(float64(len(m.live)))
	m.mu.Unlock()
	return saved, nil
}

// unpublish rolls back dispatched instances after a failed commit.
func (m *Manager) unpublish(ctx context.Context, instances []*Instance) {
	for _, err := range m.chain.DispatchRollback(ctx, instances) {
		errutil.LogError(m.logger, "handler rollback failed after commit error", err)
	}
}

// activeDescriptor returns the active descriptor for name, if any. When
// restoring, only plugins live in this process count.
func (m *Manager) activeDescriptor(ctx context.Context, name string, restoring bool) (*Descriptor, error) {
	m.mu.Lock()
	lp, ok := m.live[name]
	m.mu.Unlock()
	if ok {
		return lp.desc.Clone(), nil
	}
	if restoring {
		return nil, nil
	}

	d, err := m.registry.Find(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, oops.With("plugin", name).With("operation", "find descriptor").Wrap(err)
	}
	if d.Status != StatusActive {
		return nil, nil
	}
	return d, nil
}

// Uninstall removes an active plugin. Handler rollback failures are logged
// and do not stop the removal.
func (m *Manager) Uninstall(ctx context.Context, name string) (*Descriptor, error) {
	ctx, span := m.tracer.Start(ctx, "plugin.uninstall",
		trace.WithAttributes(attribute.String("plugin.name", name)))
	defer span.End()

	if m.isClosed() {
		return nil, ErrManagerClosed()
	}

	unlock := m.names.Lock(name)
	defer unlock()

	desc, err := m.uninstallLocked(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "uninstall failed")
		return nil, err
	}
	return desc, nil
}

// uninstallLocked requires the name lock for name.
func (m *Manager) uninstallLocked(ctx context.Context, name string) (*Descriptor, error) {
	start := time.Now()
	desc, err := m.registry.Find(ctx, name)
	if err != nil {
		RecordTransaction("uninstall", OutcomeFailure, time.Since(start))
		if IsNotFound(err) {
			return nil, err
		}
		return nil, oops.With("plugin", name).With("operation", "find descriptor").Wrap(err)
	}

	tx := newTransaction("uninstall", desc.Source, PhaseActive, m.observer, m.logger)
	tx.plugin = name

	instances := instancesFor(desc)
	if lp := m.livePlugin(name); lp != nil {
		instances = lp.instances
	}

	m.commitMu.Lock()
	rollbackErrs := m.chain.DispatchRollback(ctx, instances)
	for _, rbErr := range rollbackErrs {
		errutil.LogError(m.logger, "handler rollback failed during uninstall", rbErr)
	}
	m.index.Remove(name)
	removeErr := m.registry.Remove(ctx, name)
	m.commitMu.Unlock()

	m.mu.Lock()
	lp := m.live[name]
	delete(m.live, name)
	ActivePlugins.Set(float64(len(m.live)))
	m.mu.Unlock()
	if lp != nil {
		m.release(ctx, name, lp.lc)
	}

	tx.advance(PhaseRemoved)
	desc.Status = StatusRemoved
	desc.UpdatedAt = time.Now().UTC()

	if removeErr != nil && !IsNotFound(removeErr) {
		tx.succeed(OutcomeFailure)
		return desc, oops.Code(CodeCommitFailed).
			With("plugin", name).
			With("operation", "remove descriptor").
			Wrap(removeErr)
	}

	tx.succeed(OutcomeSuccess)
	m.logger.Info("plugin uninstalled",
		"plugin", name,
		"rollback_errors", len(rollbackErrs))
	return desc, nil
}

// List returns every descriptor in the registry.
func (m *Manager) List(ctx context.Context) ([]*Descriptor, error) {
	ds, err := m.registry.List(ctx)
	if err != nil {
		return nil, oops.With("operation", "list descriptors").Wrap(err)
	}
	return ds, nil
}

// Get returns the descriptor of name.
func (m *Manager) Get(ctx context.Context, name string) (*Descriptor, error) {
	d, err := m.registry.Find(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, oops.With("plugin", name).With("operation", "find descriptor").Wrap(err)
	}
	return d, nil
}

// Live returns the names of plugins whose load context is held by this
// process, sorted.
func (m *Manager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close discards the pending batch and releases every load context. Active
// descriptors stay in the registry so they can be restored.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = nil
	live := m.live
	m.live = make(map[string]*livePlugin)
	ActivePlugins.Set(0)
	m.mu.Unlock()

	for _, s := range pending {
		m.release(ctx, s.name(), s.loaded.Context)
	}

	var firstErr error
	for name, lp := range live {
		if err := lp.lc.Release(ctx); err != nil {
			errutil.LogError(m.logger, "failed to release load context", err)
			if firstErr == nil {
				firstErr = oops.With("plugin", name).With("operation", "release load context").Wrap(err)
			}
		}
	}
	return firstErr
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) release(ctx context.Context, name string, lc LoadContext) {
	if err := lc.Release(ctx); err != nil {
		m.logger.Warn("failed to release load context",
			"plugin", name,
			"load_context", lc.ID().String(),
			"error", err)
	}
}
