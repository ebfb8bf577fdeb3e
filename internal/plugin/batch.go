// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/plughost/pkg/errutil"
)

// ArchiveExt is the file extension of packaged plugin archives.
const ArchiveExt = ".zip"

type stageOptions struct {
	// skipInstalled returns without staging when the same archive is
	// already active.
	skipInstalled bool
	// restoring ignores active registry entries that have no live
	// load context in this process.
	restoring bool
}

// Stage loads, checks and instantiates source and parks it in the pending
// batch. Nothing is published until Submit.
func (m *Manager) Stage(ctx context.Context, source string) (*Descriptor, error) {
	return m.stage(ctx, source, stageOptions{})
}

func (m *Manager) stage(ctx context.Context, source string, o stageOptions) (*Descriptor, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed()
	}

	tx := newTransaction("stage", source, PhaseIdle, m.observer, m.logger)
	tx.advance(PhaseLoading)

	archive, err := OpenArchive(source)
	if err != nil {
		return nil, tx.abort(err)
	}
	name := archive.Manifest.Name
	tx.plugin = name

	unlock := m.names.Lock(name)
	defer unlock()

	existing, err := m.activeDescriptor(ctx, name, o.restoring)
	if err != nil {
		return nil, tx.abort(err)
	}
	if existing != nil {
		if o.skipInstalled && existing.Checksum == archive.Checksum {
			m.logger.Info("plugin already installed, skipping",
				"plugin", name,
				"source", source)
			tx.succeed(OutcomeSkipped)
			return nil, nil
		}
		return nil, tx.abort(ErrExists(name))
	}
	if m.isPending(name) {
		return nil, tx.abort(ErrExists(name))
	}

	s, err := m.prepare(ctx, tx, archive, m.pendingView())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.release(ctx, name, s.loaded.Context)
		return nil, tx.abort(ErrManagerClosed())
	}
	m.pending = append(m.pending, s)
	m.mu.Unlock()

	m.logger.Debug("plugin staged", "plugin", name, "source", source)
	return s.loaded.Descriptor(), nil
}

func (m *Manager) isLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[name]
	return ok
}

func (m *Manager) isPending(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.pending {
		if s.name() == name {
			return true
		}
	}
	return false
}

// pendingView overlays the current pending batch on the type index.
func (m *Manager) pendingView() TypeIndexView {
	view := newBatchView(m.index)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.pending {
		view.add(s.name(), s.loaded.Types)
	}
	return view
}

// Pending returns the names of staged plugins awaiting Submit.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pending))
	for _, s := range m.pending {
		names = append(names, s.name())
	}
	return names
}

// takePending removes and returns the staged plugins selected by keep, or
// all of them when keep is nil.
func (m *Manager) takePending(keep func(string) bool) []*stagedPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep == nil {
		batch := m.pending
		m.pending = nil
		return batch
	}
	var taken, rest []*stagedPlugin
	for _, s := range m.pending {
		if keep(s.name()) {
			taken = append(taken, s)
		} else {
			rest = append(rest, s)
		}
	}
	m.pending = rest
	return taken
}

// Discard releases every staged plugin and returns how many were dropped.
func (m *Manager) Discard(ctx context.Context) int {
	batch := m.takePending(nil)
	m.abortBatch(ctx, batch, nil)
	return len(batch)
}

func (m *Manager) abortBatch(ctx context.Context, batch []*stagedPlugin, err error) {
	for _, s := range batch {
		m.release(ctx, s.name(), s.loaded.Context)
		if err != nil {
			_ = s.tx.abort(err) //nolint:errcheck // abort returns err unchanged
		} else {
			s.tx.advance(PhaseRollback)
			s.tx.advance(PhaseIdle)
		}
	}
}

// Submit commits the whole pending batch as one unit: either every staged
// plugin becomes active or none does.
func (m *Manager) Submit(ctx context.Context) ([]*Descriptor, error) {
	ctx, span := m.tracer.Start(ctx, "plugin.submit")
	defer span.End()

	if m.isClosed() {
		return nil, ErrManagerClosed()
	}

	batch := m.takePending(nil)
	if len(batch) == 0 {
		return nil, nil
	}
	span.SetAttributes(attribute.Int("plugin.batch_size", len(batch)))

	descs, err := m.submit(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return nil, err
	}
	return descs, nil
}

func (m *Manager) submit(ctx context.Context, batch []*stagedPlugin) ([]*Descriptor, error) {
	start := time.Now()
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	view := newBatchView(m.index)
	record := ConflictRecord{}
	for _, s := range batch {
		record.merge(conflictsOf(s.name(), s.loaded.Types, view))
		view.add(s.name(), s.loaded.Types)
	}
	if len(record) > 0 {
		err := newConflictError(batchName(batch), record)
		m.abortBatch(ctx, batch, err)
		RecordTransaction("submit", OutcomeFailure, time.Since(start))
		return nil, err
	}

	var instances []*Instance
	for _, s := range batch {
		s.tx.advance(PhaseDispatching)
		instances = append(instances, s.instances...)
	}
	if err := m.chain.DispatchInstall(ctx, instances); err != nil {
		m.abortBatch(ctx, batch, err)
		RecordTransaction("submit", OutcomeFailure, time.Since(start))
		return nil, err
	}

	descs := make([]*Descriptor, 0, len(batch))
	for _, s := range batch {
		s.tx.advance(PhaseCommitting)
	}
	for _, s := range batch {
		saved, err := m.commit(ctx, s, nil)
		if err != nil {
			m.revertCommitted(ctx, descs)
			m.unpublish(ctx, instances)
			m.abortBatch(ctx, batch, err)
			RecordTransaction("submit", OutcomeFailure, time.Since(start))
			return nil, err
		}
		descs = append(descs, saved)
	}

	for _, s := range batch {
		s.tx.advance(PhaseActive)
		s.tx.succeed(OutcomeSuccess)
	}
	RecordTransaction("submit", OutcomeSuccess, time.Since(start))
	m.logger.Info("plugin batch committed", "plugins", batchName(batch))
	return descs, nil
}

// revertCommitted undoes the commits of a partially committed batch.
// abortBatch releases the load contexts afterwards.
func (m *Manager) revertCommitted(ctx context.Context, descs []*Descriptor) {
	for _, d := range descs {
		m.index.Remove(d.Name)
		if err := m.registry.Remove(ctx, d.Name); err != nil && !IsNotFound(err) {
			errutil.LogError(m.logger, "failed to remove descriptor of aborted batch", err)
		}
		m.mu.Lock()
		delete(m.live, d.Name)
		ActivePlugins.Set(float64(len(m.live)))
		m.mu.Unlock()
	}
}

func batchName(batch []*stagedPlugin) string {
	names := make([]string, 0, len(batch))
	for _, s := range batch {
		names = append(names, s.name())
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// DiscoverArchives lists the plugin sources of dir: every *.zip file and
// every subdirectory holding a plugin.yaml. A missing directory yields none.
func DiscoverArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.With("dir", dir).With("operation", "read plugins directory").Wrap(err)
	}

	var sources []string
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if _, err := os.Stat(filepath.Join(p, ManifestFile)); err == nil {
				sources = append(sources, p)
			}
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ArchiveExt) {
			sources = append(sources, p)
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// InstallAll stages every archive of dir. Archives already installed with
// the same checksum are skipped. If any archive fails, every plugin staged
// by this call is released and the error returned; call Submit to commit.
func (m *Manager) InstallAll(ctx context.Context, dir string) ([]*Descriptor, error) {
	ctx, span := m.tracer.Start(ctx, "plugin.install_all",
		trace.WithAttributes(attribute.String("plugin.dir", dir)))
	defer span.End()

	sources, err := DiscoverArchives(dir)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		staged []*Descriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, src := range sources {
		g.Go(func() error {
			d, err := m.stage(gctx, src, stageOptions{skipInstalled: true})
			if err != nil {
				return err
			}
			if d != nil {
				mu.Lock()
				staged = append(staged, d)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		names := make(map[string]struct{}, len(staged))
		for _, d := range staged {
			names[d.Name] = struct{}{}
		}
		batch := m.takePending(func(name string) bool {
			_, ok := names[name]
			return ok
		})
		m.abortBatch(ctx, batch, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "install all failed")
		return nil, err
	}

	sort.Slice(staged, func(i, j int) bool { return staged[i].Name < staged[j].Name })
	return staged, nil
}

// Restore re-activates every active descriptor of the registry that has no
// load context in this process, as one batch. Descriptors that cannot be
// staged, or that the batch commit fails on, are saved with status failed;
// the remaining plugins are retried as a smaller batch. Plugins staged
// before Restore stay pending.
func (m *Manager) Restore(ctx context.Context) ([]*Descriptor, error) {
	ctx, span := m.tracer.Start(ctx, "plugin.restore")
	defer span.End()

	if m.isClosed() {
		return nil, ErrManagerClosed()
	}

	descs, err := m.registry.List(ctx)
	if err != nil {
		return nil, oops.With("operation", "list descriptors").Wrap(err)
	}

	var candidates []*Descriptor
	for _, d := range descs {
		if d.Status != StatusActive || m.isLive(d.Name) || m.isPending(d.Name) {
			continue
		}
		candidates = append(candidates, d)
	}

	for len(candidates) > 0 {
		staged := make(map[string]*Descriptor, len(candidates))
		for _, d := range candidates {
			sd, err := m.stage(ctx, d.Source, stageOptions{restoring: true})
			if err != nil {
				m.markFailed(ctx, d, err)
				continue
			}
			if sd != nil {
				staged[d.Name] = d
			}
		}
		if len(staged) == 0 {
			return nil, nil
		}

		batch := m.takePending(func(name string) bool { return staged[name] != nil })
		restored, err := m.submit(ctx, batch)
		if err == nil {
			span.SetAttributes(attribute.Int("plugin.restored", len(restored)))
			return restored, nil
		}

		culprits := blame(err, batch)
		if len(culprits) == 0 {
			// Nothing to single out: leave every descriptor active so the
			// next start retries them.
			span.RecordError(err)
			span.SetStatus(codes.Error, "restore failed")
			return nil, err
		}
		candidates = nil
		for name, d := range staged {
			if culprits[name] {
				m.markFailed(ctx, d, err)
				continue
			}
			candidates = append(candidates, d)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	}
	return nil, nil
}

// blame returns the members of a failed batch the error names: the plugin
// a handler rejected, the members holding conflicting types, or the plugin
// whose descriptor could not be saved.
func blame(err error, batch []*stagedPlugin) map[string]bool {
	members := make(map[string]bool, len(batch))
	for _, s := range batch {
		members[s.name()] = true
	}
	out := make(map[string]bool)

	if de, ok := AsDispatch(err); ok {
		if members[de.Plugin] {
			out[de.Plugin] = true
		}
		return out
	}
	if ce, ok := AsConflict(err); ok {
		for _, s := range batch {
			for _, t := range s.loaded.Types {
				if _, hit := ce.Record[t]; hit {
					out[s.name()] = true
					break
				}
			}
		}
		return out
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if name, ok := oopsErr.Context()["plugin"].(string); ok && members[name] {
			out[name] = true
		}
	}
	return out
}

func (m *Manager) markFailed(ctx context.Context, d *Descriptor, cause error) {
	errutil.LogError(m.logger, "failed to restore plugin", oops.With("plugin", d.Name).Wrap(cause))
	failed := d.Clone()
	failed.Status = StatusFailed
	failed.UpdatedAt = time.Now().UTC()
	if _, err := m.registry.Save(ctx, failed); err != nil {
		errutil.LogError(m.logger, "failed to mark plugin as failed", err)
	}
}
