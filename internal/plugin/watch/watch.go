// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package watch installs and uninstalls plugins as archives appear in and
// disappear from a directory.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// DefaultDebounce is how long an archive must be quiet before it is acted on.
const DefaultDebounce = 500 * time.Millisecond

// Installer is the subset of plugin.Manager the watcher drives.
type Installer interface {
	Install(ctx context.Context, source string, opts ...plugin.InstallOption) (*plugin.Descriptor, error)
	Uninstall(ctx context.Context, name string) (*plugin.Descriptor, error)
	List(ctx context.Context) ([]*plugin.Descriptor, error)
}

type action int

const (
	actionInstall action = iota
	actionUninstall
)

func (a action) String() string {
	if a == actionInstall {
		return "install"
	}
	return "uninstall"
}

// Watcher reacts to archive changes in one directory. A created or
// rewritten archive is installed with replace-by-name; a removed or renamed
// archive uninstalls the plugin installed from it.
type Watcher struct {
	dir       string
	installer Installer
	debounce  time.Duration
	logger    *slog.Logger

	fsw  *fsnotify.Watcher
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	// serializes actions so an uninstall never races the install of the same path
	actMu sync.Mutex
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before acting on an archive.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a watcher for dir. Panics if installer is nil.
func New(dir string, installer Installer, opts ...Option) *Watcher {
	if installer == nil {
		panic("watch.New: installer cannot be nil")
	}
	w := &Watcher{
		dir:       filepath.Clean(dir),
		installer: installer,
		debounce:  DefaultDebounce,
		logger:    slog.Default(),
		pending:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Actions run with a context derived from ctx that
// is cancelled by Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("watch").Wrap(err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return oops.In("watch").With("dir", w.dir).Wrap(err)
	}

	w.fsw = fsw
	w.ctx, w.stop = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop()

	w.logger.InfoContext(ctx, "watching plugin directory", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop cancels pending actions and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	w.stop()
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	// wait for an action already running
	w.actMu.Lock()
	w.actMu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	if err != nil {
		return oops.In("watch").Wrap(err)
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(w.ctx, "plugin directory watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, plugin.ArchiveExt) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ev.Name, actionInstall)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.schedule(ev.Name, actionUninstall)
	}
}

// schedule replaces any pending action for path; the last event wins.
func (w *Watcher) schedule(path string, a action) {
	path = filepath.Clean(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.run(path, a)
	})
}

func (w *Watcher) run(path string, a action) {
	w.actMu.Lock()
	defer w.actMu.Unlock()

	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}
	logger := w.logger.With("source", path, "action", a.String())

	switch a {
	case actionInstall:
		d, err := w.installer.Install(ctx, path, plugin.WithReplace())
		if err != nil {
			errutil.LogError(logger, "hot install failed", err)
			return
		}
		logger.InfoContext(ctx, "plugin hot installed", "plugin", d.Name, "version", d.Version)

	case actionUninstall:
		name, err := w.installedFrom(ctx, path)
		if err != nil {
			errutil.LogError(logger, "hot uninstall failed", err)
			return
		}
		if name == "" {
			logger.DebugContext(ctx, "no plugin installed from removed archive")
			return
		}
		if _, err := w.installer.Uninstall(ctx, name); err != nil && !plugin.IsNotFound(err) {
			errutil.LogError(logger, "hot uninstall failed", err)
			return
		}
		logger.InfoContext(ctx, "plugin hot uninstalled", "plugin", name)
	}
}

// installedFrom returns the active plugin whose source is path.
func (w *Watcher) installedFrom(ctx context.Context, path string) (string, error) {
	descs, err := w.installer.List(ctx)
	if err != nil {
		return "", oops.In("watch").Wrap(err)
	}
	for _, d := range descs {
		if d.Status == plugin.StatusActive && filepath.Clean(d.Source) == path {
			return d.Name, nil
		}
	}
	return "", nil
}
