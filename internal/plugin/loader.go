// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Runtime materializes the code of an archive into an isolated load context.
type Runtime interface {
	// Type returns the manifest type this runtime serves.
	Type() Type
	// Load creates a load context for the archive. On failure nothing
	// allocated by the runtime may outlive the call.
	Load(ctx context.Context, archive *Archive, id ulid.ULID) (LoadContext, error)
}

// LoadContext is the isolated namespace holding the types of one plugin.
type LoadContext interface {
	ID() ulid.ULID
	// Types returns the fully-qualified type names defined in the context.
	Types() []string
	// Construct builds an instance of typeName, resolving its named
	// dependencies through deps.
	Construct(ctx context.Context, typeName string, deps Resolver) (any, error)
	// Release makes every type of the context unreachable.
	Release(ctx context.Context) error
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewLoadContextID generates a new load context identifier.
func NewLoadContextID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Loaded is the result of a successful load.
type Loaded struct {
	Archive    *Archive
	Context    LoadContext
	Types      []string
	Components []ComponentRef
}

// Descriptor builds a staged descriptor for the loaded plugin.
func (l *Loaded) Descriptor() *Descriptor {
	m := l.Archive.Manifest
	return &Descriptor{
		Name:          m.Name,
		Version:       m.Version,
		Runtime:       m.Type,
		Source:        l.Archive.Source,
		Checksum:      l.Archive.Checksum,
		Types:         append([]string(nil), l.Types...),
		Components:    l.Components,
		Status:        StatusStaged,
		LoadContextID: l.Context.ID().String(),
	}
}

// Loader turns archives into load contexts using the registered runtimes.
type Loader struct {
	runtimes map[Type]Runtime
	logger   *slog.Logger
}

// NewLoader creates a loader for the given runtimes.
func NewLoader(logger *slog.Logger, runtimes ...Runtime) *Loader {
	l := &Loader{
		runtimes: make(map[Type]Runtime, len(runtimes)),
		logger:   logger,
	}
	for _, r := range runtimes {
		l.runtimes[r.Type()] = r
	}
	return l
}

// Load materializes the archive. Either every type is loaded and every
// declared component resolves, or the context is released and a load
// error returned.
func (l *Loader) Load(ctx context.Context, archive *Archive) (*Loaded, error) {
	m := archive.Manifest
	rt, ok := l.runtimes[m.Type]
	if !ok {
		return nil, ErrLoadf(archive.Source, "no runtime registered for plugin type %q", m.Type)
	}

	lc, err := rt.Load(ctx, archive, NewLoadContextID())
	if err != nil {
		if HasCode(err, CodeLoadFailed) {
			return nil, err
		}
		return nil, ErrLoad(archive.Source, err)
	}

	types := lc.Types()
	sort.Strings(types)

	components, err := m.ResolveComponents(types)
	if err != nil {
		l.release(ctx, m.Name, lc)
		return nil, ErrLoad(archive.Source, err)
	}

	l.logger.Debug("plugin loaded",
		"plugin", m.Name,
		"runtime", m.Type,
		"load_context", lc.ID().String(),
		"types", len(types),
		"components", len(components))

	return &Loaded{
		Archive:    archive,
		Context:    lc,
		Types:      types,
		Components: components,
	}, nil
}

func (l *Loader) release(ctx context.Context, name string, lc LoadContext) {
	if err := lc.Release(ctx); err != nil {
		l.logger.Warn("failed to release load context",
			"plugin", name,
			"load_context", lc.ID().String(),
			"error", err)
	}
}
