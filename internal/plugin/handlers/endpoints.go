// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// EndpointsPrefix is the URL path under which Endpoints serves components.
const EndpointsPrefix = "/plugins/"

// maxRequestBody bounds the JSON argument array of a call.
const maxRequestBody = 1 << 20

var (
	_ plugin.Handler = (*Endpoints)(nil)
	_ http.Handler   = (*Endpoints)(nil)
)

type endpoint struct {
	plugin string
	target plugin.Callable
}

// Endpoints exposes callable components of the "controller" and "endpoint"
// groups over HTTP:
//
//	POST /plugins/{component}/{method}
//
// The request body is a JSON array of arguments (empty means no arguments).
// The response is {"result": ...} or {"error": "..."}.
type Endpoints struct {
	mu        sync.RWMutex
	endpoints map[string]endpoint
	mux       *http.ServeMux
	logger    *slog.Logger
}

// NewEndpoints creates an empty endpoint handler.
func NewEndpoints(logger *slog.Logger) *Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoints{
		endpoints: make(map[string]endpoint),
		mux:       http.NewServeMux(),
		logger:    logger,
	}
	e.mux.HandleFunc("POST "+EndpointsPrefix+"{component}/{method}", e.handleCall)
	return e
}

func (e *Endpoints) Name() string     { return "endpoints" }
func (e *Endpoints) Groups() []string { return []string{"controller", "endpoint"} }
func (e *Endpoints) Order() int       { return 10 }

// Handle mounts inst. Its value must implement plugin.Callable.
func (e *Endpoints) Handle(ctx context.Context, inst *plugin.Instance) error {
	target, ok := inst.Value().(plugin.Callable)
	if !ok {
		return oops.Code(CodeNotCallable).
			In("endpoints").
			With("component", inst.Name).
			With("type", inst.Type).
			Errorf("component %q of type %s is not callable", inst.Name, inst.Type)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.endpoints[inst.Name]; ok {
		return oops.Code(CodeEndpointConflict).
			In("endpoints").
			With("component", inst.Name).
			With("owner", cur.plugin).
			Errorf("endpoint %q is already mounted by plugin %s", inst.Name, cur.plugin)
	}
	e.endpoints[inst.Name] = endpoint{plugin: inst.Plugin, target: target}
	e.logger.DebugContext(ctx, "endpoint mounted",
		"component", inst.Name,
		"plugin", inst.Plugin,
		"path", EndpointsPrefix+inst.Name+"/")
	return nil
}

// Rollback unmounts inst if this plugin mounted it.
func (e *Endpoints) Rollback(ctx context.Context, inst *plugin.Instance) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.endpoints[inst.Name]
	if !ok || cur.plugin != inst.Plugin {
		return nil
	}
	delete(e.endpoints, inst.Name)
	e.logger.DebugContext(ctx, "endpoint unmounted", "component", inst.Name, "plugin", inst.Plugin)
	return nil
}

// Components returns the mounted component names, sorted.
func (e *Endpoints) Components() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.endpoints))
	for name := range e.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP implements http.Handler.
func (e *Endpoints) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mux.ServeHTTP(w, r)
}

func (e *Endpoints) handleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("component")
	method := r.PathValue("method")

	e.mu.RLock()
	ep, ok := e.endpoints[name]
	e.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown component " + name})
		return
	}

	args, err := decodeArgs(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	result, err := ep.target.Call(r.Context(), method, args...)
	if err != nil {
		errutil.LogError(e.logger, "endpoint call failed", oops.
			With("component", name).
			With("plugin", ep.plugin).
			With("method", method).
			Wrap(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func decodeArgs(body io.Reader) ([]any, error) {
	var args []any
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	if err := dec.Decode(&args); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, oops.Wrapf(err, "request body must be a JSON array of arguments")
	}
	return args, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(body)
}
