// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/oops"
)

// Error codes for plugin lifecycle failures.
const (
	CodeLoadFailed          = "PLUGIN_LOAD_FAILED"
	CodeTypeConflict        = "PLUGIN_TYPE_CONFLICT"
	CodeInstantiationFailed = "PLUGIN_INSTANTIATION_FAILED"
	CodeDispatchFailed      = "PLUGIN_DISPATCH_FAILED"
	CodeNotFound            = "PLUGIN_NOT_FOUND"
	CodeExists              = "PLUGIN_EXISTS"
	CodeCommitFailed        = "PLUGIN_COMMIT_FAILED"
	CodeManagerClosed       = "MANAGER_CLOSED"
)

// ErrLoad creates a load error for the given source.
func ErrLoad(source string, cause error) error {
	return oops.Code(CodeLoadFailed).
		In("loader").
		With("source", source).
		Wrap(cause)
}

// ErrLoadf creates a load error with a formatted message.
func ErrLoadf(source, format string, args ...any) error {
	return oops.Code(CodeLoadFailed).
		In("loader").
		With("source", source).
		Errorf(format, args...)
}

// ErrInstantiation creates an error for a component that could not be constructed.
func ErrInstantiation(pluginName string, ref ComponentRef, cause error) error {
	return oops.Code(CodeInstantiationFailed).
		In("factory").
		With("plugin", pluginName).
		With("component", ref.Name).
		With("type", ref.Type).
		Wrap(cause)
}

// ErrNotFound creates an error for an unknown plugin.
func ErrNotFound(name string) error {
	return oops.Code(CodeNotFound).
		With("plugin", name).
		Errorf("plugin %q not found", name)
}

// ErrExists creates an error for a plugin name that is already installed or staged.
func ErrExists(name string) error {
	return oops.Code(CodeExists).
		With("plugin", name).
		Hint("uninstall the plugin first or install with replace").
		Errorf("plugin %q is already installed", name)
}

// ErrManagerClosed is returned by operations on a closed Manager.
func ErrManagerClosed() error {
	return oops.Code(CodeManagerClosed).Errorf("plugin manager is closed")
}

// HasCode reports whether err is an oops error carrying code.
func HasCode(err error, code string) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == code
}

// IsNotFound reports whether err is a PLUGIN_NOT_FOUND error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// Owner identifies a plugin that owns a type name and the status it had
// when the conflict was observed.
type Owner struct {
	Plugin string `json:"plugin" yaml:"plugin"`
	Status Status `json:"status" yaml:"status"`
}

// ConflictRecord maps each colliding type name to its current owners.
type ConflictRecord map[string][]Owner

// Names returns the conflicting type names in sorted order.
func (r ConflictRecord) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// merge folds other into r.
func (r ConflictRecord) merge(other ConflictRecord) {
	for name, owners := range other {
		for _, o := range owners {
			if !containsOwner(r[name], o) {
				r[name] = append(r[name], o)
			}
		}
	}
}

func containsOwner(owners []Owner, o Owner) bool {
	for _, existing := range owners {
		if existing == o {
			return true
		}
	}
	return false
}

// ConflictError reports every type name a candidate plugin shares with
// plugins that already own it.
type ConflictError struct {
	Plugin string
	Record ConflictRecord
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Record))
	for _, name := range e.Record.Names() {
		owners := make([]string, 0, len(e.Record[name]))
		for _, o := range e.Record[name] {
			owners = append(owners, fmt.Sprintf("%s(%s)", o.Plugin, o.Status))
		}
		parts = append(parts, fmt.Sprintf("%s owned by %s", name, strings.Join(owners, ",")))
	}
	return fmt.Sprintf("plugin %s: type conflict: %s", e.Plugin, strings.Join(parts, "; "))
}

// newConflictError wraps a conflict record in a coded error.
func newConflictError(pluginName string, record ConflictRecord) error {
	return oops.Code(CodeTypeConflict).
		In("conflict").
		With("plugin", pluginName).
		With("types", record.Names()).
		Wrap(&ConflictError{Plugin: pluginName, Record: record})
}

// AsConflict extracts the ConflictError carried by err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// DispatchError reports the handler and instance that refused a batch,
// together with any errors raised while unwinding the accepted pairs.
type DispatchError struct {
	Handler      string
	Instance     string
	Plugin       string
	Cause        error
	RollbackErrs []error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("handler %s rejected component %s of plugin %s: %v", e.Handler, e.Instance, e.Plugin, e.Cause)
	if len(e.RollbackErrs) > 0 {
		msg += fmt.Sprintf(" (%d rollback errors)", len(e.RollbackErrs))
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

func newDispatchError(de *DispatchError) error {
	return oops.Code(CodeDispatchFailed).
		In("chain").
		With("handler", de.Handler).
		With("component", de.Instance).
		With("plugin", de.Plugin).
		With("rollback_errors", len(de.RollbackErrs)).
		Wrap(de)
}

// AsDispatch extracts the DispatchError carried by err.
func AsDispatch(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
