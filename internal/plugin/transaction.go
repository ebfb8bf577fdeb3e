// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is a state of the install/uninstall state machine.
type Phase int

// Lifecycle phases.
const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseChecking
	PhaseInstantiating
	PhaseDispatching
	PhaseCommitting
	PhaseActive
	PhaseRollback
	PhaseRemoved
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseLoading:       "loading",
	PhaseChecking:      "checking",
	PhaseInstantiating: "instantiating",
	PhaseDispatching:   "dispatching",
	PhaseCommitting:    "committing",
	PhaseActive:        "active",
	PhaseRollback:      "rollback",
	PhaseRemoved:       "removed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// validTransitions is the state machine. Loading and Checking abort back to
// Idle since nothing has been published yet.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseLoading},
	PhaseLoading:       {PhaseChecking, PhaseIdle},
	PhaseChecking:      {PhaseInstantiating, PhaseIdle},
	PhaseInstantiating: {PhaseDispatching, PhaseRollback},
	PhaseDispatching:   {PhaseCommitting, PhaseRollback},
	PhaseCommitting:    {PhaseActive, PhaseRollback},
	PhaseActive:        {PhaseRemoved},
	PhaseRollback:      {PhaseIdle},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// PhaseObserver is notified of every phase transition.
type PhaseObserver func(plugin string, from, to Phase)

// transaction tracks one plugin through the state machine.
type transaction struct {
	op       string
	plugin   string
	source   string
	phase    Phase
	failed   Phase
	start    time.Time
	observer PhaseObserver
	logger   *slog.Logger
}

func newTransaction(op, source string, start Phase, observer PhaseObserver, logger *slog.Logger) *transaction {
	return &transaction{
		op:       op,
		source:   source,
		phase:    start,
		start:    time.Now(),
		observer: observer,
		logger:   logger,
	}
}

func (t *transaction) advance(to Phase) {
	from := t.phase
	if !CanTransition(from, to) {
		t.logger.Error("invalid plugin phase transition",
			"plugin", t.plugin,
			"from", from.String(),
			"to", to.String())
	}
	t.phase = to
	if t.observer != nil {
		t.observer(t.plugin, from, to)
	}
}

// abort moves the transaction out of the phase it failed in and records
// the failure. Returns err unchanged.
func (t *transaction) abort(err error) error {
	t.failed = t.phase
	switch t.phase {
	case PhaseLoading, PhaseChecking:
		t.advance(PhaseIdle)
	case PhaseInstantiating, PhaseDispatching, PhaseCommitting:
		t.advance(PhaseRollback)
		t.advance(PhaseIdle)
	}
	RecordFailure(t.op, t.failed)
	RecordTransaction(t.op, OutcomeFailure, time.Since(t.start))
	t.logger.Warn("plugin transaction failed",
		"operation", t.op,
		"plugin", t.plugin,
		"source", t.source,
		"phase", t.failed.String(),
		"error", err)
	return err
}

func (t *transaction) succeed(outcome string) {
	RecordTransaction(t.op, outcome, time.Since(t.start))
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
