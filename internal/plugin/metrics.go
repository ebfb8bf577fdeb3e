// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for transaction metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Transactions counts install, uninstall and submit transactions.
// Use RegisterMetrics to register this with a Prometheus registry.
var Transactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plughost_plugin_transactions_total",
		Help: "Total number of plugin lifecycle transactions by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

// TransactionFailures counts failed transactions by the phase that failed.
var TransactionFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plughost_plugin_transaction_failures_total",
		Help: "Total number of failed plugin transactions by failing phase",
	},
	[]string{"operation", "phase"},
)

// TransactionDuration observes transaction latency.
var TransactionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "plughost_plugin_transaction_duration_seconds",
		Help:    "Plugin transaction duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// RollbackFailures counts handler rollback errors.
var RollbackFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plughost_handler_rollback_failures_total",
		Help: "Total number of handler rollback failures by handler",
	},
	[]string{"handler"},
)

// ActivePlugins is the number of plugins currently active in this process.
var ActivePlugins = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "plughost_active_plugins",
		Help: "Number of active plugins",
	},
)

// RegisterMetrics registers plugin package metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Transactions)
	reg.MustRegister(TransactionFailures)
	reg.MustRegister(TransactionDuration)
	reg.MustRegister(RollbackFailures)
	reg.MustRegister(ActivePlugins)
}

// RecordTransaction records the outcome and duration of a transaction.
func RecordTransaction(operation, outcome string, duration time.Duration) {
	Transactions.WithLabelValues(operation, outcome).Inc()
	TransactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFailure records the phase a transaction failed in.
func RecordFailure(operation string, phase Phase) {
	TransactionFailures.WithLabelValues(operation, phase.String()).Inc()
}

// RecordRollbackFailure increments the rollback failure counter for a handler.
func RecordRollbackFailure(handler string) {
	RollbackFailures.WithLabelValues(handler).Inc()
}
