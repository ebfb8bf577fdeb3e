// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/internal/plugin/plugintest"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() { plugin.RegisterMetrics(reg) })
	assert.Panics(t, func() { plugin.RegisterMetrics(reg) }, "double registration panics")
}

func TestRecordTransaction(t *testing.T) {
	counter := plugin.Transactions.WithLabelValues("test-op", plugin.OutcomeSuccess)
	before := testutil.ToFloat64(counter)

	plugin.RecordTransaction("test-op", plugin.OutcomeSuccess, 10*time.Millisecond)
	assert.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}

func TestManager_RecordsTransactionMetrics(t *testing.T) {
	h := newHarness(t, nil)
	success := plugin.Transactions.WithLabelValues("install", plugin.OutcomeSuccess)
	checking := plugin.TransactionFailures.WithLabelValues("install", plugin.PhaseChecking.String())
	successBefore := testutil.ToFloat64(success)
	checkingBefore := testutil.ToFloat64(checking)

	_, err := h.mgr.Install(context.Background(), h.plugin(t, "alpha", []string{"shared.T"}))
	require.NoError(t, err)
	_, err = h.mgr.Install(context.Background(), h.plugin(t, "beta", []string{"shared.T"}))
	require.Error(t, err)

	assert.InDelta(t, successBefore+1, testutil.ToFloat64(success), 0.001)
	assert.InDelta(t, checkingBefore+1, testutil.ToFloat64(checking), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(plugin.ActivePlugins), 0.001)
}

func TestChain_RecordsRollbackFailures(t *testing.T) {
	counter := plugin.RollbackFailures.WithLabelValues("flaky")
	before := testutil.ToFloat64(counter)

	c := plugin.NewChain(discardLogger)
	rh := plugintest.NewRecordingHandler("flaky", 0, nil, "g")
	rh.RollbackErr = errors.New("nope")
	require.NoError(t, c.Register(rh))

	insts := []*plugin.Instance{instance("p", "x", "g")}
	require.NoError(t, c.DispatchInstall(context.Background(), insts))
	assert.Len(t, c.DispatchRollback(context.Background(), insts), 1)
	assert.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}
