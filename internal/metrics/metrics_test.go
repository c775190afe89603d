package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/circuit"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/metrics"
	"github.com/breatheroute/recoveryd/internal/state"
)

func TestMetrics_Exposition(t *testing.T) {
	m := metrics.New()

	m.ObserveSamples([]health.Sample{
		{Kind: health.KindMemory, Target: health.HostTarget, Value: 0.42, Healthy: true},
		{Kind: health.KindEndpoint, Target: "api", Value: 503},
	})
	m.ObserveAction(state.RecoveryAction{Type: state.ActionRestart, Target: "api", Result: state.ResultSuccess})
	m.ObserveAction(state.RecoveryAction{Type: state.ActionRestart, Target: "api", Result: state.ResultRateLimited})
	m.ObserveTransition(circuit.Transition{Service: "api", From: state.CircuitClosed, To: state.CircuitOpen})
	m.ObserveCycle(120 * time.Millisecond)
	m.ObservePersist(errors.New("disk full"), time.Millisecond)
	m.CycleSkipped()

	st := state.NewSupervisorState([]string{"api"}, time.Now())
	st.Status = state.StatusRecovering
	st.RestartAttempts["api"] = 2
	m.ObserveState(st)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `recoveryd_sample_value{kind="memory",target="host"} 0.42`)
	assert.Contains(t, text, `recoveryd_sample_healthy{kind="endpoint",target="api"} 0`)
	assert.Contains(t, text, `recoveryd_recovery_actions_total{action="restart",result="rate_limited",target="api"} 1`)
	assert.Contains(t, text, `recoveryd_circuit_transitions_total{from="closed",service="api",to="open"} 1`)
	assert.Contains(t, text, `recoveryd_restart_attempts{service="api"} 2`)
	assert.Contains(t, text, `recoveryd_status{status="recovering"} 1`)
	assert.Contains(t, text, `recoveryd_state_persist_failures_total 1`)
	assert.Contains(t, text, "go_goroutines")
}

func TestMetrics_StateOverwritesCircuitGauge(t *testing.T) {
	m := metrics.New()
	m.ObserveTransition(circuit.Transition{Service: "worker", From: state.CircuitClosed, To: state.CircuitOpen})

	st := state.NewSupervisorState([]string{"worker"}, time.Now())
	m.ObserveState(st)

	n, err := testutil.GatherAndCount(m.Registry(), "recoveryd_circuit_state")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "recoveryd_circuit_state" {
			assert.InDelta(t, 0, f.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}
}
