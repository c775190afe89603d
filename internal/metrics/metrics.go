// Package metrics exposes supervisor health and recovery activity as
// Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breatheroute/recoveryd/internal/circuit"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/state"
)

const namespace = "recoveryd"

// Metrics holds the supervisor's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	sampleValue     *prometheus.GaugeVec
	sampleHealthy   *prometheus.GaugeVec
	actionsTotal    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	restartAttempts *prometheus.GaugeVec
	cycleDuration   prometheus.Histogram
	cyclesSkipped   prometheus.Counter
	persistFailures prometheus.Counter
	persistLatency  prometheus.Histogram
	status          *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		sampleValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_value",
			Help:      "Latest value of a health sample (fraction for resources, status code for endpoints)",
		}, []string{"kind", "target"}),

		sampleHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_healthy",
			Help:      "1 when the latest health sample is healthy, 0 otherwise",
		}, []string{"kind", "target"}),

		actionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Recovery actions by type, target and result",
		}, []string{"action", "target", "result"}),

		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per service (0=closed, 1=half_open, 2=open)",
		}, []string{"service"}),

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions per service",
		}, []string{"service", "from", "to"}),

		restartAttempts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restart_attempts",
			Help:      "Restart attempts counted in the current budget window",
		}, []string{"service"}),

		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_cycle_duration_seconds",
			Help:      "Duration of a full health cycle including recovery",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		cyclesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_cycles_skipped_total",
			Help:      "Health cycles skipped because the previous one was still running",
		}),

		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_persist_failures_total",
			Help:      "Failed state saves",
		}),

		persistLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_persist_latency_seconds",
			Help:      "State save latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "1 for the current supervisor status",
		}, []string{"status"}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSamples publishes the latest samples.
func (m *Metrics) ObserveSamples(samples []health.Sample) {
	for _, s := range samples {
		m.sampleValue.WithLabelValues(string(s.Kind), s.Target).Set(s.Value)
		healthy := 0.0
		if s.Healthy {
			healthy = 1
		}
		m.sampleHealthy.WithLabelValues(string(s.Kind), s.Target).Set(healthy)
	}
}

// ObserveAction counts a recorded recovery action.
func (m *Metrics) ObserveAction(a state.RecoveryAction) {
	m.actionsTotal.WithLabelValues(string(a.Type), a.Target, string(a.Result)).Inc()
}

// ObserveTransition counts a circuit transition.
func (m *Metrics) ObserveTransition(t circuit.Transition) {
	m.transitions.WithLabelValues(t.Service, string(t.From), string(t.To)).Inc()
	m.circuitState.WithLabelValues(t.Service).Set(circuitValue(t.To))
}

// ObserveState publishes circuits, restart budgets and status from a snapshot.
func (m *Metrics) ObserveState(st *state.SupervisorState) {
	for name, c := range st.CircuitStates {
		m.circuitState.WithLabelValues(name).Set(circuitValue(c.State))
	}
	for name, n := range st.RestartAttempts {
		m.restartAttempts.WithLabelValues(name).Set(float64(n))
	}
	for _, s := range []state.Status{
		state.StatusInitializing, state.StatusRunning, state.StatusRecovering,
		state.StatusDegraded, state.StatusFatal,
	} {
		v := 0.0
		if s == st.Status {
			v = 1
		}
		m.status.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveCycle records the duration of a health cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// CycleSkipped counts an overlapping cycle that was not started.
func (m *Metrics) CycleSkipped() {
	m.cyclesSkipped.Inc()
}

// ObservePersist records a state save.
func (m *Metrics) ObservePersist(err error, d time.Duration) {
	m.persistLatency.Observe(d.Seconds())
	if err != nil {
		m.persistFailures.Inc()
	}
}

func circuitValue(s state.CircuitState) float64 {
	switch s {
	case state.CircuitHalfOpen:
		return 1
	case state.CircuitOpen:
		return 2
	default:
		return 0
	}
}
