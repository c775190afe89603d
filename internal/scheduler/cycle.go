package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/breatheroute/recoveryd/internal/circuit"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/recovery"
	"github.com/breatheroute/recoveryd/internal/state"
)

const tracerName = "github.com/breatheroute/recoveryd/internal/scheduler"

// Observer receives cycle measurements. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveSamples(samples []health.Sample)
	ObserveState(st *state.SupervisorState)
	ObserveCycle(d time.Duration)
	CycleSkipped()
}

// CycleConfig holds the collaborators of a health cycle.
type CycleConfig struct {
	Collector *health.Collector
	Circuits  *circuit.Registry
	Engine    *recovery.Engine
	Store     *state.Store
	Observer  Observer
	Logger    zerolog.Logger
	Now       func() time.Time
}

// CycleResult summarises one completed health cycle.
type CycleResult struct {
	Samples []health.Sample
	Failed  []health.Sample
	Actions []state.RecoveryAction
	Status  state.Status
}

// Cycle performs health cycles. Cycles never overlap: a run requested while
// another is in progress is skipped.
type Cycle struct {
	cfg     CycleConfig
	log     zerolog.Logger
	tracer  trace.Tracer
	running atomic.Bool
}

// NewCycle creates a Cycle.
func NewCycle(cfg CycleConfig) *Cycle {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cycle{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "health-cycle").Logger(),
		tracer: otel.Tracer(tracerName),
	}
}

// Running reports whether a cycle is in progress.
func (c *Cycle) Running() bool {
	return c.running.Load()
}

// Run performs one cycle: collect samples, feed circuits, recover, derive the
// status and queue a save. It returns false when skipped.
func (c *Cycle) Run(ctx context.Context) (CycleResult, bool) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Warn().Msg("previous health cycle still running; skipping")
		if c.cfg.Observer != nil {
			c.cfg.Observer.CycleSkipped()
		}
		return CycleResult{}, false
	}
	defer c.running.Store(false)

	ctx, span := c.tracer.Start(ctx, "health.cycle")
	defer span.End()

	start := c.cfg.Now()
	samples := c.cfg.Collector.Sample(ctx)
	failed := health.Unhealthy(samples)
	for _, s := range failed {
		c.cfg.Store.RecordError(state.ErrorTypeProbe, s.Target, string(s.Kind)+": "+s.Detail)
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveSamples(samples)
	}

	unhealthy := make(map[string]bool, len(failed))
	for _, s := range failed {
		unhealthy[s.Target] = true
	}
	for _, svc := range c.cfg.Store.Services() {
		for _, t := range c.cfg.Circuits.Record(svc, !unhealthy[svc]) {
			c.log.Info().
				Str("service", t.Service).
				Str("from", string(t.From)).
				Str("to", string(t.To)).
				Msg("circuit state changed")
		}
	}
	c.cfg.Store.SetCircuitStates(c.cfg.Circuits.Snapshot())

	actions := c.cfg.Engine.Handle(ctx, failed)

	status := c.cfg.Store.DeriveStatus(c.cfg.Engine.InFlight())
	c.cfg.Store.MarkChecked(c.cfg.Now())
	c.cfg.Store.MarkDirty()

	elapsed := c.cfg.Now().Sub(start)
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveState(c.cfg.Store.Snapshot())
		c.cfg.Observer.ObserveCycle(elapsed)
	}

	span.SetAttributes(
		attribute.Int("health.samples", len(samples)),
		attribute.Int("health.failed", len(failed)),
		attribute.Int("recovery.actions", len(actions)),
		attribute.String("supervisor.status", string(status)),
	)

	ev := c.log.Debug()
	if len(failed) > 0 {
		ev = c.log.Info()
	}
	ev.Int("samples", len(samples)).
		Int("failed", len(failed)).
		Int("actions", len(actions)).
		Str("status", string(status)).
		Dur("duration", elapsed).
		Msg("health cycle complete")

	return CycleResult{Samples: samples, Failed: failed, Actions: actions, Status: status}, true
}
