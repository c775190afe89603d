package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/circuit"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/recovery"
	"github.com/breatheroute/recoveryd/internal/scheduler"
	"github.com/breatheroute/recoveryd/internal/servicecontrol"
	"github.com/breatheroute/recoveryd/internal/state"
)

type probe struct {
	kind    health.Kind
	target  string
	healthy atomic.Bool
	block   chan struct{}
}

func (p *probe) Kind() health.Kind { return p.kind }
func (p *probe) Target() string    { return p.target }

func (p *probe) Check(ctx context.Context) (health.Sample, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return health.Sample{Kind: p.kind, Target: p.target, Healthy: p.healthy.Load()}, nil
}

type controller struct {
	mu       sync.Mutex
	restarts []string
}

func (c *controller) Restart(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts = append(c.restarts, name)
	return nil
}

func (c *controller) Status(context.Context, string) (servicecontrol.Status, error) {
	return servicecontrol.StatusOnline, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type observer struct {
	mu      sync.Mutex
	cycles  int
	skipped int
	samples int
}

func (o *observer) ObserveSamples(s []health.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples += len(s)
}

func (o *observer) ObserveState(*state.SupervisorState) {}

func (o *observer) ObserveCycle(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
}

func (o *observer) CycleSkipped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped++
}

type harness struct {
	clock    *clock
	store    *state.Store
	circuits *circuit.Registry
	ctl      *controller
	obs      *observer
	cycle    *scheduler.Cycle
}

func newHarness(t *testing.T, probes ...health.Probe) *harness {
	t.Helper()
	h := &harness{
		clock: &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		ctl:   &controller{},
		obs:   &observer{},
	}
	services := []string{"api", "worker"}
	h.store = state.NewStore(state.StoreConfig{Services: services, Now: h.clock.Now})
	h.circuits = circuit.NewRegistry(circuit.Config{FailureThreshold: 2, SuccessThreshold: 1, CoolDown: time.Minute}, services, nil)
	engine := recovery.NewEngine(recovery.Config{
		Store:      h.store,
		Circuits:   h.circuits,
		Controller: h.ctl,
		Logger:     zerolog.Nop(),
		Now:        h.clock.Now,
	})
	collector := health.NewCollector(health.CollectorConfig{
		Probes:       probes,
		ProbeTimeout: time.Second,
		Logger:       zerolog.Nop(),
		Now:          h.clock.Now,
	})
	h.cycle = scheduler.NewCycle(scheduler.CycleConfig{
		Collector: collector,
		Circuits:  h.circuits,
		Engine:    engine,
		Store:     h.store,
		Observer:  h.obs,
		Logger:    zerolog.Nop(),
		Now:       h.clock.Now,
	})
	return h
}

func TestCycle_RecoversThenOpensCircuit(t *testing.T) {
	api := &probe{kind: health.KindEndpoint, target: "api"}
	worker := &probe{kind: health.KindProcess, target: "worker"}
	worker.healthy.Store(true)
	h := newHarness(t, api, worker)
	ctx := context.Background()

	res, ran := h.cycle.Run(ctx)
	require.True(t, ran)
	require.Len(t, res.Failed, 1)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, state.ResultSuccess, res.Actions[0].Result)
	assert.Equal(t, state.StatusRunning, res.Status)
	assert.Equal(t, []string{"api"}, h.ctl.restarts)

	h.clock.Advance(30 * time.Second)
	res, ran = h.cycle.Run(ctx)
	require.True(t, ran)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, state.ResultRateLimited, res.Actions[0].Result)
	assert.Equal(t, state.StatusRecovering, res.Status)
	assert.Equal(t, state.CircuitOpen, h.circuits.State("api"))
	assert.Equal(t, state.CircuitClosed, h.circuits.State("worker"))
	assert.Len(t, h.ctl.restarts, 1)

	snap := h.store.Snapshot()
	require.NotNil(t, snap.LastCheckAt)
	assert.Equal(t, h.clock.Now(), *snap.LastCheckAt)
	assert.Equal(t, state.CircuitOpen, snap.CircuitStates["api"].State)
	assert.Equal(t, 2, h.obs.cycles)

	select {
	case <-h.store.Dirty():
	default:
		t.Fatal("cycle did not queue a save")
	}
}

func TestCycle_HealthyIsRunning(t *testing.T) {
	api := &probe{kind: health.KindEndpoint, target: "api"}
	api.healthy.Store(true)
	h := newHarness(t, api)

	res, ran := h.cycle.Run(context.Background())
	require.True(t, ran)
	assert.Empty(t, res.Actions)
	assert.Equal(t, state.StatusRunning, res.Status)
	assert.Empty(t, h.store.Snapshot().RecentErrors)
}

func TestCycle_SkipsWhenOverlapping(t *testing.T) {
	slow := &probe{kind: health.KindEndpoint, target: "api", block: make(chan struct{})}
	slow.healthy.Store(true)
	h := newHarness(t, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.cycle.Run(context.Background())
	}()
	require.Eventually(t, h.cycle.Running, time.Second, 5*time.Millisecond)

	_, ran := h.cycle.Run(context.Background())
	assert.False(t, ran)

	close(slow.block)
	<-done
	assert.False(t, h.cycle.Running())
	assert.Equal(t, 1, h.obs.skipped)
	assert.Equal(t, 1, h.obs.cycles)
}

func TestTask_RunsOnStartAndTicks(t *testing.T) {
	var runs atomic.Int32
	task, err := scheduler.NewTask(scheduler.TaskConfig{
		Name:       "probe",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run:        func(context.Context) { runs.Add(1) },
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, "probe", task.String())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- task.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestNewTask_Validation(t *testing.T) {
	_, err := scheduler.NewTask(scheduler.TaskConfig{Name: "x", Run: func(context.Context) {}})
	assert.Error(t, err)

	_, err = scheduler.NewTask(scheduler.TaskConfig{Name: "x", Interval: time.Second})
	assert.Error(t, err)
}

func TestBudgetResetTask(t *testing.T) {
	c := &clock{now: time.Now()}
	store := state.NewStore(state.StoreConfig{Services: []string{"api", "worker"}, Now: c.Now})
	require.True(t, store.ReserveRestart("api", 2, 0).Allowed)
	require.True(t, store.ReserveRestart("worker", 1, 0).Exhausted)

	task, err := scheduler.NewBudgetResetTask(5*time.Millisecond, store, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = task.Serve(ctx) }()

	require.Eventually(t, func() bool { return store.RestartAttempts("api") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.RestartAttempts("worker"))
	assert.True(t, store.IsDegraded("worker"))
}
