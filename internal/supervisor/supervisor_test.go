package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/config"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/servicecontrol"
	"github.com/breatheroute/recoveryd/internal/state"
	"github.com/breatheroute/recoveryd/internal/supervisor"
)

type memPersister struct {
	mu      sync.Mutex
	saved   *state.SupervisorState
	saves   int
	loads   atomic.Int32
	loadErr error
	gate    chan struct{}
	waiting atomic.Int32
}

func (p *memPersister) Load(context.Context) (*state.SupervisorState, error) {
	p.loads.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	if p.saved == nil {
		return nil, state.ErrStateNotFound
	}
	return p.saved.Clone(), nil
}

func (p *memPersister) Save(_ context.Context, st *state.SupervisorState) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		p.waiting.Add(1)
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = st.Clone()
	p.saves++
	return nil
}

func (p *memPersister) Close() error { return nil }

func (p *memPersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func (p *memPersister) last() *state.SupervisorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved == nil {
		return nil
	}
	return p.saved.Clone()
}

type recordingController struct {
	mu       sync.Mutex
	restarts []string
}

func (c *recordingController) Restart(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts = append(c.restarts, name)
	return nil
}

func (c *recordingController) Status(context.Context, string) (servicecontrol.Status, error) {
	return servicecontrol.StatusOnline, nil
}

func (c *recordingController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.restarts)
}

type stubProbe struct {
	kind    health.Kind
	target  string
	healthy atomic.Bool
	block   chan struct{}
}

func (p *stubProbe) Kind() health.Kind { return p.kind }
func (p *stubProbe) Target() string    { return p.target }

func (p *stubProbe) Check(ctx context.Context) (health.Sample, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return health.Sample{Kind: p.kind, Target: p.target, Value: 0.5, Healthy: p.healthy.Load()}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Services = []string{"api", "worker"}
	cfg.Endpoints = []config.EndpointConfig{{Service: "api", URL: "http://127.0.0.1:1/health"}}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Recovery.Controller = servicecontrol.KindNoop
	cfg.Recovery.MinRestartDelay = time.Millisecond
	cfg.Recovery.ActionTimeout = time.Second
	cfg.Health.Interval = time.Hour
	cfg.ApplyDerived()
	return cfg
}

type fixture struct {
	sup       *supervisor.Supervisor
	persister *memPersister
	ctl       *recordingController
	probe     *stubProbe
}

func newFixture(t *testing.T, cfg *config.Config, persister *memPersister) *fixture {
	t.Helper()
	f := &fixture{
		persister: persister,
		ctl:       &recordingController{},
		probe:     &stubProbe{kind: health.KindEndpoint, target: "api"},
	}
	sup, err := supervisor.New(supervisor.Options{
		Config:         cfg,
		Logger:         zerolog.Nop(),
		Version:        "test",
		Controller:     f.ctl,
		Persister:      persister,
		Probes:         []health.Probe{f.probe},
		StartupRetries: 2,
		StartupBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	f.sup = sup
	return f
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.sup.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestStart_HealthBeforeFirstCycle(t *testing.T) {
	f := newFixture(t, testConfig(t), &memPersister{})
	f.probe.block = make(chan struct{})

	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(func() {
		close(f.probe.block)
		_ = f.sup.Stop(context.Background())
	})

	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "initializing", body["status"])
	assert.Equal(t, map[string]interface{}{"api": float64(0), "worker": float64(0)}, body["restartAttempts"])
}

func TestStart_RestoresPersistedState(t *testing.T) {
	persisted := state.NewSupervisorState([]string{"api", "worker"}, time.Now().Add(-time.Hour))
	persisted.Status = state.StatusDegraded
	persisted.RestartAttempts["api"] = 3
	persisted.DegradedServices = []string{"api"}
	persisted.CircuitStates["api"] = state.ServiceCircuitState{Name: "api", State: state.CircuitOpen, ConsecutiveFailures: 3}

	f := newFixture(t, testConfig(t), &memPersister{saved: persisted})
	f.probe.block = make(chan struct{})
	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(func() {
		close(f.probe.block)
		_ = f.sup.Stop(context.Background())
	})

	snap := f.sup.Snapshot()
	assert.Equal(t, 3, snap.RestartAttempts["api"])
	assert.Equal(t, []string{"api"}, snap.DegradedServices)
	assert.Equal(t, state.CircuitOpen, snap.CircuitStates["api"].State)
	assert.Equal(t, state.CircuitClosed, snap.CircuitStates["worker"].State)
	assert.Equal(t, state.StatusInitializing, snap.Status)
}

func TestStart_FatalAfterBoundedRetries(t *testing.T) {
	persister := &memPersister{loadErr: errors.New("disk on fire")}
	f := newFixture(t, testConfig(t), persister)

	err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, supervisor.ErrStartup)
	assert.Equal(t, int32(3), persister.loads.Load())

	snap := f.sup.Snapshot()
	assert.Equal(t, state.StatusFatal, snap.Status)
	require.NotEmpty(t, snap.RecentErrors)
	assert.Equal(t, state.ErrorTypeStartup, snap.RecentErrors[len(snap.RecentErrors)-1].Type)

	code, _ := f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NoError(t, f.sup.Stop(context.Background()))
}

func TestStart_CorruptStateStartsFresh(t *testing.T) {
	persister := &memPersister{loadErr: fmt.Errorf("%w: primary: bad json", state.ErrStateCorrupt)}
	f := newFixture(t, testConfig(t), persister)
	f.probe.block = make(chan struct{})
	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(func() {
		close(f.probe.block)
		_ = f.sup.Stop(context.Background())
	})

	assert.Equal(t, int32(1), persister.loads.Load(), "corrupt state is not retried")
	snap := f.sup.Snapshot()
	assert.Equal(t, state.StatusInitializing, snap.Status)
	assert.Zero(t, snap.RestartAttempts["api"])
	require.NotEmpty(t, snap.RecentErrors)
	last := snap.RecentErrors[len(snap.RecentErrors)-1]
	assert.Equal(t, state.ErrorTypeStartup, last.Type)
	assert.Contains(t, last.Message, "state corrupt")
}

func TestStart_InvalidConfigIsNotRetried(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recovery.ActionTimeout = 2 * cfg.Health.Interval
	persister := &memPersister{}
	f := newFixture(t, cfg, persister)

	err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, supervisor.ErrStartup)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Zero(t, persister.loads.Load())
}

func TestRunCycle_RestartsFailingService(t *testing.T) {
	f := newFixture(t, testConfig(t), &memPersister{})

	res, ran := f.sup.RunCycle(context.Background())
	require.True(t, ran)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, state.ActionRestart, res.Actions[0].Type)
	assert.Equal(t, state.ResultSuccess, res.Actions[0].Result)
	assert.Equal(t, 1, f.ctl.count())
	assert.Equal(t, 1, f.sup.Snapshot().RestartAttempts["api"])

	samples, at := f.sup.Samples()
	require.Len(t, samples, 1)
	assert.False(t, at.IsZero())
	assert.Len(t, f.sup.History(), 1)
}

func TestReset_PersistsFreshState(t *testing.T) {
	persister := &memPersister{}
	f := newFixture(t, testConfig(t), persister)
	f.probe.block = make(chan struct{})
	require.NoError(t, f.sup.Start(context.Background()))
	close(f.probe.block)
	t.Cleanup(func() { _ = f.sup.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return f.sup.Snapshot().RestartAttempts["api"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	f.sup.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reset_successful")

	snap := f.sup.Snapshot()
	assert.Equal(t, 0, snap.RestartAttempts["api"])
	assert.Empty(t, snap.DegradedServices)
	for _, cs := range snap.CircuitStates {
		assert.Equal(t, state.CircuitClosed, cs.State)
	}

	saved := persister.last()
	require.NotNil(t, saved)
	assert.Equal(t, 0, saved.RestartAttempts["api"])
}

func TestReset_ConcurrentIsRejected(t *testing.T) {
	persister := &memPersister{}
	f := newFixture(t, testConfig(t), persister)
	f.probe.block = make(chan struct{})
	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(func() {
		close(f.probe.block)
		_ = f.sup.Stop(context.Background())
	})

	// Let the startup save land so the gate only holds the reset's flush.
	require.Eventually(t, func() bool { return persister.saveCount() >= 1 }, time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	persister.mu.Lock()
	persister.gate = gate
	persister.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- f.sup.Reset(context.Background()) }()
	require.Eventually(t, func() bool { return persister.waiting.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.sup.Reset(context.Background()), state.ErrResetInProgress)

	close(gate)
	assert.NoError(t, <-first)
	assert.NoError(t, f.sup.Reset(context.Background()))
}

func TestStop_WritesFinalSnapshot(t *testing.T) {
	persister := &memPersister{}
	cfg := testConfig(t)
	f := newFixture(t, cfg, persister)
	f.probe.healthy.Store(true)
	require.NoError(t, f.sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return f.sup.Snapshot().LastCheckAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.sup.Stop(context.Background()))

	saved := persister.last()
	require.NotNil(t, saved)
	assert.NotNil(t, saved.LastCheckAt)
	assert.Equal(t, state.StatusRunning, saved.Status)

	_, err := net.Dial("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	assert.Error(t, err, "http server still listening")
}
