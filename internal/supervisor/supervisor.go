// Package supervisor assembles recoveryd's components and owns their
// lifecycle: startup validation, state restore, the suture tree and shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/breatheroute/recoveryd/internal/api"
	"github.com/breatheroute/recoveryd/internal/api/middleware"
	"github.com/breatheroute/recoveryd/internal/auth"
	"github.com/breatheroute/recoveryd/internal/circuit"
	"github.com/breatheroute/recoveryd/internal/config"
	"github.com/breatheroute/recoveryd/internal/database"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/housekeeping"
	"github.com/breatheroute/recoveryd/internal/metrics"
	"github.com/breatheroute/recoveryd/internal/recovery"
	"github.com/breatheroute/recoveryd/internal/scheduler"
	"github.com/breatheroute/recoveryd/internal/servicecontrol"
	"github.com/breatheroute/recoveryd/internal/state"
)

// ErrStartup is wrapped by every startup validation failure.
var ErrStartup = errors.New("startup validation failed")

// Options holds the supervisor's configuration and optional overrides.
type Options struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Version   string
	BuildTime string

	// Controller replaces the adapter selected by recovery.controller.
	Controller servicecontrol.Controller

	// Runner executes controller and housekeeping commands.
	// Default: servicecontrol.ExecRunner
	Runner servicecontrol.Runner

	// Persister replaces the backend selected by state.backend.
	Persister state.Persister

	// Probes replaces the probes built from the configuration.
	Probes []health.Probe

	// StartupRetries bounds startup validation attempts after the first.
	// Default: 3
	StartupRetries uint64

	// StartupBackoff is the first delay between startup attempts.
	// Default: 1s
	StartupBackoff time.Duration

	Now func() time.Time
}

// Supervisor is a running recoveryd instance.
type Supervisor struct {
	opts Options
	cfg  *config.Config
	log  zerolog.Logger

	controller servicecontrol.Controller
	store      *state.Store
	circuits   *circuit.Registry
	engine     *recovery.Engine
	cycle      *scheduler.Cycle
	collector  *health.Collector
	refresher  *health.Collector
	metrics    *metrics.Metrics
	handler    http.Handler

	persister state.Persister
	flusher   *state.Flusher
	pool      *pgxpool.Pool

	resetting atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan error
}

// New wires every component. Nothing is started and no storage is touched
// until Start.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: no configuration", ErrStartup)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Runner == nil {
		opts.Runner = servicecontrol.ExecRunner{}
	}
	if opts.StartupRetries == 0 {
		opts.StartupRetries = 3
	}
	if opts.StartupBackoff <= 0 {
		opts.StartupBackoff = time.Second
	}
	cfg := opts.Config

	s := &Supervisor{
		opts:      opts,
		cfg:       cfg,
		log:       opts.Logger.With().Str("component", "supervisor").Logger(),
		metrics:   metrics.New(),
		persister: opts.Persister,
	}

	s.controller = opts.Controller
	if s.controller == nil {
		ctl, err := servicecontrol.New(cfg.Recovery.Controller, cfg.Recovery.ControllerBinary, opts.Runner)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		s.controller = ctl
	}

	s.store = state.NewStore(state.StoreConfig{
		Services:   cfg.Services,
		MaxErrors:  cfg.State.MaxErrors,
		MaxActions: cfg.State.MaxActions,
		Now:        opts.Now,
	})

	s.circuits = circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		CoolDown:         cfg.Circuit.CoolDown,
	}, cfg.Services, s.metrics.ObserveTransition)

	cleaner := housekeeping.New(housekeeping.Config{
		Dirs:     cfg.Housekeeping.Dirs,
		Patterns: cfg.Housekeeping.Patterns,
		MaxAge:   cfg.Housekeeping.MaxAge,
		Commands: cfg.Housekeeping.Commands,
		Runner:   opts.Runner,
		Logger:   opts.Logger,
		Now:      opts.Now,
	})

	s.engine = recovery.NewEngine(recovery.Config{
		Store:              s.store,
		Circuits:           s.circuits,
		Controller:         s.controller,
		Cleaner:            cleaner,
		MaxRestartAttempts: cfg.Recovery.MaxRestartAttempts,
		MinRestartDelay:    cfg.Recovery.MinRestartDelay,
		ActionTimeout:      cfg.Recovery.ActionTimeout,
		CPUPolicy:          cfg.Recovery.CPUPolicy,
		Logger:             opts.Logger,
		OnAction:           s.metrics.ObserveAction,
		Now:                opts.Now,
	})

	probes := opts.Probes
	if probes == nil {
		probes = s.buildProbes()
	}
	s.collector = health.NewCollector(health.CollectorConfig{
		Probes:       probes,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		HistorySize:  cfg.Health.HistorySize,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})
	s.refresher = health.NewCollector(health.CollectorConfig{
		Probes:       resourceProbes(probes),
		ProbeTimeout: cfg.Health.ProbeTimeout,
		HistorySize:  1,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})

	s.cycle = scheduler.NewCycle(scheduler.CycleConfig{
		Collector: s.collector,
		Circuits:  s.circuits,
		Engine:    s.engine,
		Store:     s.store,
		Observer:  s.metrics,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})

	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create http metrics: %w", err)
	}
	routerCfg := api.RouterConfig{
		Version:    opts.Version,
		BuildTime:  opts.BuildTime,
		Logger:     opts.Logger.With().Str("component", "http").Logger(),
		Metrics:    httpMetrics,
		Supervisor: s,
		ResetRateLimit: middleware.RateLimitConfig{
			RequestLimit: cfg.Control.ResetRateLimit,
			WindowLength: cfg.Control.ResetRateWindow,
		},
	}
	if cfg.Telemetry.Prometheus {
		routerCfg.Prometheus = s.metrics.Handler()
	}
	if cfg.Control.TokenSecret != "" {
		routerCfg.Tokens = auth.NewTokenService(auth.TokenConfig{Secret: cfg.Control.TokenSecret})
	}
	s.handler = api.NewRouter(routerCfg)

	return s, nil
}

// buildProbes derives the probe set from the configuration.
func (s *Supervisor) buildProbes() []health.Probe {
	cfg := s.cfg
	probes := []health.Probe{
		&health.MemoryProbe{
			Threshold:    cfg.Thresholds.Memory,
			CeilingBytes: cfg.Health.MemoryCeilingBytes,
			Owner:        cfg.Recovery.MemoryOwner,
		},
		&health.CPUProbe{
			Threshold: cfg.Thresholds.CPU,
			Window:    cfg.Health.CPUSampleWindow,
			Owner:     cfg.Recovery.CPUOwner,
		},
		&health.DiskProbe{
			Path:      cfg.Health.DiskPath,
			Threshold: cfg.Thresholds.Disk,
			Owner:     cfg.Recovery.DiskOwner,
		},
	}

	client := &http.Client{Timeout: cfg.Health.ProbeTimeout}
	for _, ep := range cfg.Endpoints {
		probes = append(probes, &health.EndpointProbe{Service: ep.Service, URL: ep.URL, Client: client})
	}
	for _, svc := range cfg.Services {
		probes = append(probes, &health.ProcessProbe{Service: svc, Controller: s.controller})
	}
	if cfg.Database.Enabled {
		probes = append(probes, &health.DatabaseProbe{Owner: cfg.Recovery.DatabaseOwner, DB: poolPinger{s}})
	}
	return probes
}

// poolPinger pings the pool opened by Start.
type poolPinger struct{ s *Supervisor }

func (p poolPinger) Ping(ctx context.Context) error {
	if p.s.pool == nil {
		return errors.New("database pool not open")
	}
	return p.s.pool.Ping(ctx)
}

func resourceProbes(probes []health.Probe) []health.Probe {
	var out []health.Probe
	for _, p := range probes {
		switch p.Kind() {
		case health.KindMemory, health.KindCPU, health.KindDisk:
			out = append(out, p)
		}
	}
	return out
}

// Start validates the environment, restores persisted state and starts every
// periodic task and the HTTP server. Validation is retried with exponential
// backoff; when it still fails the status becomes fatal and an error wrapping
// ErrStartup is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	loaded, err := s.validate(ctx)
	if err != nil {
		s.store.SetStatus(state.StatusFatal)
		s.store.RecordError(state.ErrorTypeStartup, "", err.Error())
		s.metrics.ObserveState(s.store.Snapshot())
		s.log.Error().Err(err).Msg("startup validation failed")
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	if loaded != nil {
		s.store.Restore(loaded)
		s.circuits.Restore(loaded.CircuitStates)
		s.log.Info().
			Str("persisted_status", string(loaded.Status)).
			Int("degraded", len(loaded.DegradedServices)).
			Msg("restored supervisor state")
	} else {
		s.log.Info().Msg("no persisted state, starting fresh")
	}
	s.store.SetCircuitStates(s.circuits.Snapshot())
	s.metrics.ObserveState(s.store.Snapshot())

	s.flusher = state.NewFlusher(state.FlusherConfig{
		Store:         s.store,
		Persister:     s.persister,
		Logger:        s.opts.Logger,
		RetryInterval: s.cfg.State.RetryInterval,
		OnResult:      s.metrics.ObservePersist,
	})

	tree, err := s.buildTree()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.done = tree.ServeBackground(runCtx)
	s.mu.Unlock()

	s.store.MarkDirty()
	s.log.Info().
		Strs("services", s.cfg.Services).
		Str("controller", s.cfg.Recovery.Controller).
		Str("addr", s.cfg.Server.Addr()).
		Msg("supervisor started")
	return nil
}

// validate opens storage and the optional database pool and loads the
// persisted snapshot. A nil state means none was saved yet or every saved
// copy was corrupt.
func (s *Supervisor) validate(ctx context.Context) (*state.SupervisorState, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.StartupBackoff
	bo.MaxElapsedTime = 0

	var loaded *state.SupervisorState
	attempt := 0
	operation := func() error {
		attempt++
		if s.persister == nil {
			p, err := openPersister(s.cfg.State)
			if err != nil {
				return err
			}
			s.persister = p
		}

		st, err := s.persister.Load(ctx)
		switch {
		case errors.Is(err, state.ErrStateNotFound):
			loaded = nil
		case errors.Is(err, state.ErrStateCorrupt):
			// Retrying cannot repair the snapshot.
			s.log.Warn().Err(err).Msg("persisted state is unreadable, starting fresh")
			s.store.RecordError(state.ErrorTypeStartup, "", err.Error())
			loaded = nil
		case err != nil:
			return fmt.Errorf("load state: %w", err)
		default:
			loaded = st
		}

		if s.cfg.Database.Enabled && s.pool == nil {
			pool, err := database.Open(ctx, database.Config{
				Host:     s.cfg.Database.Host,
				Port:     s.cfg.Database.Port,
				User:     s.cfg.Database.User,
				Password: s.cfg.Database.Password,
				Database: s.cfg.Database.Name,
				SSLMode:  s.cfg.Database.SSLMode,
			})
			if err != nil {
				return backoff.Permanent(err)
			}
			s.pool = pool
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("startup validation failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.opts.StartupRetries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}

	return loaded, nil
}

func openPersister(cfg config.StateConfig) (state.Persister, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return state.OpenBadgerPersister(cfg.BadgerDir)
	default:
		return state.NewFilePersister(cfg.Path, cfg.BackupPath)
	}
}

func (s *Supervisor) buildTree() (*Tree, error) {
	tree := NewTree(s.opts.Logger, TreeConfig{ShutdownTimeout: s.cfg.Server.ShutdownTimeout})

	healthTask, err := scheduler.NewHealthTask(s.cfg.Health.Interval, s.cycle, s.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("health task: %w", err)
	}
	metricsTask, err := scheduler.NewMetricsTask(s.cfg.Health.MetricsInterval, s.refresher, s.metrics, s.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("metrics task: %w", err)
	}
	budgetTask, err := scheduler.NewBudgetResetTask(s.cfg.Health.BudgetResetInterval, s.store, s.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("budget reset task: %w", err)
	}

	tree.AddMonitoringService(healthTask)
	tree.AddMonitoringService(metricsTask)
	tree.AddMonitoringService(budgetTask)
	tree.AddStateService(s.flusher)
	tree.AddAPIService(NewHTTPService(&http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.handler,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}, s.cfg.Server.ShutdownTimeout))
	return tree, nil
}

// Stop cancels every task, waits for them, writes a final snapshot and closes
// storage. It is safe to call when Start failed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for tasks: %w", ctx.Err()))
		}
	}

	if s.flusher != nil {
		if err := s.flusher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	}
	if s.persister != nil {
		if err := s.persister.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state storage: %w", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}

	s.log.Info().Msg("supervisor stopped")
	return errors.Join(errs...)
}

// Reset clears restart budgets, degraded marks and circuits, and persists the
// fresh state before returning. Concurrent resets fail with
// state.ErrResetInProgress.
func (s *Supervisor) Reset(ctx context.Context) error {
	if !s.resetting.CompareAndSwap(false, true) {
		return state.ErrResetInProgress
	}
	defer s.resetting.Store(false)

	s.store.Reset()
	s.circuits.Reset()
	s.engine.Reset()
	s.store.SetCircuitStates(s.circuits.Snapshot())
	s.metrics.ObserveState(s.store.Snapshot())

	if s.flusher != nil {
		if err := s.flusher.Flush(ctx); err != nil {
			s.log.Warn().Err(err).Msg("reset state not persisted, will retry")
		}
	}
	s.log.Info().Msg("supervisor reset")
	return nil
}

// RunCycle runs one health cycle immediately.
func (s *Supervisor) RunCycle(ctx context.Context) (scheduler.CycleResult, bool) {
	return s.cycle.Run(ctx)
}

// Handler returns the status surface.
func (s *Supervisor) Handler() http.Handler { return s.handler }

// Metrics returns the Prometheus instruments.
func (s *Supervisor) Metrics() *metrics.Metrics { return s.metrics }

// Snapshot returns a copy of the current state.
func (s *Supervisor) Snapshot() *state.SupervisorState { return s.store.Snapshot() }

// PersistenceWarning describes ongoing persistence failures, or is empty.
func (s *Supervisor) PersistenceWarning() string { return s.store.PersistenceWarning() }

// Samples returns the latest reading per (kind, target). Resource readings
// from the metrics refresh replace older ones from the last health cycle.
func (s *Supervisor) Samples() ([]health.Sample, time.Time) {
	samples, at := s.collector.Latest()
	fresh, freshAt := s.refresher.Latest()
	if !freshAt.After(at) {
		return samples, at
	}

	type key struct {
		kind   health.Kind
		target string
	}
	newer := make(map[key]health.Sample, len(fresh))
	for _, f := range fresh {
		newer[key{f.Kind, f.Target}] = f
	}
	out := make([]health.Sample, 0, len(samples)+len(fresh))
	for _, smp := range samples {
		k := key{smp.Kind, smp.Target}
		if f, ok := newer[k]; ok {
			out = append(out, f)
			delete(newer, k)
			continue
		}
		out = append(out, smp)
	}
	for _, f := range fresh {
		if _, ok := newer[key{f.Kind, f.Target}]; ok {
			out = append(out, f)
		}
	}
	return out, freshAt
}

// History returns the retained health-cycle samples, oldest first.
func (s *Supervisor) History() []health.Sample { return s.collector.History() }

// InFlight returns the number of running recovery actions.
func (s *Supervisor) InFlight() int { return s.engine.InFlight() }

// CycleRunning reports whether a health cycle is in progress.
func (s *Supervisor) CycleRunning() bool { return s.cycle.Running() }
