// Package recovery decides and executes recovery actions for failed health samples.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/housekeeping"
	"github.com/breatheroute/recoveryd/internal/servicecontrol"
	"github.com/breatheroute/recoveryd/internal/state"
)

// CPU escalation policies.
const (
	CPUPolicyEscalate = "escalate"
	CPUPolicyRestart  = "restart"
)

// CircuitGate reports whether a service's circuit admits recovery work.
type CircuitGate interface {
	Allow(service string) bool
}

// Cleaner frees disk space.
type Cleaner interface {
	Clean(ctx context.Context) (housekeeping.Result, error)
}

// Config holds the engine's collaborators and limits.
type Config struct {
	Store      *state.Store
	Circuits   CircuitGate
	Controller servicecontrol.Controller
	Cleaner    Cleaner

	// MaxRestartAttempts is the per-service budget between resets.
	// Default: 3
	MaxRestartAttempts int

	// MinRestartDelay is the minimum spacing of restarts of one service.
	// Default: 5s
	MinRestartDelay time.Duration

	// ActionTimeout bounds each external action.
	// Default: 20s
	ActionTimeout time.Duration

	// CPUPolicy is CPUPolicyEscalate or CPUPolicyRestart.
	// Default: escalate
	CPUPolicy string

	Logger zerolog.Logger

	// OnAction is called for every recorded action.
	OnAction func(state.RecoveryAction)

	// FreeMemory runs an in-process collection when the controller cannot
	// ask a service to collect.
	FreeMemory func()

	Now func() time.Time
}

// Engine turns failed samples into recovery actions.
type Engine struct {
	cfg Config
	log zerolog.Logger

	inFlight atomic.Int32

	mu       sync.Mutex
	previous map[planKey]bool
}

type planKey struct {
	kind   health.Kind
	target string
}

type step struct {
	action      state.ActionType
	target      string
	triggeredBy []string
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 3
	}
	if cfg.MinRestartDelay <= 0 {
		cfg.MinRestartDelay = 5 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 20 * time.Second
	}
	if cfg.CPUPolicy == "" {
		cfg.CPUPolicy = CPUPolicyEscalate
	}
	if cfg.FreeMemory == nil {
		cfg.FreeMemory = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Controller == nil {
		cfg.Controller = servicecontrol.Noop{}
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		previous: make(map[planKey]bool),
	}
}

// InFlight returns the number of actions currently executing.
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// Reset forgets which failures were seen on the previous cycle.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.previous = make(map[planKey]bool)
}

// Handle plans and runs recovery for one cycle's failed samples. Actions for
// different targets run concurrently; actions for one target run in order.
// The returned actions are sorted by target.
func (e *Engine) Handle(ctx context.Context, failed []health.Sample) []state.RecoveryAction {
	plan := e.plan(failed)
	if len(plan) == 0 {
		return nil
	}

	byTarget := make(map[string][]step)
	var targets []string
	for _, s := range plan {
		if _, ok := byTarget[s.target]; !ok {
			targets = append(targets, s.target)
		}
		byTarget[s.target] = append(byTarget[s.target], s)
	}
	slices.Sort(targets)

	results := make([][]state.RecoveryAction, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			for _, s := range byTarget[target] {
				results[i] = append(results[i], e.execute(ctx, s))
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []state.RecoveryAction
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// plan maps failures to steps. A (kind, target) failing on two consecutive
// cycles escalates to a restart where the kind allows it. Restarts of the
// same service are merged into one step.
func (e *Engine) plan(failed []health.Sample) []step {
	e.mu.Lock()
	previous := e.previous
	current := make(map[planKey]bool, len(failed))
	for _, s := range failed {
		current[planKey{s.Kind, s.Target}] = true
	}
	e.previous = current
	e.mu.Unlock()

	var steps []step
	restarts := make(map[string]int)
	seen := make(map[planKey]bool)
	add := func(action state.ActionType, target, trigger string) {
		if action == state.ActionRestart {
			if i, ok := restarts[target]; ok {
				steps[i].triggeredBy = append(steps[i].triggeredBy, trigger)
				return
			}
			restarts[target] = len(steps)
		}
		steps = append(steps, step{action: action, target: target, triggeredBy: []string{trigger}})
	}

	for _, s := range failed {
		key := planKey{s.Kind, s.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		trigger := string(s.Kind) + ":" + s.Target
		attributable := s.Target != health.HostTarget && s.Target != ""
		repeat := previous[key]

		switch s.Kind {
		case health.KindMemory:
			if repeat && attributable {
				add(state.ActionRestart, s.Target, trigger)
			} else {
				add(state.ActionForceGC, s.Target, trigger)
			}
		case health.KindCPU:
			switch {
			case !attributable:
				e.log.Warn().Float64("value", s.Value).Msg("host cpu above threshold with no owning service; no action")
			case e.cfg.CPUPolicy == CPUPolicyRestart || repeat:
				add(state.ActionRestart, s.Target, trigger)
			default:
				add(state.ActionFlushCache, s.Target, trigger)
			}
		case health.KindDisk:
			if repeat && attributable {
				add(state.ActionRestart, s.Target, trigger)
			} else {
				add(state.ActionDiskCleanup, s.Target, trigger)
			}
		case health.KindProcess, health.KindEndpoint, health.KindDatabase:
			if !attributable || s.Target == "database" {
				e.log.Warn().Str("kind", string(s.Kind)).Str("target", s.Target).Msg("failure has no owning service; no action")
				continue
			}
			add(state.ActionRestart, s.Target, trigger)
		}
	}
	return steps
}

func (e *Engine) execute(ctx context.Context, s step) state.RecoveryAction {
	a := state.RecoveryAction{
		ID:          uuid.NewString(),
		Type:        s.action,
		Target:      s.target,
		TriggeredBy: strings.Join(s.triggeredBy, ","),
		StartedAt:   e.cfg.Now(),
	}
	log := e.log.With().
		Str("action_id", a.ID).
		Str("action", string(a.Type)).
		Str("target", a.Target).
		Str("triggered_by", a.TriggeredBy).
		Logger()

	if reason, ok := e.admit(a.Type, a.Target); !ok {
		a.Result = state.ResultRateLimited
		a.Detail = reason
		a.FinishedAt = e.cfg.Now()
		log.Info().Str("reason", reason).Msg("recovery action rate limited")
		e.record(a)
		return a
	}

	e.inFlight.Add(1)
	e.cfg.Store.MarkRecovering()
	defer e.inFlight.Add(-1)

	actx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	detail, err := e.run(actx, a.Type, a.Target)
	a.FinishedAt = e.cfg.Now()
	a.Detail = detail
	if err != nil {
		a.Result = state.ResultFailure
		a.Detail = err.Error()
		log.Error().Err(err).Dur("duration", a.FinishedAt.Sub(a.StartedAt)).Msg("recovery action failed")
		e.cfg.Store.RecordError(state.ErrorTypeRecovery, a.Target, fmt.Sprintf("%s: %v", a.Type, err))
	} else {
		a.Result = state.ResultSuccess
		log.Info().Dur("duration", a.FinishedAt.Sub(a.StartedAt)).Msg("recovery action succeeded")
	}
	e.record(a)
	return a
}

// admit applies the circuit gate to every action aimed at a service, then the
// budget and spacing gates to restarts.
func (e *Engine) admit(action state.ActionType, target string) (string, bool) {
	service := target != "" && target != health.HostTarget
	if service && e.cfg.Circuits != nil && !e.cfg.Circuits.Allow(target) {
		return "circuit open", false
	}
	if action != state.ActionRestart {
		return "", true
	}
	return e.admitRestart(target)
}

func (e *Engine) admitRestart(service string) (string, bool) {
	d := e.cfg.Store.ReserveRestart(service, e.cfg.MaxRestartAttempts, e.cfg.MinRestartDelay)
	if d.Exhausted {
		e.log.Error().Str("service", service).Int("max_attempts", e.cfg.MaxRestartAttempts).
			Msg("restart budget exhausted; service marked degraded")
	}
	return d.Reason, d.Allowed
}

func (e *Engine) run(ctx context.Context, action state.ActionType, target string) (string, error) {
	switch action {
	case state.ActionRestart:
		if err := e.cfg.Controller.Restart(ctx, target); err != nil {
			return "", err
		}
		return "restarted", nil

	case state.ActionFlushCache:
		f, ok := e.cfg.Controller.(servicecontrol.CacheFlusher)
		if !ok {
			return "", errors.New("controller cannot flush caches")
		}
		if err := f.FlushCache(ctx, target); err != nil {
			return "", err
		}
		return "cache flushed", nil

	case state.ActionForceGC:
		if g, ok := e.cfg.Controller.(servicecontrol.GCRequester); ok && target != health.HostTarget {
			if err := g.RequestGC(ctx, target); err != nil {
				return "", err
			}
			return "gc requested", nil
		}
		e.cfg.FreeMemory()
		return "in-process gc", nil

	case state.ActionDiskCleanup:
		if e.cfg.Cleaner == nil {
			return "", errors.New("no disk cleaner configured")
		}
		res, err := e.cfg.Cleaner.Clean(ctx)
		if err != nil {
			return "", fmt.Errorf("%s: %w", res, err)
		}
		return res.String(), nil
	}
	return "", fmt.Errorf("unknown action %q", action)
}

func (e *Engine) record(a state.RecoveryAction) {
	e.cfg.Store.RecordAction(a)
	if e.cfg.OnAction != nil {
		e.cfg.OnAction(a)
	}
}
