package circuit

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/breatheroute/recoveryd/internal/state"
)

var errUnhealthy = errors.New("unhealthy sample")

// Transition is one observed change of a service's circuit state.
type Transition struct {
	Service string
	From    state.CircuitState
	To      state.CircuitState
	At      time.Time
}

// Registry owns the breaker of every supervised service. Samples are fed
// through the breakers with Record; the breaker library decides every
// transition, so only the four legal edges can occur.
type Registry struct {
	mu           sync.Mutex
	cfg          Config
	entries      map[string]*entry
	onTransition func(Transition)
}

type entry struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]

	// failureCount totals unhealthy observations, including those an open
	// circuit rejected. Consecutive runs come from the breaker's counts,
	// which restart at every transition.
	failureCount     uint64
	lastTransitionAt time.Time

	// pending collects transitions reported by the breaker callback, which
	// runs on the goroutine holding Registry.mu.
	pending []Transition
}

// NewRegistry creates a registry with a closed circuit for every service.
// onTransition, when set, is called outside the registry lock.
func NewRegistry(cfg Config, services []string, onTransition func(Transition)) *Registry {
	r := &Registry{
		cfg:          cfg.withDefaults(),
		entries:      make(map[string]*entry, len(services)),
		onTransition: onTransition,
	}
	for _, name := range services {
		r.entries[name] = r.newEntry(name)
	}
	return r
}

func (r *Registry) newEntry(name string) *entry {
	e := &entry{name: name, lastTransitionAt: time.Now()}
	e.cb = newBreaker(name, r.cfg, func(from, to gobreaker.State) {
		t := Transition{
			Service: name,
			From:    fromBreakerState(from),
			To:      fromBreakerState(to),
			At:      time.Now(),
		}
		e.lastTransitionAt = t.At
		e.pending = append(e.pending, t)
	})
	return e
}

func (r *Registry) entryLocked(name string) *entry {
	e, ok := r.entries[name]
	if !ok {
		e = r.newEntry(name)
		r.entries[name] = e
	}
	return e
}

// Record feeds one health observation for a service and returns the
// transitions it caused. While a circuit is open the observation only adds
// to the failure total; it never reaches the breaker's consecutive counts.
func (r *Registry) Record(name string, healthy bool) []Transition {
	r.mu.Lock()
	e := r.entryLocked(name)

	_, _ = e.cb.Execute(func() (struct{}, error) {
		if healthy {
			return struct{}{}, nil
		}
		return struct{}{}, errUnhealthy
	})
	if !healthy {
		e.failureCount++
	}

	ts := r.drainLocked()
	r.mu.Unlock()

	r.notify(ts)
	return ts
}

// Allow reports whether recovery actions may target the service. Only an
// open circuit blocks; half-open lets the next attempt through.
func (r *Registry) Allow(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return true
	}
	s := e.cb.State()
	ts := r.drainLocked()
	r.mu.Unlock()

	r.notify(ts)
	return s != gobreaker.StateOpen
}

// State returns the current circuit state of a service.
func (r *Registry) State(name string) state.CircuitState {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return state.CircuitClosed
	}
	s := e.cb.State()
	ts := r.drainLocked()
	r.mu.Unlock()

	r.notify(ts)
	return fromBreakerState(s)
}

// Snapshot returns the state of every circuit, keyed by service.
func (r *Registry) Snapshot() map[string]state.ServiceCircuitState {
	r.mu.Lock()
	out := make(map[string]state.ServiceCircuitState, len(r.entries))
	for name, e := range r.entries {
		// State first: an elapsed cool-down moves to half-open and clears counts.
		cs := fromBreakerState(e.cb.State())
		counts := e.cb.Counts()
		out[name] = state.ServiceCircuitState{
			Name:                 name,
			State:                cs,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			FailureCount:         e.failureCount,
			LastTransitionAt:     e.lastTransitionAt,
		}
	}
	ts := r.drainLocked()
	r.mu.Unlock()

	r.notify(ts)
	return out
}

// Services returns the tracked service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restore seeds circuits from persisted states. Services whose circuit was
// open or half-open are tripped again, so their cool-down restarts now.
// Unknown services are ignored.
func (r *Registry) Restore(states map[string]state.ServiceCircuitState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cs := range states {
		if _, ok := r.entries[name]; !ok {
			continue
		}
		e := r.newEntry(name)
		if cs.State == state.CircuitOpen || cs.State == state.CircuitHalfOpen {
			for i := uint32(0); i < r.cfg.FailureThreshold; i++ {
				_, _ = e.cb.Execute(func() (struct{}, error) { return struct{}{}, errUnhealthy })
			}
		}
		e.pending = nil
		e.failureCount = cs.FailureCount
		r.entries[name] = e
	}
}

// Reset closes every circuit.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.entries {
		r.entries[name] = r.newEntry(name)
	}
}

func (r *Registry) drainLocked() []Transition {
	var out []Transition
	for _, e := range r.entries {
		if len(e.pending) == 0 {
			continue
		}
		out = append(out, e.pending...)
		e.pending = nil
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (r *Registry) notify(ts []Transition) {
	if r.onTransition == nil {
		return
	}
	for _, t := range ts {
		r.onTransition(t)
	}
}
