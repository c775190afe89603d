package state

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrResetInProgress is returned when a reset is requested while another is
// still running.
var ErrResetInProgress = errors.New("reset already in progress")

// StoreConfig configures a Store.
type StoreConfig struct {
	// Services are the supervised service names.
	Services []string

	// MaxErrors caps RecentErrors.
	// Default: 100
	MaxErrors int

	// MaxActions caps RecentActions.
	// Default: 1000
	MaxActions int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// RestartDecision is the outcome of ReserveRestart.
type RestartDecision struct {
	Allowed bool
	Reason  string
	// Exhausted is true when this call marked the service degraded. It can
	// be set together with Allowed for the last attempt of the budget.
	Exhausted bool
}

// Store is the single owner of SupervisorState. All mutation goes through
// its methods, which hold one mutex for the duration of each call.
type Store struct {
	mu       sync.Mutex
	st       *SupervisorState
	services []string

	maxErrors  int
	maxActions int
	now        func() time.Time

	dirty chan struct{}

	persistFailures int
	persistError    string
}

// NewStore returns a store holding a fresh default state.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 100
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		st:         NewSupervisorState(cfg.Services, cfg.Now()),
		services:   append([]string{}, cfg.Services...),
		maxErrors:  cfg.MaxErrors,
		maxActions: cfg.MaxActions,
		now:        cfg.Now,
		dirty:      make(chan struct{}, 1),
	}
}

// Restore adopts a previously persisted state. Restart budgets, degraded
// marks, circuits and history carry over; status and start time belong to the
// current process. Services no longer configured are dropped and new ones
// start from zero.
func (s *Store) Restore(loaded *SupervisorState) {
	if loaded == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := NewSupervisorState(s.services, s.st.StartTime)
	for _, name := range s.services {
		if n, ok := loaded.RestartAttempts[name]; ok {
			fresh.RestartAttempts[name] = n
		}
		if t, ok := loaded.LastRestartAt[name]; ok {
			fresh.LastRestartAt[name] = t
		}
		if cs, ok := loaded.CircuitStates[name]; ok {
			cs.Name = name
			fresh.CircuitStates[name] = cs
		}
		if slices.Contains(loaded.DegradedServices, name) {
			fresh.DegradedServices = append(fresh.DegradedServices, name)
		}
	}
	if loaded.LastCheckAt != nil {
		t := *loaded.LastCheckAt
		fresh.LastCheckAt = &t
	}
	fresh.RecentErrors = tail(append([]ErrorEntry{}, loaded.RecentErrors...), s.maxErrors)
	fresh.RecentActions = tail(append([]RecoveryAction{}, loaded.RecentActions...), s.maxActions)
	s.st = fresh
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone()
}

// Services returns the configured service names.
func (s *Store) Services() []string {
	return append([]string{}, s.services...)
}

// Status returns the current status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Status
}

// SetStatus sets the status. Fatal is terminal and is never overwritten.
func (s *Store) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Status == StatusFatal {
		return
	}
	s.st.Status = status
}

// MarkRecovering moves a running supervisor to recovering. Degraded,
// initializing and fatal are left alone.
func (s *Store) MarkRecovering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Status == StatusRunning {
		s.st.Status = StatusRecovering
	}
}

// DeriveStatus recomputes the status after a health cycle and returns it.
func (s *Store) DeriveStatus(inFlight int) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.st.Status == StatusFatal:
	case len(s.st.DegradedServices) > 0:
		s.st.Status = StatusDegraded
	case inFlight > 0:
		s.st.Status = StatusRecovering
	case s.allClosedLocked():
		s.st.Status = StatusRunning
	default:
		s.st.Status = StatusRecovering
	}
	return s.st.Status
}

func (s *Store) allClosedLocked() bool {
	for _, cs := range s.st.CircuitStates {
		if cs.State != CircuitClosed {
			return false
		}
	}
	return true
}

// MarkChecked records the completion time of a health cycle.
func (s *Store) MarkChecked(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.LastCheckAt = &t
}

// SetCircuitStates replaces the circuit snapshot.
func (s *Store) SetCircuitStates(states map[string]ServiceCircuitState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.CircuitStates = make(map[string]ServiceCircuitState, len(states))
	for k, v := range states {
		s.st.CircuitStates[k] = v
	}
}

// ReserveRestart checks the restart gate for a service and, when allowed,
// counts the attempt and stamps its time in the same critical section. The
// attempt that reaches maxAttempts is still allowed, but marks the service
// degraded until Reset, so an hourly budget reset cannot forget it.
func (s *Store) ReserveRestart(service string, maxAttempts int, minDelay time.Duration) RestartDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if slices.Contains(s.st.DegradedServices, service) {
		return RestartDecision{Reason: "service is degraded; restart budget exhausted"}
	}
	attempts := s.st.RestartAttempts[service]
	if attempts >= maxAttempts {
		// Only reachable when the budget shrank below an existing count.
		s.degradeLocked(service, maxAttempts, now)
		return RestartDecision{Reason: fmt.Sprintf("restart budget of %d exhausted", maxAttempts), Exhausted: true}
	}
	if last, ok := s.st.LastRestartAt[service]; ok && now.Sub(last) < minDelay {
		return RestartDecision{Reason: fmt.Sprintf("last restart %s ago, minimum spacing %s", now.Sub(last).Round(time.Millisecond), minDelay)}
	}

	s.st.RestartAttempts[service] = attempts + 1
	s.st.LastRestartAt[service] = now
	if attempts+1 >= maxAttempts {
		s.degradeLocked(service, maxAttempts, now)
		return RestartDecision{Allowed: true, Exhausted: true}
	}
	return RestartDecision{Allowed: true}
}

func (s *Store) degradeLocked(service string, maxAttempts int, now time.Time) {
	s.st.DegradedServices = append(s.st.DegradedServices, service)
	s.appendErrorLocked(ErrorEntry{
		Type:      ErrorTypeBudget,
		Target:    service,
		Message:   fmt.Sprintf("restart budget of %d exhausted", maxAttempts),
		Timestamp: now,
	})
}

// RestartAttempts returns the attempts counted for a service.
func (s *Store) RestartAttempts(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.RestartAttempts[service]
}

// IsDegraded reports whether a service exhausted its budget.
func (s *Store) IsDegraded(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.st.DegradedServices, service)
}

// ResetBudgets clears restart counters of services that are not degraded.
// Degraded services keep their count until a manual reset.
func (s *Store) ResetBudgets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared []string
	for name, n := range s.st.RestartAttempts {
		if n == 0 || slices.Contains(s.st.DegradedServices, name) {
			continue
		}
		s.st.RestartAttempts[name] = 0
		cleared = append(cleared, name)
	}
	slices.Sort(cleared)
	return cleared
}

// Reset replaces the state with a fresh default. Status becomes initializing.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = NewSupervisorState(s.services, s.now())
}

// RecordAction appends to the bounded action history.
func (s *Store) RecordAction(a RecoveryAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.RecentActions = tail(append(s.st.RecentActions, a), s.maxActions)
}

// RecordError appends to the bounded error history.
func (s *Store) RecordError(errType, target, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrorLocked(ErrorEntry{Type: errType, Target: target, Message: message, Timestamp: s.now()})
}

func (s *Store) appendErrorLocked(e ErrorEntry) {
	s.st.RecentErrors = tail(append(s.st.RecentErrors, e), s.maxErrors)
}

// MarkDirty queues a persistence request. Requests coalesce: at most one is
// pending at any time.
func (s *Store) MarkDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Dirty is signalled when the state needs saving.
func (s *Store) Dirty() <-chan struct{} {
	return s.dirty
}

// RecordPersistResult tracks consecutive persistence failures.
func (s *Store) RecordPersistResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.persistFailures = 0
		s.persistError = ""
		return
	}
	s.persistFailures++
	s.persistError = err.Error()
	s.appendErrorLocked(ErrorEntry{Type: ErrorTypePersistence, Message: err.Error(), Timestamp: s.now()})
}

// PersistenceWarning describes ongoing persistence failures, or is empty.
func (s *Store) PersistenceWarning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistFailures == 0 {
		return ""
	}
	return fmt.Sprintf("state persistence failing (%d consecutive): %s", s.persistFailures, s.persistError)
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return append(items[:0:0], items[len(items)-n:]...)
}
