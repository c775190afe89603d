// Package state holds the supervisor's mutable state and its persistence.
package state

import "time"

// SchemaVersion is written into every persisted snapshot.
const SchemaVersion = 1

// Status is the overall supervisor status.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusRecovering   Status = "recovering"
	StatusDegraded     Status = "degraded"
	StatusFatal        Status = "fatal"
)

// CircuitState is the state of one service's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ServiceCircuitState is the observable circuit of one service.
type ServiceCircuitState struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  uint32       `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32       `json:"consecutiveSuccesses"`
	FailureCount         uint64       `json:"failureCount"`
	LastTransitionAt     time.Time    `json:"lastTransitionAt"`
}

// ActionType is the kind of recovery action.
type ActionType string

const (
	ActionRestart     ActionType = "restart"
	ActionFlushCache  ActionType = "flush_cache"
	ActionForceGC     ActionType = "force_gc"
	ActionDiskCleanup ActionType = "disk_cleanup"
)

// ActionResult is the outcome of a recovery action.
type ActionResult string

const (
	ResultSuccess     ActionResult = "success"
	ResultFailure     ActionResult = "failure"
	ResultRateLimited ActionResult = "rate_limited"
)

// RecoveryAction records one attempted recovery.
type RecoveryAction struct {
	ID          string       `json:"id"`
	Type        ActionType   `json:"actionType"`
	Target      string       `json:"target"`
	TriggeredBy string       `json:"triggeredBy"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
	Result      ActionResult `json:"result"`
	Detail      string       `json:"detail,omitempty"`
}

// Error entry types.
const (
	ErrorTypeProbe       = "probe"
	ErrorTypeRecovery    = "recovery"
	ErrorTypePersistence = "persistence"
	ErrorTypeStartup     = "startup"
	ErrorTypeBudget      = "budget"
	ErrorTypeCycle       = "cycle"
)

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Type      string    `json:"type"`
	Target    string    `json:"target,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SupervisorState is the persisted and reported supervisor state.
type SupervisorState struct {
	Version          int                            `json:"version"`
	Status           Status                         `json:"status"`
	StartTime        time.Time                      `json:"startTime"`
	LastCheckAt      *time.Time                     `json:"lastCheckAt,omitempty"`
	RestartAttempts  map[string]int                 `json:"restartAttempts"`
	LastRestartAt    map[string]time.Time           `json:"lastRestartAt"`
	DegradedServices []string                       `json:"degradedServices"`
	CircuitStates    map[string]ServiceCircuitState `json:"circuitStates"`
	RecentErrors     []ErrorEntry                   `json:"recentErrors"`
	RecentActions    []RecoveryAction               `json:"recentActions"`
}

// NewSupervisorState returns a fresh state for the given services. Every
// service starts with zero restart attempts and a closed circuit.
func NewSupervisorState(services []string, now time.Time) *SupervisorState {
	st := &SupervisorState{
		Version:          SchemaVersion,
		Status:           StatusInitializing,
		StartTime:        now,
		RestartAttempts:  make(map[string]int, len(services)),
		LastRestartAt:    make(map[string]time.Time),
		DegradedServices: []string{},
		CircuitStates:    make(map[string]ServiceCircuitState, len(services)),
		RecentErrors:     []ErrorEntry{},
		RecentActions:    []RecoveryAction{},
	}
	for _, s := range services {
		st.RestartAttempts[s] = 0
		st.CircuitStates[s] = ServiceCircuitState{Name: s, State: CircuitClosed, LastTransitionAt: now}
	}
	return st
}

// Clone returns a deep copy.
func (s *SupervisorState) Clone() *SupervisorState {
	out := *s
	if s.LastCheckAt != nil {
		t := *s.LastCheckAt
		out.LastCheckAt = &t
	}
	out.RestartAttempts = make(map[string]int, len(s.RestartAttempts))
	for k, v := range s.RestartAttempts {
		out.RestartAttempts[k] = v
	}
	out.LastRestartAt = make(map[string]time.Time, len(s.LastRestartAt))
	for k, v := range s.LastRestartAt {
		out.LastRestartAt[k] = v
	}
	out.CircuitStates = make(map[string]ServiceCircuitState, len(s.CircuitStates))
	for k, v := range s.CircuitStates {
		out.CircuitStates[k] = v
	}
	out.DegradedServices = append([]string{}, s.DegradedServices...)
	out.RecentErrors = append([]ErrorEntry{}, s.RecentErrors...)
	out.RecentActions = append([]RecoveryAction{}, s.RecentActions...)
	return &out
}
