// Package circuit tracks one circuit breaker per supervised service.
package circuit

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/breatheroute/recoveryd/internal/state"
)

// Config holds configuration for every breaker in a Registry.
type Config struct {
	// FailureThreshold is the number of consecutive unhealthy samples that
	// open a closed circuit.
	// Default: 3
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive healthy samples in
	// half-open that close the circuit.
	// Default: 1
	SuccessThreshold uint32

	// CoolDown is the time a circuit stays open before it lets a probe through.
	// Default: 60 seconds
	CoolDown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		CoolDown:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	return c
}

// readyToTrip opens the circuit after threshold consecutive failures.
func readyToTrip(threshold uint32) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
}

func newBreaker(name string, cfg Config, onChange func(from, to gobreaker.State)) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: readyToTrip(cfg.FailureThreshold),
		OnStateChange: func(_ string, from, to gobreaker.State) {
			onChange(from, to)
		},
	})
}

func fromBreakerState(s gobreaker.State) state.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return state.CircuitOpen
	case gobreaker.StateHalfOpen:
		return state.CircuitHalfOpen
	default:
		return state.CircuitClosed
	}
}
