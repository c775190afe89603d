// Package models provides response models for the recoveryd status surface.
package models

import (
	"time"

	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/state"
)

// ResetSuccessful is the status returned by a completed reset.
const ResetSuccessful = "reset_successful"

// Health is the liveness summary of the supervisor.
type Health struct {
	Status state.Status `json:"status"`

	// Uptime is seconds since the supervisor started.
	Uptime float64 `json:"uptime"`

	LastCheck       *time.Time     `json:"lastCheck"`
	RestartAttempts map[string]int `json:"restartAttempts"`
	Warning         string         `json:"warning,omitempty"`
}

// Metrics holds the latest samples and the retained history.
type Metrics struct {
	Timestamp time.Time       `json:"timestamp"`
	Samples   []health.Sample `json:"samples"`
	History   []health.Sample `json:"history"`
}

// Status is the full internal state.
type Status struct {
	*state.SupervisorState

	Uptime             float64 `json:"uptime"`
	PersistenceWarning string  `json:"persistenceWarning,omitempty"`
}

// Debug extends Status with runtime details of the supervisor process.
type Debug struct {
	Status

	ActionsInFlight int          `json:"actionsInFlight"`
	CycleRunning    bool         `json:"cycleRunning"`
	Runtime         RuntimeStats `json:"runtime"`
}

// RuntimeStats describes the supervisor's own Go runtime.
type RuntimeStats struct {
	GoVersion  string `json:"goVersion"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heapAllocBytes"`
	HeapSys    uint64 `json:"heapSysBytes"`
	NumGC      uint32 `json:"numGC"`
	PID        int    `json:"pid"`
	Version    string `json:"version"`
	BuildTime  string `json:"buildTime,omitempty"`
}

// Reset is the response of a completed reset.
type Reset struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
