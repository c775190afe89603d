// Package handler provides the HTTP handlers of the recoveryd status surface.
package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/breatheroute/recoveryd/internal/api/models"
	"github.com/breatheroute/recoveryd/internal/api/response"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/state"
)

// Supervisor is the view of the running supervisor the handlers need.
type Supervisor interface {
	Snapshot() *state.SupervisorState
	PersistenceWarning() string
	// Samples returns the most recent readings and when they were taken.
	Samples() ([]health.Sample, time.Time)
	History() []health.Sample
	InFlight() int
	CycleRunning() bool
	Reset(ctx context.Context) error
}

// SupervisorHandler serves the status and control endpoints.
type SupervisorHandler struct {
	sup       Supervisor
	version   string
	buildTime string
	now       func() time.Time
}

// NewSupervisorHandler creates a new SupervisorHandler.
func NewSupervisorHandler(sup Supervisor, version, buildTime string) *SupervisorHandler {
	return &SupervisorHandler{
		sup:       sup,
		version:   version,
		buildTime: buildTime,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for uptime.
func (h *SupervisorHandler) WithClock(now func() time.Time) *SupervisorHandler {
	h.now = now
	return h
}

// Health handles GET /health. It answers 503 only when the supervisor is
// fatal, so that "degraded" still reads as alive to orchestrators.
func (h *SupervisorHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.sup.Snapshot()
	body := models.Health{
		Status:          snap.Status,
		Uptime:          h.uptime(snap),
		LastCheck:       snap.LastCheckAt,
		RestartAttempts: snap.RestartAttempts,
		Warning:         h.sup.PersistenceWarning(),
	}

	status := http.StatusOK
	if snap.Status == state.StatusFatal {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, body)
}

// Metrics handles GET /metrics.
func (h *SupervisorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	samples, at := h.sup.Samples()
	if samples == nil {
		samples = []health.Sample{}
	}
	history := h.sup.History()
	if history == nil {
		history = []health.Sample{}
	}
	response.JSON(w, r, http.StatusOK, models.Metrics{
		Timestamp: at,
		Samples:   samples,
		History:   history,
	})
}

// Status handles GET /status.
func (h *SupervisorHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.status())
}

// Debug handles GET /debug.
func (h *SupervisorHandler) Debug(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response.JSON(w, r, http.StatusOK, models.Debug{
		Status:          h.status(),
		ActionsInFlight: h.sup.InFlight(),
		CycleRunning:    h.sup.CycleRunning(),
		Runtime: models.RuntimeStats{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			HeapSys:    mem.HeapSys,
			NumGC:      mem.NumGC,
			PID:        os.Getpid(),
			Version:    h.version,
			BuildTime:  h.buildTime,
		},
	})
}

// Reset handles GET and POST /reset.
func (h *SupervisorHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Reset(r.Context()); err != nil {
		if errors.Is(err, state.ErrResetInProgress) {
			response.Conflict(w, r, "a reset is already in progress")
			return
		}
		response.InternalError(w, r, "reset failed")
		return
	}
	response.JSON(w, r, http.StatusOK, models.Reset{
		Status: models.ResetSuccessful,
		Time:   h.now().UTC(),
	})
}

func (h *SupervisorHandler) status() models.Status {
	snap := h.sup.Snapshot()
	return models.Status{
		SupervisorState:    snap,
		Uptime:             h.uptime(snap),
		PersistenceWarning: h.sup.PersistenceWarning(),
	}
}

func (h *SupervisorHandler) uptime(snap *state.SupervisorState) float64 {
	if snap.StartTime.IsZero() {
		return 0
	}
	return h.now().Sub(snap.StartTime).Seconds()
}
