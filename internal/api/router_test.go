package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/api"
	"github.com/breatheroute/recoveryd/internal/api/middleware"
	"github.com/breatheroute/recoveryd/internal/auth"
	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/metrics"
	"github.com/breatheroute/recoveryd/internal/state"
)

type stubSupervisor struct {
	store *state.Store
}

func newStub() *stubSupervisor {
	return &stubSupervisor{store: state.NewStore(state.StoreConfig{Services: []string{"api"}})}
}

func (s *stubSupervisor) Snapshot() *state.SupervisorState      { return s.store.Snapshot() }
func (s *stubSupervisor) PersistenceWarning() string            { return s.store.PersistenceWarning() }
func (s *stubSupervisor) Samples() ([]health.Sample, time.Time) { return nil, time.Time{} }
func (s *stubSupervisor) History() []health.Sample              { return nil }
func (s *stubSupervisor) InFlight() int                         { return 0 }
func (s *stubSupervisor) CycleRunning() bool                    { return false }

func (s *stubSupervisor) Reset(context.Context) error {
	s.store.Reset()
	return nil
}

func newRouter(t *testing.T, tokens middleware.TokenValidator) http.Handler {
	t.Helper()
	m := metrics.New()
	return api.NewRouter(api.RouterConfig{
		Version:        "test",
		Logger:         zerolog.Nop(),
		Prometheus:     m.Handler(),
		Supervisor:     newStub(),
		Tokens:         tokens,
		ResetRateLimit: middleware.RateLimitConfig{RequestLimit: 2, WindowLength: time.Minute},
	})
}

func TestRouter_ReadEndpoints(t *testing.T) {
	router := newRouter(t, nil)

	for _, path := range []string{"/health", "/metrics", "/status", "/debug"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
			assert.True(t, json.Valid(rec.Body.Bytes()))
		})
	}
}

func TestRouter_UnknownRouteIsJSON(t *testing.T) {
	router := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/nope")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/health", http.NoBody))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_ResetIsRateLimited(t *testing.T) {
	router := newRouter(t, nil)

	send := func(method string) int {
		req := httptest.NewRequest(method, "/reset", http.NoBody)
		req.RemoteAddr = "192.0.2.10:4000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			assert.Contains(t, rec.Body.String(), "reset_successful")
		}
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodPost))
	assert.Equal(t, http.StatusOK, send(http.MethodGet))
	assert.Equal(t, http.StatusTooManyRequests, send(http.MethodPost))
}

func TestRouter_ResetRequiresToken(t *testing.T) {
	tokens := auth.NewTokenService(auth.TokenConfig{Secret: "router-secret"})
	router := newRouter(t, tokens)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := tokens.Issue("ops", time.Hour, auth.ScopeReset)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/reset", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reset_successful")
}

func TestRouter_Prometheus(t *testing.T) {
	router := newRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prometheus", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
