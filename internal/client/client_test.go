package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/client"
	"github.com/breatheroute/recoveryd/internal/state"
)

func fastConfig(url string) client.Config {
	return client.Config{
		BaseURL:         url,
		Timeout:         time.Second,
		InitialInterval: 5 * time.Millisecond,
	}
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"running","uptime":12.5,"lastCheck":null,"restartAttempts":{"api":1}}`))
	}))
	defer server.Close()

	h, err := client.New(fastConfig(server.URL)).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, h.Status)
	assert.InDelta(t, 12.5, h.Uptime, 0.001)
	assert.Equal(t, map[string]int{"api": 1}, h.RestartAttempts)
}

func TestClient_FatalHealthReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"fatal","uptime":1,"restartAttempts":{}}`))
	}))
	defer server.Close()

	h, err := client.New(fastConfig(server.URL)).Health(context.Background())
	require.Error(t, err)
	require.NotNil(t, h)
	assert.Equal(t, state.StatusFatal, h.Status)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"running","restartAttempts":{},"circuitStates":{}}`))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.FailureThreshold = 10
	st, err := client.New(cfg).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, st.Status)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_ResetSendsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"urn:recoveryd:problem:unauthorized","title":"Unauthorized","status":401,"detail":"missing authorization header"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"reset_successful","time":"2026-03-01T12:00:00Z"}`))
	}))
	defer server.Close()

	_, err := client.New(fastConfig(server.URL)).Reset(context.Background())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "missing authorization header", apiErr.Problem.Detail)

	cfg := fastConfig(server.URL)
	cfg.Token = "secret-token"
	res, err := client.New(cfg).Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reset_successful", res.Status)
}

func TestClient_ResetConflict(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"title":"Conflict","status":409,"detail":"a reset is already in progress"}`))
	}))
	defer server.Close()

	_, err := client.New(fastConfig(server.URL)).Reset(context.Background())
	assert.ErrorIs(t, err, client.ErrConflict)
	assert.Equal(t, int32(1), attempts.Load(), "client errors are not retried")
}

func TestClient_CircuitOpensWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := fastConfig(url)
	cfg.FailureThreshold = 2
	c := client.New(cfg)

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, client.ErrCircuitOpen)
	assert.Equal(t, gobreaker.StateOpen, c.CircuitState())
}
