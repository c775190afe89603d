// Package client talks to a running recoveryd over its status surface. The
// CLI uses it for the status and reset commands.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/breatheroute/recoveryd/internal/api/models"
)

// Predefined client errors.
var (
	// ErrCircuitOpen is returned while the supervisor has been unreachable
	// for several consecutive calls.
	ErrCircuitOpen = errors.New("supervisor unreachable, circuit open")

	// ErrConflict is returned when a reset is already in progress.
	ErrConflict = errors.New("reset already in progress")
)

// Config holds configuration for the control client.
type Config struct {
	// BaseURL is the supervisor's status surface, e.g. http://127.0.0.1:3002.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each HTTP call.
	// Default: 5 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries on network errors and 5xx.
	// Default: 2
	MaxRetries uint64

	// InitialInterval is the first retry delay.
	// Default: 200ms
	InitialInterval time.Duration

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	// Default: 3
	FailureThreshold uint32
}

// APIError is a non-2xx response decoded from an RFC 7807 body.
type APIError struct {
	StatusCode int
	Problem    models.Problem
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Problem.Title, e.Problem.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type serverError struct {
	statusCode int
	body       []byte
}

func (e *serverError) Error() string {
	return "server error: " + http.StatusText(e.statusCode)
}

// Client calls the supervisor's endpoints with retries and a circuit breaker.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	cfg        Config
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}

	threshold := cfg.FailureThreshold
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "recoveryd-control",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Client errors mean the supervisor answered.
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				return err == nil || errors.As(err, &apiErr)
			},
		}),
		cfg: cfg,
	}
}

// Health fetches GET /health. A fatal supervisor answers 503 with a valid
// body, which is returned along with an *APIError.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var out models.Health
	err := c.call(ctx, http.MethodGet, "/health", &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal(apiErr.Body, &out) == nil && out.Status != "" {
			return &out, err
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*models.Status, error) {
	var out models.Status
	if err := c.call(ctx, http.MethodGet, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset triggers POST /reset.
func (c *Client) Reset(ctx context.Context) (*models.Reset, error) {
	var out models.Reset
	err := c.call(ctx, http.MethodPost, "/reset", &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrConflict, apiErr.Error())
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, out interface{}) error {
	body, err := c.do(ctx, method, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxElapsedTime = 0

	var body []byte
	operation := func() error {
		b, err := c.breaker.Execute(func() ([]byte, error) {
			return c.roundTrip(ctx, method, path)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(ErrCircuitOpen)
		case err == nil:
			body = b
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err == nil {
		return body, nil
	}

	// Surface the last 5xx as an APIError so callers can inspect the problem.
	var srvErr *serverError
	if errors.As(err, &srvErr) {
		return nil, newAPIError(srvErr.statusCode, srvErr.body)
	}
	return nil, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &serverError{statusCode: resp.StatusCode, body: body}
	case resp.StatusCode >= 400:
		return nil, newAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: body}
	_ = json.Unmarshal(body, &e.Problem)
	return e
}

// CircuitState returns the state of the client's circuit breaker.
func (c *Client) CircuitState() gobreaker.State {
	return c.breaker.State()
}
