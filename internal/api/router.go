// Package api provides the HTTP status and control surface of recoveryd.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/breatheroute/recoveryd/internal/api/handler"
	"github.com/breatheroute/recoveryd/internal/api/middleware"
	"github.com/breatheroute/recoveryd/internal/api/response"
	"github.com/breatheroute/recoveryd/internal/auth"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger

	// Metrics records OpenTelemetry HTTP metrics. Optional.
	Metrics *middleware.Metrics

	// Prometheus serves the exposition at /prometheus. Optional.
	Prometheus http.Handler

	Supervisor handler.Supervisor

	// Tokens guards /reset when set.
	Tokens middleware.TokenValidator

	// ResetRateLimit limits /reset per client.
	// Default: middleware.ResetRateLimit
	ResetRateLimit middleware.RateLimitConfig
}

// NewRouter creates a chi router with all routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing())
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ContentTypeJSON)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.MethodNotAllowed(w, r, r.Method+" is not allowed on "+r.URL.Path)
	})

	sup := handler.NewSupervisorHandler(cfg.Supervisor, cfg.Version, cfg.BuildTime)

	r.Get("/health", sup.Health)
	r.Get("/metrics", sup.Metrics)
	r.Get("/status", sup.Status)
	r.Get("/debug", sup.Debug)

	limit := cfg.ResetRateLimit
	if limit.RequestLimit <= 0 || limit.WindowLength <= 0 {
		limit = middleware.ResetRateLimit
	}
	r.Route("/reset", func(r chi.Router) {
		if cfg.Tokens != nil {
			r.Use(middleware.RequireScope(cfg.Tokens, auth.ScopeReset))
			r.Use(middleware.RateLimitBySubject(limit))
		} else {
			r.Use(middleware.RateLimitByIP(limit))
		}
		r.Get("/", sup.Reset)
		r.Post("/", sup.Reset)
	})

	if cfg.Prometheus != nil {
		r.Method(http.MethodGet, "/prometheus", cfg.Prometheus)
	}

	return r
}
