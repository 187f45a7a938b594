// Package server assembles the HTTP surface of the service: the request
// pipeline (bridge, authenticator, rate limiter) around /api/v1, the
// session endpoints, reconciliation administration, and the operational
// endpoints that sit outside the pipeline.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StricklySoft/clinic-auth/internal/metrics"
	"github.com/StricklySoft/clinic-auth/pkg/auth"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/ratelimit"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

// APIPrefix is where the authenticated API is mounted.
const APIPrefix = "/api/v1"

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// CredentialRevoker revokes credentials on logout.
type CredentialRevoker interface {
	RevokeCredentials(ctx context.Context, tokens []string, at time.Time) (int64, error)
}

// Options wires the router. Only Authenticator is required; every other
// component is mounted when present.
type Options struct {
	Authenticator *auth.Authenticator
	Bridge        *auth.Bridge
	Limiter       *ratelimit.Limiter

	// Exchanger backs POST /api/v1/auth/exchange.
	Exchanger auth.Exchanger
	// Revoker backs POST /api/v1/auth/logout.
	Revoker CredentialRevoker
	// Scheduler backs the reconciliation admin endpoints.
	Scheduler *reconcile.Scheduler

	// Health checks run by GET /healthz, by dependency name.
	Health map[string]HealthCheck
	// Gatherer is served on GET /metrics.
	Gatherer prometheus.Gatherer

	// Routes mounts the downstream API inside the pipeline.
	Routes func(r chi.Router)

	Logger *slog.Logger
}

type server struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the service router.
func NewRouter(opts Options) (chi.Router, error) {
	if opts.Authenticator == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: an authenticator is required")
	}
	s := &server{opts: opts, logger: opts.Logger, now: time.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))
	}

	r.Route(APIPrefix, func(r chi.Router) {
		// Pipeline order: bridge, authenticator, rate limiter, handler.
		if opts.Bridge != nil {
			r.Use(opts.Bridge.Middleware)
		}
		r.Use(opts.Authenticator.Middleware)
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware)
		}

		r.With(auth.RequireIdentity).Get("/me", s.handleMe)
		if opts.Exchanger != nil {
			r.Post("/auth/exchange", s.handleExchange)
		}
		if opts.Revoker != nil {
			r.With(auth.RequireIdentity).Post("/auth/logout", s.handleLogout)
		}
		if opts.Scheduler != nil {
			r.With(auth.RequirePermission("reconcile", "read")).Get("/admin/reconcile/runs", s.handleRuns)
			r.With(auth.RequirePermission("reconcile", "run")).Post("/admin/reconcile/{job}", s.handleRunNow)
		}
		if opts.Routes != nil {
			opts.Routes(r)
		}
	})
	return r, nil
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr writes err using the API error envelope. Errors without a code
// are reported as internal without their message.
func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Wrap(err, sserr.CodeInternal, "internal error")
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "server: request failed",
			"error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
	}
	auth.WriteError(w, e)
}
