// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package api provides the HTTP interface of the outdated-asset view.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/query"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
)

const (
	// DefaultPrincipalHeader is the request header carrying the principal.
	DefaultPrincipalHeader = "X-Principal"

	// DefaultStallTimeout is the default ceiling after which a running job
	// without progress may be reset.
	DefaultStallTimeout = 2 * time.Minute
)

// Server serves the HTTP API.
type Server struct {
	coordinator     *coordinator.Coordinator
	engine          *query.Engine
	resolver        scope.Resolver
	hub             *progress.Hub
	principalHeader string
	stallTimeout    time.Duration
	originPatterns  []string
}

// Option is a function which configures the [Server].
type Option func(s *Server)

// WithPrincipalHeader configures the request header carrying the principal.
func WithPrincipalHeader(name string) Option {
	opt := func(s *Server) {
		if name != "" {
			s.principalHeader = name
		}
	}

	return opt
}

// WithStallTimeout configures the default ceiling used when resetting
// stalled jobs.
func WithStallTimeout(d time.Duration) Option {
	opt := func(s *Server) {
		if d > 0 {
			s.stallTimeout = d
		}
	}

	return opt
}

// WithOriginPatterns configures the origins accepted for websocket
// connections from browsers.
func WithOriginPatterns(patterns ...string) Option {
	opt := func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}

	return opt
}

// NewServer creates a new [Server].
func NewServer(c *coordinator.Coordinator, engine *query.Engine, resolver scope.Resolver, hub *progress.Hub, opts ...Option) *Server {
	s := &Server{
		coordinator:     c,
		engine:          engine,
		resolver:        resolver,
		hub:             hub,
		principalHeader: DefaultPrincipalHeader,
		stallTimeout:    DefaultStallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the [http.Handler] of the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/api/v1/outdated-assets", func(r chi.Router) {
		r.Use(s.resolveScope)

		r.Get("/", s.listAssets)
		r.Get("/summary", s.summary)
		r.Get("/{assetID}/vulnerabilities", s.assetDetail)

		r.Get("/threshold", s.getThreshold)
		r.With(adminOnly).Put("/threshold", s.setThreshold)

		r.Route("/refresh", func(r chi.Router) {
			r.With(adminOnly).Post("/", s.triggerRefresh)
			r.With(adminOnly).Post("/reset", s.resetStalled)
			r.Get("/jobs", s.listJobs)
			r.Get("/{jobID}", s.jobStatus)
			r.Get("/{jobID}/events", s.jobEvents)
		})
	})

	return r
}

// NewHTTPServer returns a new [http.Server] serving the API on the given
// address. Callers are responsible for starting up and shutting down the
// HTTP server.
func (s *Server) NewHTTPServer(addr string, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info(
			"http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type scopeKey struct{}

// resolveScope resolves the scope of the principal of the request.
func (s *Server) resolveScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := r.Header.Get(s.principalHeader)
		sc, err := s.resolver.Resolve(r.Context(), principal)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), scopeKey{}, sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// scopeFrom returns the scope of the request. Requests without a resolved
// scope see nothing.
func scopeFrom(ctx context.Context) scope.Scope {
	sc, ok := ctx.Value(scopeKey{}).(scope.Scope)
	if !ok {
		return scope.Restricted()
	}

	return sc
}

// adminOnly rejects principals without an unrestricted scope.
func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !scopeFrom(r.Context()).Unrestricted {
			writeError(w, r, errAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}
