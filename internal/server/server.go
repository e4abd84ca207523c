// Package server assembles the HTTP router and its middleware.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/handler"
	"github.com/FACorreiaa/marketplace-ledger/pkg/interceptors"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config holds the HTTP settings
type Config struct {
	Addr               string
	AllowedOrigins     []string
	RateLimitPerSecond int
	RateLimitBurst     int
	MetricsEnabled     bool
}

// Deps are the handlers and middleware the router mounts.
type Deps struct {
	Imports *handler.ImportHandler
	Auth    *interceptors.Authenticator
	Health  HealthChecker // optional
	Logger  *slog.Logger
}

// NewRouter builds the routes:
//
//	GET  /healthz
//	GET  /metrics
//	POST /api/v1/imports        (authenticated, rate limited)
//	GET  /api/v1/imports        (authenticated)
//	GET  /api/v1/imports/{id}   (authenticated)
//	GET  /api/v1/channels       (authenticated)
func NewRouter(cfg Config, deps Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(interceptors.RequestLogger(deps.Logger)))

	r.HandleFunc("/healthz", healthz(deps.Health)).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(deps.Auth.Middleware)

	limiter := interceptors.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, deps.Logger)
	deps.Imports.Register(api, limiter.Middleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return c.Handler(r)
}

// New wraps the router in an http.Server with the usual timeouts. Uploads
// are parsed synchronously, so the write timeout is generous.
func New(cfg Config, deps Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func healthz(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Health(ctx); err != nil {
				interceptors.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		interceptors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
