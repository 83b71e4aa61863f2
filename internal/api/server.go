// Package api wires the HTTP surface used in serve mode.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/parkwatch/internal/api/handler"
	"github.com/albapepper/parkwatch/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
// metricsHandler may be nil, in which case /metrics is not mounted.
func NewRouter(runner handler.Runner, db handler.Pinger, metricsHandler http.Handler, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Process-Time"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// --- Handler dependencies ---
	h := handler.New(runner, db, cfg)

	// --- Routes ---
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
		r.Get("/config", h.HealthCheckConfig)
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Invocation is rate limited; health and metrics stay reachable.
		if cfg.RateLimitEnabled {
			r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Post("/run", h.Run)
	})

	return r
}
