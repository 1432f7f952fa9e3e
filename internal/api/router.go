// Package api wires the admin HTTP surface: peer delivery endpoints, node
// discovery, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatgw/internal/api/middleware"
	"github.com/eldtechnologies/chatgw/internal/handlers"
)

// maxAdminBody bounds POST /admin/send. A forwarded batch carries one
// message plus up to 1000 IDs.
const maxAdminBody = 8 << 20

// NewRouter creates and configures the HTTP router. limiter may be nil.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, auth *middleware.AdminAuth, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/api/gateway/addr", h.GatewayAddr)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Require)
		r.Use(middleware.MaxBodySize(maxAdminBody))
		r.Use(middleware.RequireJSON)

		r.Get("/pushSync", h.PushSync)
		r.Get("/pushSyncBatch", h.PushSyncBatch)
		r.Post("/send", h.Send)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}

// DefaultLimits throttles the endpoints reachable without the admin token.
func DefaultLimits() map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		"GET /api/gateway/addr": {Requests: 120, Window: time.Minute},
		"GET /health":           {Requests: 600, Window: time.Minute},
	}
}
