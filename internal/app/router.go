// Package app wires middleware, routes and readiness checks into the HTTP
// handler served by cmd/server.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/wcastil/AIStreamSocket/internal/adapter/httpserver"
	"github.com/wcastil/AIStreamSocket/internal/config"
	"github.com/wcastil/AIStreamSocket/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Conversational and control endpoints. Interview turns block on the
	// upstream run poll, so the group timeout sits above the run wall clock.
	r.Group(func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		cr.Use(httpserver.TimeoutMiddleware(cfg.RunWallClock + 15*time.Second))
		cr.Post("/chat", srv.ChatHandler())
		cr.Post("/evaluate-session/{session_id}", srv.EvaluateSessionHandler())
		cr.Post("/mark-pass-complete/{session_id}", srv.MarkPassCompleteHandler())
		cr.Post("/start-second-pass/{session_id}", srv.StartSecondPassHandler())
	})

	// The completions endpoint streams SSE and must not run under
	// http.TimeoutHandler, which buffers the response.
	r.Group(func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		cr.Post("/v1/chat/completions", srv.CompletionsHandler())
	})

	// Read-only endpoints.
	r.Group(func(cr chi.Router) {
		cr.Use(httpserver.TimeoutMiddleware(15 * time.Second))
		cr.Get("/conversations", srv.ConversationsHandler())
		cr.Get("/threads/{session_id}", srv.ThreadInfoHandler())
	})

	// WebSocket stream, outside every timeout wrapper.
	r.Get("/stream", srv.StreamHandler())

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	if cfg.AdminEnabled() {
		r.Group(func(ar chi.Router) {
			ar.Use(srv.AdminGuard())
			ar.Post("/admin/session-override", srv.SessionOverrideHandler())
		})
	}

	return httpserver.SecurityHeaders(r)
}
