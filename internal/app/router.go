// Package app assembles the HTTP router, readiness checks and background
// maintenance loops shared by the server binary.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-idea-aggregator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
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
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(api chi.Router) {
		// Liveness sits inside the version prefix but outside auth.
		api.Get("/health", srv.HealthHandler())

		api.Group(func(auth chi.Router) {
			auth.Use(httpserver.RequireAPIKey(cfg.APIKey, cfg.APIKeyHashed))

			// Rate limit mutating endpoints per client IP.
			auth.Group(func(wr chi.Router) {
				wr.Use(httprate.LimitByIP(cfg.RateLimitMax, cfg.RateLimitWindow))
				wr.Post("/research", srv.SubmitResearchHandler())
				wr.Post("/research/async", srv.SubmitResearchAsyncHandler())
				wr.Post("/research/{sessionId}/deepen/{ideaId}", srv.DeepenIdeaHandler())
				wr.Delete("/sessions/{id}", srv.DeleteSessionHandler())
			})

			// Read-only endpoints
			auth.Get("/research/job/{jobId}", srv.JobStatusHandler())
			auth.Get("/research/{sessionId}", srv.ResearchStatusHandler())
			auth.Get("/sessions", srv.ListSessionsHandler())
			auth.Get("/sessions/{id}", srv.SessionDetailHandler())
			auth.Get("/sessions/{id}/ideas", srv.SessionIdeasHandler())
		})
	})

	// Operational endpoints at the root, unauthenticated.
	r.Get("/health", srv.HealthHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
