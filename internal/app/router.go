// Package app wires the HTTP surface together: routing, middleware order,
// readiness checks and the periodic retention cleanup.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/asr-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/asr-gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// rate limit mutating endpoints only; polling for results stays cheap
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/tasks", srv.HandleCreateTask())
		wr.Post("/v1/platforms/{platform}/video_task", srv.HandleCreatePlatformTask())
		wr.Post("/v1/audio/extract", srv.HandleExtractAudio())
		wr.Post("/v1/callback/test", srv.HandleCallbackTest())
		wr.Delete("/v1/tasks/{id}", srv.HandleDeleteTask())
	})

	r.Get("/v1/tasks", srv.HandleListTasks())
	r.Get("/v1/tasks/{id}", srv.HandleGetTask())
	r.Get("/v1/tasks/{id}/subtitle", srv.HandleSubtitle())
	r.Get("/v1/platforms", srv.HandleListPlatforms())

	r.Get("/healthz", srv.HandleHealthz())
	r.Get("/readyz", srv.HandleReadyz())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
