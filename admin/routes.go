// Package admin serves the HTTP endpoints operators use to inspect and
// drive a node: the member view, health and service start/stop.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(handlers.AuthMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/members", handlers.handleClusterMembers)
		r.Get("/members/{memberID}", handlers.handleClusterMember)
		r.Get("/local", handlers.handleClusterLocal)
		r.Get("/health", handlers.handleClusterHealth)
		r.Get("/view", handlers.handleClusterView)
		r.Post("/start/{services}", handlers.handleClusterStart)
		r.Post("/stop/{services}", handlers.handleClusterStop)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/cluster/*")
}

// RegisterMetrics exposes a metrics handler at /metrics. A nil handler is
// skipped.
func RegisterMetrics(mux *http.ServeMux, metrics http.Handler) {
	if metrics == nil {
		return
	}
	mux.Handle("/metrics", metrics)
	log.Info().Msg("Metrics endpoint enabled at /metrics")
}
