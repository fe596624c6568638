// Package httpapi is the thin HTTP façade in front of the Build
// Coordinator: request decode, call the Coordinator, response encode.
// No business logic lives here, following the teacher's own
// handlers/router.go split between "router wires dependencies" and
// "handlers translate HTTP to domain calls".
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/corvus-ci/enginectl/internal/coordinator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies groups everything the router needs to construct handlers,
// mirroring the teacher's RouterDependencies so adding a new handler means
// adding one field here and one route below, nothing else.
type Dependencies struct {
	Logger        *slog.Logger
	Coordinator   *coordinator.Coordinator
	AllowedOrigin string
}

// NewRouter builds the chi mux and registers every route. it returns a
// plain http.Handler so cmd/enginectl never imports chi directly.
func NewRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{deps.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	healthHandler := NewHealthHandler(deps.Logger)
	buildsHandler := NewBuildsHandler(deps.Coordinator, deps.Logger)

	router.Get("/health", healthHandler.Health)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(api chi.Router) {
		api.Post("/builds", buildsHandler.Enqueue)
		api.Get("/builds/{id}", buildsHandler.Status)
		api.Post("/builds/{id}/cancel", buildsHandler.Cancel)
		api.Post("/builds/{id}/retry", buildsHandler.Retry)
		api.Get("/builds/{id}/logs/stream", buildsHandler.StreamLogs)
	})

	return router
}
