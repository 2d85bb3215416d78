package api

import (
	"encoding/json"
	"net/http"

	"github.com/modelgate/modelgate/internal/api/handlers"
	"github.com/modelgate/modelgate/internal/api/middleware"
	"github.com/modelgate/modelgate/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", h.ListModels)

		r.Post("/invoke", h.Invoke)
		r.Post("/stream", h.Stream)
		r.Post("/plan", h.Plan)

		r.Route("/continuations", func(r chi.Router) {
			r.Get("/", h.ListContinuations)
			r.Post("/{continuationID}/resume", h.ResumeContinuation)
		})

		r.Get("/provenance", h.ListProvenance)
		r.Get("/breaker/events", h.BreakerEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "modelgate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "modelgate",
		})
	}
}
