package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/resonancehq/control-plane/internal/api/handlers"
	"github.com/resonancehq/control-plane/internal/api/middleware"
	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/metrics"
)

const serviceName = "resonance-control-plane"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Logger(m))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", middleware.WorkspaceHeader, "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	// Chat gateway ingress, authenticated by signature
	r.Post("/webhooks/{platform}", h.Webhook)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/backends", h.ListBackends)

		// Registry (account linking stand-ins)
		r.Post("/identities", h.RegisterIdentity)
		r.Post("/workspaces", h.RegisterWorkspace)

		// Workspace-scoped
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireWorkspace)

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.ListAgents)
				r.Post("/", h.RegisterAgent)
			})

			r.Route("/pipelines", func(r chi.Router) {
				r.Get("/", h.ListPipelines)
				r.Get("/{id}", h.GetPipeline)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", h.ListApprovals)
				r.Post("/{id}/resolve", h.ResolveApproval)
			})

			r.Route("/budget", func(r chi.Router) {
				r.Get("/", h.BudgetStatus)
				r.Put("/rules", h.PutBudgetRule)
			})

			r.Route("/resonance", func(r chi.Router) {
				r.Get("/", h.QueryResonance)
				r.Post("/", h.AppendResonance)
			})

			r.Post("/chat/stream", h.ChatStream)
		})
	})

	// Web chat
	r.With(middleware.RequireWorkspace).Get("/ws/chat", h.ChatSocket)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
