// Package api is the HTTP surface of the dispatch service.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type RouterConfig struct {
	AllowedOrigins []string
	Readiness      map[string]ReadinessCheck
	Metrics        http.Handler
}

type Handlers struct {
	Notifications *NotificationAPI
	Devices       *DeviceAPI
	Webhooks      *WebhookAPI
}

func NewRouter(cfg RouterConfig, h Handlers, auth Authenticator, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "HTTPRouter")
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(corsHandler(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyz(cfg.Readiness, logger))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireClient(auth, logger))

		r.Post("/notifications", h.Notifications.Send)
		r.Get("/notifications/{id}/deliveries", h.Notifications.Deliveries)
		r.Post("/notifications/{id}/read", h.Notifications.Read)
		r.Post("/notifications/{id}/delivered", h.Notifications.Delivered)

		r.Put("/devices", h.Devices.Register)
		r.Put("/topics/{name}/members", h.Devices.JoinTopic)
		r.Delete("/users/{phone}", h.Devices.DeactivateUser)

		r.Post("/webhooks", h.Webhooks.Create)
		r.Post("/webhooks/{id}/reactivate", h.Webhooks.Reactivate)
	})
	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderClientID, HeaderClientToken, HeaderIdempotencyKey},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

func readyz(checks map[string]ReadinessCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failing := make(map[string]string)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("Readiness check failed", "check", name, "err", err)
				failing[name] = err.Error()
			}
		}
		if len(failing) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
