package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

type WebhookRegistry interface {
	CreateEndpoint(ctx context.Context, ep *notification.WebhookEndpoint) error
	ReactivateEndpoint(ctx context.Context, clientID, endpointID string) error
}

type WebhookAPI struct {
	store  WebhookRegistry
	logger *slog.Logger
}

func NewWebhookAPI(store WebhookRegistry, logger *slog.Logger) *WebhookAPI {
	return &WebhookAPI{
		store:  store,
		logger: logger.With("component", "WebhookAPI"),
	}
}

type createWebhookRequest struct {
	URL    string                   `json:"url" validate:"required,http_url,max=2048"`
	Secret string                   `json:"secret" validate:"required,min=16,max=255"`
	Events []notification.EventType `json:"events" validate:"required,min=1,dive,required"`
}

func (api *WebhookAPI) Create(w http.ResponseWriter, r *http.Request) {
	clientID, _ := ClientIDFromContext(r.Context())

	var req createWebhookRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	for _, e := range req.Events {
		if !e.Valid() {
			writeDomainError(w, api.logger, &notification.ValidationError{
				Fields: map[string]string{"events": "unknown event type " + string(e)},
			})
			return
		}
	}

	ep := notification.WebhookEndpoint{
		ID:       uuid.NewString(),
		ClientID: clientID,
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   req.Events,
	}
	if err := api.store.CreateEndpoint(r.Context(), &ep); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	api.logger.Info("Webhook endpoint registered", "client_id", clientID, "endpoint_id", ep.ID, "events", len(ep.Events))
	writeJSON(w, http.StatusCreated, ep)
}

// Reactivate re-enables an endpoint that tripped the failure threshold.
func (api *WebhookAPI) Reactivate(w http.ResponseWriter, r *http.Request) {
	clientID, _ := ClientIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := api.store.ReactivateEndpoint(r.Context(), clientID, id); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	api.logger.Info("Webhook endpoint reactivated", "client_id", clientID, "endpoint_id", id)
	w.WriteHeader(http.StatusNoContent)
}
