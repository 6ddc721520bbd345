package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// Dispatcher is the part of the pipeline engine the HTTP surface drives.
type Dispatcher interface {
	Submit(ctx context.Context, cc dispatch.ClientContext, req notification.SendRequest) (notification.SendResult, error)
	ConfirmRead(ctx context.Context, clientID, notificationID, deviceToken string) (notification.DeliveryEntry, error)
	ConfirmDelivery(ctx context.Context, clientID, notificationID, deviceToken string) (notification.DeliveryEntry, error)
	Deliveries(ctx context.Context, clientID, notificationID string) (notification.Notification, []notification.DeliveryEntry, error)
}

type NotificationAPI struct {
	engine Dispatcher
	logger *slog.Logger
}

func NewNotificationAPI(engine Dispatcher, logger *slog.Logger) *NotificationAPI {
	return &NotificationAPI{
		engine: engine,
		logger: logger.With("component", "NotificationAPI"),
	}
}

// Send accepts a notification and answers 202 once it is persisted and
// queued. Delivery outcomes are read back through Deliveries or webhooks.
func (api *NotificationAPI) Send(w http.ResponseWriter, r *http.Request) {
	clientID, _ := ClientIDFromContext(r.Context())

	var req notification.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	res, err := api.engine.Submit(r.Context(), dispatch.ClientContext{ClientID: clientID}, req)
	if err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type deviceTokenRequest struct {
	DeviceToken string `json:"device_token" validate:"required"`
}

func (api *NotificationAPI) Read(w http.ResponseWriter, r *http.Request) {
	api.confirm(w, r, api.engine.ConfirmRead)
}

func (api *NotificationAPI) Delivered(w http.ResponseWriter, r *http.Request) {
	api.confirm(w, r, api.engine.ConfirmDelivery)
}

func (api *NotificationAPI) confirm(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, clientID, notificationID, deviceToken string) (notification.DeliveryEntry, error)) {
	clientID, _ := ClientIDFromContext(r.Context())

	var req deviceTokenRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	if _, err := fn(r.Context(), clientID, chi.URLParam(r, "id"), req.DeviceToken); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliveriesResponse struct {
	Notification notification.Notification    `json:"notification"`
	Deliveries   []notification.DeliveryEntry `json:"deliveries"`
}

func (api *NotificationAPI) Deliveries(w http.ResponseWriter, r *http.Request) {
	clientID, _ := ClientIDFromContext(r.Context())

	n, entries, err := api.engine.Deliveries(r.Context(), clientID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	if entries == nil {
		entries = []notification.DeliveryEntry{}
	}
	writeJSON(w, http.StatusOK, deliveriesResponse{Notification: n, Deliveries: entries})
}
