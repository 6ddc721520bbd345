package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, clientID string, reg dispatch.DeviceRegistration) (notification.Device, error)
	JoinTopic(ctx context.Context, topic, phone string) error
	UserIDsByPhone(ctx context.Context, phones []string) (map[string]string, error)
	DeactivateUser(ctx context.Context, userID string) error
}

type DeviceAPI struct {
	store  DeviceRegistry
	logger *slog.Logger
}

func NewDeviceAPI(store DeviceRegistry, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		store:  store,
		logger: logger.With("component", "DeviceAPI"),
	}
}

type registerDeviceRequest struct {
	PhoneNumber string                `json:"phone_number" validate:"required,max=32"`
	Platform    notification.Platform `json:"platform" validate:"required,oneof=ios android web"`
	Token       string                `json:"token" validate:"required,max=4096"`
}

// Register upserts a device token. Re-registering an existing token
// reactivates it.
func (api *DeviceAPI) Register(w http.ResponseWriter, r *http.Request) {
	clientID, _ := ClientIDFromContext(r.Context())

	var req registerDeviceRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}

	device, err := api.store.RegisterDevice(r.Context(), clientID, dispatch.DeviceRegistration{
		PhoneNumber: req.PhoneNumber,
		Platform:    req.Platform,
		Token:       req.Token,
	})
	if err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	api.logger.Info("Device registered",
		"client_id", clientID,
		"device_id", device.ID,
		"platform", device.Platform,
		"token", notification.HashToken(device.Token),
	)
	writeJSON(w, http.StatusOK, device)
}

type joinTopicRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
}

func (api *DeviceAPI) JoinTopic(w http.ResponseWriter, r *http.Request) {
	var req joinTopicRequest
	if err := decode(r, &req); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	topic := chi.URLParam(r, "name")
	if topic == "" {
		writeDomainError(w, api.logger, &notification.ValidationError{Fields: map[string]string{"name": "is required"}})
		return
	}
	if err := api.store.JoinTopic(r.Context(), topic, req.PhoneNumber); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateUser retires the phone number's user. Its devices stop receiving
// sends but stay on record.
func (api *DeviceAPI) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	ids, err := api.store.UserIDsByPhone(r.Context(), []string{phone})
	if err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	userID, ok := ids[phone]
	if !ok {
		writeDomainError(w, api.logger, &notification.NotFoundError{Resource: "profile", ID: phone})
		return
	}
	if err := api.store.DeactivateUser(r.Context(), userID); err != nil {
		writeDomainError(w, api.logger, err)
		return
	}
	clientID, _ := ClientIDFromContext(r.Context())
	api.logger.Info("User deactivated", "client_id", clientID, "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}
