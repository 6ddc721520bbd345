package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/api"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// --- Mocks ---

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Submit(ctx context.Context, cc dispatch.ClientContext, req notification.SendRequest) (notification.SendResult, error) {
	args := m.Called(ctx, cc, req)
	return args.Get(0).(notification.SendResult), args.Error(1)
}

func (m *MockEngine) ConfirmRead(ctx context.Context, clientID, notificationID, token string) (notification.DeliveryEntry, error) {
	args := m.Called(ctx, clientID, notificationID, token)
	return notification.DeliveryEntry{}, args.Error(0)
}

func (m *MockEngine) ConfirmDelivery(ctx context.Context, clientID, notificationID, token string) (notification.DeliveryEntry, error) {
	args := m.Called(ctx, clientID, notificationID, token)
	return notification.DeliveryEntry{}, args.Error(0)
}

func (m *MockEngine) Deliveries(ctx context.Context, clientID, notificationID string) (notification.Notification, []notification.DeliveryEntry, error) {
	args := m.Called(ctx, clientID, notificationID)
	return args.Get(0).(notification.Notification), args.Get(1).([]notification.DeliveryEntry), args.Error(2)
}

type MockDevices struct {
	mock.Mock
}

func (m *MockDevices) RegisterDevice(ctx context.Context, clientID string, reg dispatch.DeviceRegistration) (notification.Device, error) {
	args := m.Called(ctx, clientID, reg)
	return args.Get(0).(notification.Device), args.Error(1)
}

func (m *MockDevices) UserIDsByPhone(ctx context.Context, phones []string) (map[string]string, error) {
	args := m.Called(ctx, phones)
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockDevices) DeactivateUser(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockDevices) JoinTopic(ctx context.Context, topic, phone string) error {
	return m.Called(ctx, topic, phone).Error(0)
}

type MockWebhooks struct {
	mock.Mock
}

func (m *MockWebhooks) CreateEndpoint(ctx context.Context, ep *notification.WebhookEndpoint) error {
	return m.Called(ctx, ep).Error(0)
}

func (m *MockWebhooks) ReactivateEndpoint(ctx context.Context, clientID, endpointID string) error {
	return m.Called(ctx, clientID, endpointID).Error(0)
}

// --- Setup ---

type fixture struct {
	server   *httptest.Server
	engine   *MockEngine
	devices  *MockDevices
	webhooks *MockWebhooks
}

func setupAPI(t *testing.T, readiness map[string]api.ReadinessCheck) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{engine: new(MockEngine), devices: new(MockDevices), webhooks: new(MockWebhooks)}

	auth := api.AuthenticatorFunc(func(_ context.Context, clientID, token string) error {
		switch {
		case clientID == "client-a" && token == "good":
			return nil
		case clientID == "client-down":
			return errors.New("db unreachable")
		}
		return api.ErrUnauthorized
	})
	router := api.NewRouter(
		api.RouterConfig{Readiness: readiness, Metrics: http.NotFoundHandler()},
		api.Handlers{
			Notifications: api.NewNotificationAPI(f.engine, logger),
			Devices:       api.NewDeviceAPI(f.devices, logger),
			Webhooks:      api.NewWebhookAPI(f.webhooks, logger),
		},
		auth,
		logger,
	)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(api.HeaderClientID, "client-a")
	req.Header.Set(api.HeaderClientToken, "good")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// --- Tests ---

func TestAuthentication(t *testing.T) {
	f := setupAPI(t, nil)

	t.Run("Missing headers", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/api/v1/notifications", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Bad token", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications", `{}`, api.HeaderClientToken, "bad")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", errorCode(body))
	})

	t.Run("Store outage is not reported as bad credentials", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/notifications", `{}`, api.HeaderClientID, "client-down")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("Ops endpoints are open", func(t *testing.T) {
		resp, err := http.Get(f.server.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSend(t *testing.T) {
	f := setupAPI(t, nil)

	t.Run("Accepted with 202 and the result", func(t *testing.T) {
		f.engine.On("Submit", mock.Anything,
			dispatch.ClientContext{ClientID: "client-a"},
			mock.MatchedBy(func(r notification.SendRequest) bool { return r.Title == "Hi" && r.IdempotencyKey == "" }),
		).Return(notification.SendResult{
			NotificationID:  "n-1",
			PerTargetErrors: []string{"+255799999999: not found"},
			DeviceCount:     2,
		}, nil).Once()

		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications",
			`{"phone_numbers":["+255700000001","+255799999999"],"title":"Hi","body":"there"}`)

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "n-1", body["notification_id"])
		assert.EqualValues(t, 2, body["device_count"])
		assert.Equal(t, []any{"+255799999999: not found"}, body["per_target_errors"])
		assert.Equal(t, false, body["duplicate"])
	})

	t.Run("Idempotency-Key header fills the request", func(t *testing.T) {
		f.engine.On("Submit", mock.Anything, mock.Anything,
			mock.MatchedBy(func(r notification.SendRequest) bool { return r.IdempotencyKey == "abc" }),
		).Return(notification.SendResult{NotificationID: "n-1", Duplicate: true}, nil).Once()

		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications",
			`{"topic":"news","title":"Hi","body":"there"}`, api.HeaderIdempotencyKey, "abc")

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, true, body["duplicate"])
	})

	t.Run("Validation errors are 400 with fields", func(t *testing.T) {
		f.engine.On("Submit", mock.Anything, mock.Anything,
			mock.MatchedBy(func(r notification.SendRequest) bool { return r.Title == "" }),
		).Return(notification.SendResult{}, &notification.ValidationError{Fields: map[string]string{"title": "is required"}}).Once()

		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications", `{"topic":"news","body":"x"}`)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation_failed", errorCode(body))
	})

	t.Run("Malformed JSON never reaches the engine", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications", `{"title":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "validation_failed", errorCode(body))
	})

	t.Run("Unexpected errors are opaque 500s", func(t *testing.T) {
		f.engine.On("Submit", mock.Anything, mock.Anything,
			mock.MatchedBy(func(r notification.SendRequest) bool { return r.Title == "boom" }),
		).Return(notification.SendResult{}, errors.New("disk on fire")).Once()

		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications", `{"topic":"news","title":"boom","body":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		e := body["error"].(map[string]any)
		assert.NotContains(t, e["message"], "disk")
	})

	f.engine.AssertExpectations(t)
}

func TestConfirmations(t *testing.T) {
	f := setupAPI(t, nil)

	f.engine.On("ConfirmRead", mock.Anything, "client-a", "n-1", "tok-1").Return(nil)
	f.engine.On("ConfirmRead", mock.Anything, "client-a", "n-1", "tok-2").
		Return(&notification.NotFoundError{Resource: "sent delivery", ID: "n-1"})
	f.engine.On("ConfirmDelivery", mock.Anything, "client-a", "n-1", "tok-ios").
		Return(&notification.ConflictError{Resource: "delivery entry", ID: "e-1", Message: "platform ios does not report delivery receipts"})

	t.Run("Read", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", `{"device_token":"tok-1"}`)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("Read for an unsent device is 404", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", `{"device_token":"tok-2"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", errorCode(body))
	})

	t.Run("Delivered on a platform without receipts is 409", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications/n-1/delivered", `{"device_token":"tok-ios"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "conflict", errorCode(body))
	})

	t.Run("Device token is required", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/notifications/n-1/read", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		e := body["error"].(map[string]any)
		assert.Contains(t, e["fields"], "device_token")
	})

	t.Run("Deliveries", func(t *testing.T) {
		f.engine.On("Deliveries", mock.Anything, "client-a", "n-1").Return(
			notification.Notification{ID: "n-1", Status: notification.NotificationCompleted},
			[]notification.DeliveryEntry{{ID: "e-1", Status: notification.StatusSent, Token: "secret-token"}},
			nil,
		)
		resp, body := f.do(t, http.MethodGet, "/api/v1/notifications/n-1/deliveries", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		deliveries := body["deliveries"].([]any)
		require.Len(t, deliveries, 1)
		entry := deliveries[0].(map[string]any)
		assert.Equal(t, "sent", entry["status"])
		assert.NotContains(t, entry, "token")
	})
}

func TestDevices(t *testing.T) {
	f := setupAPI(t, nil)

	t.Run("Register", func(t *testing.T) {
		reg := dispatch.DeviceRegistration{PhoneNumber: "+255700000001", Platform: notification.PlatformAndroid, Token: "tok-1"}
		f.devices.On("RegisterDevice", mock.Anything, "client-a", reg).
			Return(notification.Device{ID: "d-1", Platform: notification.PlatformAndroid, Token: "tok-1", Active: true}, nil).Once()

		resp, body := f.do(t, http.MethodPut, "/api/v1/devices", `{"phone_number":"+255700000001","platform":"android","token":"tok-1"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "d-1", body["id"])
	})

	t.Run("Unknown platform is rejected before the store", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPut, "/api/v1/devices", `{"phone_number":"+255700000001","platform":"symbian","token":"t"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Join topic", func(t *testing.T) {
		f.devices.On("JoinTopic", mock.Anything, "news", "+255700000001").Return(nil).Once()
		resp, _ := f.do(t, http.MethodPut, "/api/v1/topics/news/members", `{"phone_number":"+255700000001"}`)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("Join topic with an unknown number", func(t *testing.T) {
		f.devices.On("JoinTopic", mock.Anything, "news", "+255799999999").
			Return(&notification.NotFoundError{Resource: "profile", ID: "+255799999999"}).Once()
		resp, _ := f.do(t, http.MethodPut, "/api/v1/topics/news/members", `{"phone_number":"+255799999999"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Deactivate user", func(t *testing.T) {
		f.devices.On("UserIDsByPhone", mock.Anything, []string{"+255700000001"}).
			Return(map[string]string{"+255700000001": "u-1"}, nil).Once()
		f.devices.On("DeactivateUser", mock.Anything, "u-1").Return(nil).Once()

		resp, _ := f.do(t, http.MethodDelete, "/api/v1/users/+255700000001", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("Deactivate an unknown user", func(t *testing.T) {
		f.devices.On("UserIDsByPhone", mock.Anything, []string{"+255799999999"}).
			Return(map[string]string{}, nil).Once()

		resp, body := f.do(t, http.MethodDelete, "/api/v1/users/+255799999999", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", errorCode(body))
	})

	f.devices.AssertExpectations(t)
}

func TestWebhooks(t *testing.T) {
	f := setupAPI(t, nil)

	t.Run("Create", func(t *testing.T) {
		f.webhooks.On("CreateEndpoint", mock.Anything, mock.MatchedBy(func(ep *notification.WebhookEndpoint) bool {
			return ep.ClientID == "client-a" && ep.ID != "" && len(ep.Events) == 2
		})).Return(nil).Once()

		resp, body := f.do(t, http.MethodPost, "/api/v1/webhooks",
			`{"url":"https://hooks.example.com/x","secret":"0123456789abcdef","events":["notification.sent","device.registered"]}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, body["id"])
		assert.NotContains(t, body, "secret")
	})

	t.Run("Unknown event types are rejected", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/webhooks",
			`{"url":"https://hooks.example.com/x","secret":"0123456789abcdef","events":["notification.exploded"]}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Short secrets are rejected", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/webhooks",
			`{"url":"https://hooks.example.com/x","secret":"short","events":["notification.sent"]}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Reactivate", func(t *testing.T) {
		f.webhooks.On("ReactivateEndpoint", mock.Anything, "client-a", "ep-1").Return(nil).Once()
		resp, _ := f.do(t, http.MethodPost, "/api/v1/webhooks/ep-1/reactivate", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	f.webhooks.AssertExpectations(t)
}

func TestReadiness(t *testing.T) {
	t.Run("Ready when every check passes", func(t *testing.T) {
		f := setupAPI(t, map[string]api.ReadinessCheck{
			"database": func(context.Context) error { return nil },
		})
		resp, err := http.Get(f.server.URL + "/readyz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Unavailable names the failing check", func(t *testing.T) {
		f := setupAPI(t, map[string]api.ReadinessCheck{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		resp, err := http.Get(f.server.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body["failing"], "redis")
		assert.NotContains(t, body["failing"], "database")
	})
}
