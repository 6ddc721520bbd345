package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/web"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// subscriptionFor builds a browser-shaped subscription with real key material
// so the library can encrypt the payload.
func subscriptionFor(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	raw, err := json.Marshal(webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	})
	require.NoError(t, err)
	return string(raw)
}

func TestWebProvider_Send(t *testing.T) {
	// Simulates the browser vendor's push service
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("TTL"))

		switch r.URL.Path {
		case "/success":
			assert.Equal(t, "high", r.Header.Get("Urgency"))
			w.Header().Set("Location", "/msg/1")
			w.WriteHeader(http.StatusCreated)
		case "/normal":
			assert.Equal(t, "normal", r.Header.Get("Urgency"))
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		case "/too-big":
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	provider := web.NewProvider(web.VapidConfig{
		PrivateKey:      privateKey,
		PublicKey:       publicKey,
		SubscriberEmail: "test-runner@tinywideclouds.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), web.WithHTTPClient(mockServer.Client()))

	ctx := context.Background()
	payload := notification.Payload{NotificationID: "n1", Title: "Test", Body: "Body", Data: map[string]string{"id": "1"}, Priority: notification.PriorityHigh}

	t.Run("Accepted", func(t *testing.T) {
		out := provider.Send(ctx, subscriptionFor(t, mockServer.URL+"/success"), payload)
		assert.Equal(t, notification.OutcomeSuccess, out.Kind)
		assert.Equal(t, "/msg/1", out.MessageID)
	})

	t.Run("Normal priority lowers urgency", func(t *testing.T) {
		normal := payload
		normal.Priority = notification.PriorityNormal
		assert.Equal(t, notification.OutcomeSuccess, provider.Send(ctx, subscriptionFor(t, mockServer.URL+"/normal"), normal).Kind)
	})

	cases := map[string]notification.OutcomeKind{
		"/expired": notification.OutcomeInvalidToken,
		"/missing": notification.OutcomeInvalidToken,
		"/busy":    notification.OutcomeTransient,
		"/error":   notification.OutcomeTransient,
		"/too-big": notification.OutcomePermanent,
	}
	for path, want := range cases {
		t.Run("Status mapping "+path, func(t *testing.T) {
			assert.Equal(t, want, provider.Send(ctx, subscriptionFor(t, mockServer.URL+path), payload).Kind)
		})
	}

	t.Run("Malformed subscription is an invalid token", func(t *testing.T) {
		assert.Equal(t, notification.OutcomeInvalidToken, provider.Send(ctx, "not-json", payload).Kind)
	})

	t.Run("No delivery receipts", func(t *testing.T) {
		assert.False(t, provider.SupportsDeliveryReceipts())
	})
}
