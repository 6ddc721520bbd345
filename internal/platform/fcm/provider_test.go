package fcm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFCMProvider_Send(t *testing.T) {
	ctx := context.Background()
	payload := notification.Payload{
		NotificationID: "n1",
		Title:          "Hi",
		Body:           "There",
		Data:           map[string]string{"order": "42"},
		Priority:       notification.PriorityHigh,
		CollapseKey:    "orders",
	}

	t.Run("Success carries the message id and the full message shape", func(t *testing.T) {
		mockClient := new(MockClient)
		provider := fcm.NewProvider(mockClient, notification.PlatformAndroid, newTestLogger())

		mockClient.On("Send", ctx, mock.MatchedBy(func(msg *messaging.Message) bool {
			return msg.Token == "tok" &&
				msg.Notification.Title == "Hi" &&
				msg.Data["order"] == "42" &&
				msg.Android.Priority == "high" &&
				msg.Android.CollapseKey == "orders" &&
				*msg.Android.TTL == time.Hour &&
				msg.APNS.Headers["apns-priority"] == "10"
		})).Return("projects/p/messages/1", nil)

		out := provider.Send(ctx, "tok", payload)

		assert.Equal(t, notification.OutcomeSuccess, out.Kind)
		assert.Equal(t, "projects/p/messages/1", out.MessageID)
		mockClient.AssertExpectations(t)
	})

	t.Run("Normal priority maps to low-urgency delivery", func(t *testing.T) {
		mockClient := new(MockClient)
		provider := fcm.NewProvider(mockClient, notification.PlatformAndroid, newTestLogger())

		normal := payload
		normal.Priority = notification.PriorityNormal
		mockClient.On("Send", ctx, mock.MatchedBy(func(msg *messaging.Message) bool {
			return msg.Android.Priority == "normal" && msg.APNS.Headers["apns-priority"] == "5"
		})).Return("id", nil)

		assert.Equal(t, notification.OutcomeSuccess, provider.Send(ctx, "tok", normal).Kind)
	})

	t.Run("Transport failures are transient", func(t *testing.T) {
		mockClient := new(MockClient)
		provider := fcm.NewProvider(mockClient, notification.PlatformAndroid, newTestLogger())

		mockClient.On("Send", ctx, mock.Anything).Return("", errors.New("connection reset"))

		out := provider.Send(ctx, "tok", payload)
		assert.Equal(t, notification.OutcomeTransient, out.Kind)
		assert.Contains(t, out.Reason, "connection reset")
	})

	t.Run("Timeouts are transient", func(t *testing.T) {
		mockClient := new(MockClient)
		provider := fcm.NewProvider(mockClient, notification.PlatformAndroid, newTestLogger())

		mockClient.On("Send", ctx, mock.Anything).Return("", context.DeadlineExceeded)

		assert.Equal(t, notification.OutcomeTransient, provider.Send(ctx, "tok", payload).Kind)
	})

	t.Run("Capabilities", func(t *testing.T) {
		provider := fcm.NewProvider(new(MockClient), notification.PlatformIOS, newTestLogger())
		assert.Equal(t, notification.PlatformIOS, provider.Platform())
		assert.True(t, provider.SupportsDeliveryReceipts())
	})
}
