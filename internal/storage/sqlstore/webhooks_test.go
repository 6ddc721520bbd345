package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore/sqltest"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

func newEndpoint(t *testing.T, store *sqlstore.Store, clientID string, events ...notification.EventType) notification.WebhookEndpoint {
	t.Helper()
	ep := notification.WebhookEndpoint{
		ID:       uuid.NewString(),
		ClientID: clientID,
		URL:      "https://hooks.example.com/" + clientID,
		Secret:   "s3cret",
		Events:   events,
	}
	require.NoError(t, store.CreateEndpoint(context.Background(), &ep))
	return ep
}

func TestWebhookStore_FanOut(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := sqltest.MustStore(t, sqlstore.WithNow(func() time.Time { return now }))

	subscribed := newEndpoint(t, store, "client-a", notification.EventDeviceRegistered)
	newEndpoint(t, store, "client-a", notification.EventNotificationSent)
	newEndpoint(t, store, "client-b", notification.EventDeviceRegistered)

	register(t, store, "+255700000001", notification.PlatformAndroid, "tok-1")

	t.Run("Only subscribed endpoints of the owning client get an attempt", func(t *testing.T) {
		created, err := store.FanOutPending(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		due, err := store.ClaimDue(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, subscribed.ID, due[0].Endpoint.ID)
		assert.Equal(t, notification.EventDeviceRegistered, due[0].Event.Type)
		assert.Equal(t, 1, due[0].Attempts)
	})

	t.Run("Replaying fan-out creates nothing", func(t *testing.T) {
		created, err := store.FanOutPending(ctx, now, 10)
		require.NoError(t, err)
		assert.Zero(t, created)
	})
}

func TestWebhookStore_Leases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := sqltest.MustStore(t, sqlstore.WithNow(func() time.Time { return now }))
	newEndpoint(t, store, "client-a", notification.EventDeviceRegistered)
	register(t, store, "+255700000001", notification.PlatformAndroid, "tok-1")
	_, err := store.FanOutPending(ctx, now, 10)
	require.NoError(t, err)

	first, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	t.Run("A leased attempt is not claimed twice", func(t *testing.T) {
		again, err := store.ClaimDue(ctx, now.Add(30*time.Second), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("An expired lease makes the attempt due again", func(t *testing.T) {
		again, err := store.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].AttemptID, again[0].AttemptID)
		assert.Equal(t, 2, again[0].Attempts)
	})
}

func TestWebhookStore_Outcomes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*sqlstore.Store, notification.WebhookEndpoint) {
		store := sqltest.MustStore(t, sqlstore.WithNow(func() time.Time { return now }))
		ep := newEndpoint(t, store, "client-a", notification.EventDeviceRegistered)
		return store, ep
	}
	claimOne := func(t *testing.T, store *sqlstore.Store, token string) dispatch.WebhookDelivery {
		t.Helper()
		register(t, store, "+255700000001", notification.PlatformAndroid, token)
		_, err := store.FanOutPending(ctx, now, 10)
		require.NoError(t, err)
		due, err := store.ClaimDue(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		return due[0]
	}

	t.Run("Failure schedules a retry and a success resets the counter", func(t *testing.T) {
		store, ep := setup(t)
		d := claimOne(t, store, "tok-1")

		next := now.Add(10 * time.Second)
		deactivated, err := store.MarkFailed(ctx, d.AttemptID, dispatch.WebhookFailure{
			StatusCode: 500, Error: "boom", At: now, NextAttemptAt: &next, Threshold: 10,
		})
		require.NoError(t, err)
		assert.False(t, deactivated)

		got, err := store.FindEndpoint(ctx, "client-a", ep.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailureCount)

		due, err := store.ClaimDue(ctx, next, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)

		require.NoError(t, store.MarkDelivered(ctx, due[0].AttemptID, 200, next))
		got, err = store.FindEndpoint(ctx, "client-a", ep.ID)
		require.NoError(t, err)
		assert.Zero(t, got.FailureCount)
		assert.NotNil(t, got.LastTriggeredAt)
	})

	t.Run("Threshold deactivates the endpoint and reactivation restores it", func(t *testing.T) {
		store, ep := setup(t)
		d := claimOne(t, store, "tok-1")

		deactivated, err := store.MarkFailed(ctx, d.AttemptID, dispatch.WebhookFailure{
			StatusCode: 503, Error: "down", At: now, Threshold: 1,
		})
		require.NoError(t, err)
		assert.True(t, deactivated)

		got, err := store.FindEndpoint(ctx, "client-a", ep.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.NotNil(t, got.DeactivatedAt)

		require.NoError(t, store.ReactivateEndpoint(ctx, "client-a", ep.ID))
		got, err = store.FindEndpoint(ctx, "client-a", ep.ID)
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Zero(t, got.FailureCount)
	})

	t.Run("Reactivating an unknown endpoint", func(t *testing.T) {
		store, _ := setup(t)
		err := store.ReactivateEndpoint(ctx, "client-b", "missing")
		var nf *notification.NotFoundError
		require.True(t, errors.As(err, &nf))
	})

	t.Run("Settled attempts are pruned", func(t *testing.T) {
		store, _ := setup(t)
		d := claimOne(t, store, "tok-1")
		require.NoError(t, store.Drop(ctx, d.AttemptID, "endpoint inactive"))

		attempts, err := store.Attempts(ctx, d.Event.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, string(notification.AttemptDropped), attempts[0].Status)

		pruned, err := store.PruneSettled(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, pruned)

		attempts, err = store.Attempts(ctx, d.Event.ID)
		require.NoError(t, err)
		assert.Empty(t, attempts)
	})
}
