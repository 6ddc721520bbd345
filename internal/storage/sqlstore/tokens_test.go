package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore/sqltest"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

func register(t *testing.T, store *sqlstore.Store, phone string, platform notification.Platform, token string) notification.Device {
	t.Helper()
	d, err := store.RegisterDevice(context.Background(), "client-a", dispatch.DeviceRegistration{
		PhoneNumber: phone,
		Platform:    platform,
		Token:       token,
	})
	require.NoError(t, err)
	return d
}

func TestTokenStore_Registration(t *testing.T) {
	ctx := context.Background()

	t.Run("Re-registering the same token keeps one device", func(t *testing.T) {
		store := sqltest.MustStore(t)
		first := register(t, store, "+255700000001", notification.PlatformAndroid, "tok-1")
		second := register(t, store, "+255700000001", notification.PlatformAndroid, "tok-1")

		assert.Equal(t, first.ID, second.ID)

		devices, err := store.ActiveDevices(ctx, []string{first.UserID})
		require.NoError(t, err)
		assert.Len(t, devices[first.UserID], 1)
	})

	t.Run("Registration emits device.registered", func(t *testing.T) {
		store := sqltest.MustStore(t)
		register(t, store, "+255700000001", notification.PlatformWeb, `{"endpoint":"https://push.example/1"}`)

		var count int64
		require.NoError(t, store.DB().Model(&sqlstore.WebhookEventRecord{}).
			Where("type = ?", string(notification.EventDeviceRegistered)).
			Count(&count).Error)
		assert.EqualValues(t, 1, count)
	})

	t.Run("Unknown platform is rejected", func(t *testing.T) {
		store := sqltest.MustStore(t)
		_, err := store.RegisterDevice(ctx, "client-a", dispatch.DeviceRegistration{
			PhoneNumber: "+255700000001",
			Platform:    "blackberry",
			Token:       "tok",
		})
		var verr *notification.ValidationError
		require.True(t, errors.As(err, &verr))
	})
}

func TestTokenStore_Lookups(t *testing.T) {
	ctx := context.Background()
	store := sqltest.MustStore(t)

	alice := register(t, store, "+255700000001", notification.PlatformAndroid, "alice-android")
	register(t, store, "+255700000001", notification.PlatformIOS, "alice-ios")
	bob := register(t, store, "+255700000002", notification.PlatformWeb, "bob-web")

	t.Run("Unknown numbers are absent", func(t *testing.T) {
		ids, err := store.UserIDsByPhone(ctx, []string{"+255700000001", "+255799999999"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"+255700000001": alice.UserID}, ids)
	})

	t.Run("Topic members", func(t *testing.T) {
		require.NoError(t, store.JoinTopic(ctx, "news", "+255700000001"))
		require.NoError(t, store.JoinTopic(ctx, "news", "+255700000002"))
		// joining twice is harmless
		require.NoError(t, store.JoinTopic(ctx, "news", "+255700000002"))

		ids, err := store.TopicMemberIDs(ctx, "news")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{alice.UserID, bob.UserID}, ids)

		empty, err := store.TopicMemberIDs(ctx, "nobody-here")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Joining with an unknown number fails", func(t *testing.T) {
		err := store.JoinTopic(ctx, "news", "+255711111111")
		var nf *notification.NotFoundError
		require.True(t, errors.As(err, &nf))
	})

	t.Run("Deactivating a user cascades to devices", func(t *testing.T) {
		require.NoError(t, store.DeactivateUser(ctx, bob.UserID))

		devices, err := store.ActiveDevices(ctx, []string{bob.UserID})
		require.NoError(t, err)
		assert.Empty(t, devices[bob.UserID])

		ids, err := store.UserIDsByPhone(ctx, []string{"+255700000002"})
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestTokenStore_DeactivateStaleDevices(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := sqltest.MustStore(t, sqlstore.WithNow(func() time.Time { return clock }))

	old := register(t, store, "+255700000001", notification.PlatformAndroid, "old")

	clock = clock.Add(100 * 24 * time.Hour)
	fresh := register(t, store, "+255700000002", notification.PlatformAndroid, "fresh")

	n, err := store.DeactivateStaleDevices(ctx, clock.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	devices, err := store.ActiveDevices(ctx, []string{old.UserID, fresh.UserID})
	require.NoError(t, err)
	assert.Empty(t, devices[old.UserID])
	assert.Len(t, devices[fresh.UserID], 1)
}
