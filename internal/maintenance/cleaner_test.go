package maintenance_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-notification-dispatch/internal/maintenance"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore/sqltest"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

type MockRecoverer struct {
	mock.Mock
}

func (m *MockRecoverer) Recover(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockPurger struct {
	mock.Mock
}

func (m *MockPurger) Purge(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func silent() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleaner_RunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Each job receives its cutoff", func(t *testing.T) {
		clock := now.Add(-100 * 24 * time.Hour)
		store := sqltest.MustStore(t, sqlstore.WithNow(func() time.Time { return clock }))
		old, err := store.RegisterDevice(ctx, "client-a", dispatch.DeviceRegistration{
			PhoneNumber: "+255700000001", Platform: notification.PlatformAndroid, Token: "old",
		})
		require.NoError(t, err)
		clock = now

		_, _, err = store.Claim(ctx, "client-a", "expired", "notif-1", time.Nanosecond)
		require.NoError(t, err)

		recovery := new(MockRecoverer)
		recovery.On("Recover", mock.Anything).Return(0, nil).Once()

		cl := maintenance.NewCleaner(store, store, recovery, store, silent(),
			maintenance.WithNow(func() time.Time { return now.Add(time.Hour) }))
		require.NoError(t, cl.RunOnce(ctx))

		devices, err := store.ActiveDevices(ctx, []string{old.UserID})
		require.NoError(t, err)
		assert.Empty(t, devices[old.UserID])

		_, fresh, err := store.Claim(ctx, "client-a", "expired", "notif-2", time.Hour)
		require.NoError(t, err)
		assert.True(t, fresh)

		recovery.AssertExpectations(t)
	})

	t.Run("Failures are combined, not short-circuited", func(t *testing.T) {
		recovery := new(MockRecoverer)
		recovery.On("Recover", mock.Anything).Return(0, errors.New("log offline")).Once()
		keys := new(MockPurger)
		keys.On("Purge", mock.Anything, now).Return(int64(0), errors.New("firestore offline")).Once()

		cl := maintenance.NewCleaner(nil, keys, recovery, nil, silent(),
			maintenance.WithNow(func() time.Time { return now }))
		err := cl.RunOnce(ctx)

		require.Error(t, err)
		assert.Len(t, multierr.Errors(err), 2)
		assert.ErrorContains(t, err, "recovery: log offline")
		assert.ErrorContains(t, err, "idempotency_purge: firestore offline")
		recovery.AssertExpectations(t)
		keys.AssertExpectations(t)
	})

	t.Run("No dependencies means nothing to do", func(t *testing.T) {
		cl := maintenance.NewCleaner(nil, nil, nil, nil, silent())
		assert.NoError(t, cl.RunOnce(ctx))
		assert.NoError(t, cl.Start())
	})
}

func TestCleaner_Schedule(t *testing.T) {
	t.Run("Bad cron specs are rejected at start", func(t *testing.T) {
		cl := maintenance.NewCleaner(nil, nil, new(MockRecoverer), nil, silent(),
			maintenance.WithSchedules(maintenance.Schedules{Recovery: "every now and then"}))
		assert.Error(t, cl.Start())
	})

	t.Run("Jobs fire on their schedule", func(t *testing.T) {
		fired := make(chan struct{}, 4)
		recovery := new(MockRecoverer)
		recovery.On("Recover", mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
			select {
			case fired <- struct{}{}:
			default:
			}
		})

		c := cron.New(cron.WithSeconds())
		cl := maintenance.NewCleaner(nil, nil, recovery, nil, silent(),
			maintenance.WithCron(c),
			maintenance.WithSchedules(maintenance.Schedules{Recovery: "@every 1s"}))
		require.NoError(t, cl.Start())
		defer cl.Stop()

		select {
		case <-fired:
		case <-time.After(3 * time.Second):
			t.Fatal("recovery job never ran")
		}
	})
}
