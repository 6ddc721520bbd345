package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-notification-dispatch/internal/fanout"
	"github.com/tinywideclouds/go-notification-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore/sqltest"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays a fixed sequence of outcomes per token and then
// repeats the last one.
type scriptedProvider struct {
	platform notification.Platform
	receipts bool

	mu      sync.Mutex
	scripts map[string][]notification.Outcome
	calls   map[string]int
	block   chan struct{}
}

func newScriptedProvider(p notification.Platform, receipts bool) *scriptedProvider {
	return &scriptedProvider{
		platform: p,
		receipts: receipts,
		scripts:  make(map[string][]notification.Outcome),
		calls:    make(map[string]int),
	}
}

func (s *scriptedProvider) script(token string, outcomes ...notification.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[token] = outcomes
}

func (s *scriptedProvider) Platform() notification.Platform { return s.platform }
func (s *scriptedProvider) SupportsDeliveryReceipts() bool  { return s.receipts }

func (s *scriptedProvider) Send(ctx context.Context, token string, _ notification.Payload) notification.Outcome {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[token]
	s.calls[token] = n + 1
	script := s.scripts[token]
	if len(script) == 0 {
		return notification.Succeeded("msg-" + token)
	}
	if n >= len(script) {
		return script[len(script)-1]
	}
	return script[n]
}

func (s *scriptedProvider) callsFor(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[token]
}

// staticProviders serves one set to every client.
type staticProviders dispatch.ProviderSet

func (s staticProviders) ProvidersFor(context.Context, string) (dispatch.ProviderSet, error) {
	return dispatch.ProviderSet(s), nil
}

func fastRetry(maxAttempts int) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Jitter:      0,
		MaxDelay:    5 * time.Millisecond,
	}
}

type harness struct {
	store     *sqlstore.Store
	android   *scriptedProvider
	ios       *scriptedProvider
	providers dispatch.ProviderSet
	processor *pipeline.Processor
	engine    *pipeline.Engine
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	store := sqltest.MustStore(t)
	android := newScriptedProvider(notification.PlatformAndroid, true)
	ios := newScriptedProvider(notification.PlatformIOS, false)
	providers := dispatch.ProviderSet{
		notification.PlatformAndroid: android,
		notification.PlatformIOS:     ios,
	}
	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Retry:          fastRetry(maxAttempts),
		MaxConcurrency: 4,
		ChunkSize:      2,
		SendTimeout:    time.Second,
	}, store, store, nil, newTestLogger())
	engine := pipeline.NewEngine(pipeline.EngineConfig{Workers: 2, QueueSize: 10},
		fanout.NewResolver(store), store, store, staticProviders(providers), processor, nil, newTestLogger())
	return &harness{store: store, android: android, ios: ios, providers: providers, processor: processor, engine: engine}
}

func (h *harness) register(t *testing.T, phone string, platform notification.Platform, token string) notification.Device {
	t.Helper()
	d, err := h.store.RegisterDevice(context.Background(), "client-a", dispatch.DeviceRegistration{
		PhoneNumber: phone, Platform: platform, Token: token,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) statusOf(t *testing.T, notificationID, token string) notification.DeliveryEntry {
	t.Helper()
	e, err := h.store.FindEntry(context.Background(), "client-a", notificationID, token)
	require.NoError(t, err)
	return e
}

// waitCompleted polls until the notification settles.
func (h *harness) waitCompleted(t *testing.T, notificationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.store.FindNotification(context.Background(), "client-a", notificationID)
		return err == nil && n.Status == notification.NotificationCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
