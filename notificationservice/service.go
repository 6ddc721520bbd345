// Package notificationservice assembles the dispatch engine, its HTTP
// surface and its background loops into one runnable service.
package notificationservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/multierr"

	"github.com/tinywideclouds/go-notification-dispatch/internal/api"
	"github.com/tinywideclouds/go-notification-dispatch/internal/fanout"
	"github.com/tinywideclouds/go-notification-dispatch/internal/maintenance"
	"github.com/tinywideclouds/go-notification-dispatch/internal/metrics"
	"github.com/tinywideclouds/go-notification-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/webhook"
	"github.com/tinywideclouds/go-notification-dispatch/notificationservice/config"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
)

// Dependencies are the clients built by the caller. Subscriber is optional.
type Dependencies struct {
	Store *sqlstore.Store
	// Tokens defaults to Store; set it to put a cache in front.
	Tokens      dispatch.TokenStore
	Idempotency dispatch.IdempotencyStore
	Providers   dispatch.ProviderResolver
	Subscriber  *pubsub.Subscriber
	Readiness   map[string]api.ReadinessCheck
}

type Wrapper struct {
	cfg        *config.Config
	engine     *pipeline.Engine
	consumer   *pipeline.Consumer
	webhooks   *webhook.Dispatcher
	cleaner    *maintenance.Cleaner
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New assembles the service.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	if deps.Store == nil || deps.Providers == nil {
		return nil, errors.New("store and providers are required")
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = deps.Store
	}
	idem := deps.Idempotency
	if idem == nil {
		idem = deps.Store
	}

	m := metrics.New()

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			Multiplier:  2,
			Jitter:      0.2,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		},
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
		ChunkSize:      cfg.Dispatch.ChunkSize,
		SendTimeout:    cfg.Dispatch.SendTimeout,
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		RateBurst:      cfg.Dispatch.RateBurst,
	}, deps.Store, tokens, m, logger)

	engine := pipeline.NewEngine(pipeline.EngineConfig{
		Workers:        cfg.NumPipelineWorkers,
		QueueSize:      cfg.Dispatch.QueueSize,
		IdempotencyTTL: cfg.Idempotency.TTL,
		RecoveryAge:    cfg.Dispatch.RecoveryAge,
	}, fanout.NewResolver(tokens), deps.Store, idem, deps.Providers, processor, m, logger)

	webhooks := webhook.NewDispatcher(webhook.Config{
		PollInterval:     cfg.Webhook.PollInterval,
		Timeout:          cfg.Webhook.Timeout,
		BatchSize:        cfg.Webhook.BatchSize,
		FailureThreshold: cfg.Webhook.FailureThreshold,
		MaxAttempts:      cfg.Webhook.MaxAttempts,
	}, deps.Store, m, logger)

	cleaner := maintenance.NewCleaner(deps.Store, idem, engine, deps.Store, logger,
		maintenance.WithStaleDeviceAge(cfg.Maintenance.StaleDeviceAge),
		maintenance.WithWebhookRetention(cfg.Maintenance.WebhookRetention),
		maintenance.WithSchedules(maintenance.Schedules{
			Recovery: cfg.Maintenance.RecoverySchedule,
			Purge:    cfg.Maintenance.PurgeSchedule,
		}),
	)

	var consumer *pipeline.Consumer
	if deps.Subscriber != nil {
		consumer = pipeline.NewConsumer(deps.Subscriber, engine, logger)
	}

	auth := api.AuthenticatorFunc(func(ctx context.Context, clientID, token string) error {
		err := deps.Store.Authenticate(ctx, clientID, token)
		if errors.Is(err, sqlstore.ErrInvalidCredentials) {
			return api.ErrUnauthorized
		}
		return err
	})
	readiness := map[string]api.ReadinessCheck{
		"database": func(context.Context) error { return deps.Store.Ping() },
	}
	for name, check := range deps.Readiness {
		readiness[name] = check
	}
	router := api.NewRouter(
		api.RouterConfig{
			AllowedOrigins: cfg.Cors.AllowedOrigins,
			Readiness:      readiness,
			Metrics:        m.Handler(),
		},
		api.Handlers{
			Notifications: api.NewNotificationAPI(engine, logger),
			Devices:       api.NewDeviceAPI(tokens, logger),
			Webhooks:      api.NewWebhookAPI(deps.Store, logger),
		},
		auth,
		logger,
	)

	return &Wrapper{
		cfg:      cfg,
		engine:   engine,
		consumer: consumer,
		webhooks: webhooks,
		cleaner:  cleaner,
		metrics:  m,
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "NotificationService"),
	}, nil
}

// Handler exposes the HTTP router.
func (w *Wrapper) Handler() http.Handler {
	return w.httpServer.Handler
}

// Addr is the bound listen address once Start has returned.
func (w *Wrapper) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Start binds the listener and launches every component. It returns once
// the service is serving; Shutdown stops it.
func (w *Wrapper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("service already started")
	}

	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.cfg.ListenAddr, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	w.logger.Info("Core processing pipeline starting...")
	if err := w.engine.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start dispatch engine: %w", err)
	}
	if err := w.cleaner.Start(); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	w.listener = ln
	w.cancel = cancel

	w.goRun("webhook dispatcher", func() error { return w.webhooks.Run(runCtx) })
	if w.consumer != nil {
		w.goRun("pubsub consumer", func() error { return w.consumer.Run(runCtx) })
	}
	w.goRun("http server", func() error {
		if err := w.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	w.logger.Info("Service is now ready.", "addr", ln.Addr().String(), "pubsub", w.consumer != nil)
	return nil
}

func (w *Wrapper) goRun(name string, fn func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := fn(); err != nil {
			w.logger.Error("Component stopped with error", "component_name", name, "err", err)
		}
	}()
}

// Shutdown stops intake first, then drains the workers. Queued entries not
// yet sent remain durable for the recovery sweep on the next start.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	w.logger.Info("Shutting down service components...")

	var errs error
	if err := w.httpServer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
	}
	cancel()
	select {
	case <-w.cleaner.Stop().Done():
	case <-ctx.Done():
	}
	if err := w.engine.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("dispatch engine: %w", err))
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
	}

	if errs != nil {
		w.logger.Error("Service shutdown incomplete", "err", errs)
	} else {
		w.logger.Info("Service shutdown complete.")
	}
	return errs
}
