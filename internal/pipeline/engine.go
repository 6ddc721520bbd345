package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-notification-dispatch/internal/fanout"
	"github.com/tinywideclouds/go-notification-dispatch/internal/metrics"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// EngineConfig sizes the worker pool and the idempotency window.
type EngineConfig struct {
	Workers        int
	QueueSize      int
	IdempotencyTTL time.Duration
	// RecoveryAge is how long a queued entry must sit untouched before the
	// recovery sweep picks its notification up again.
	RecoveryAge   time.Duration
	RecoveryBatch int
}

// job carries no entries; the worker reads whatever is still queued when it
// starts.
type job struct {
	providers    dispatch.ProviderSet
	notification notification.Notification
}

type flightState int

const (
	flightQueued flightState = iota + 1
	flightRunning
)

// Engine accepts send requests, persists them, and hands them to a bounded
// pool of workers that drive each device through the delivery state machine.
type Engine struct {
	cfg       EngineConfig
	resolver  *fanout.Resolver
	log       dispatch.DeliveryLog
	idem      dispatch.IdempotencyStore
	providers dispatch.ProviderResolver
	processor *Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	jobs   chan job
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flight holds notifications sitting in jobs or being dispatched by
	// this process. Recover skips them.
	flightMu sync.Mutex
	flight   map[string]flightState
}

func NewEngine(
	cfg EngineConfig,
	resolver *fanout.Resolver,
	log dispatch.DeliveryLog,
	idem dispatch.IdempotencyStore,
	providers dispatch.ProviderResolver,
	processor *Processor,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.RecoveryAge <= 0 {
		cfg.RecoveryAge = 5 * time.Minute
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 100
	}
	return &Engine{
		cfg:       cfg,
		resolver:  resolver,
		log:       log,
		idem:      idem,
		providers: providers,
		processor: processor,
		metrics:   m,
		logger:    logger.With("component", "DispatchEngine"),
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(chan job, cfg.QueueSize),
		flight:    make(map[string]flightState),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	e.logger.Info("Dispatch workers started", "workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)
	return nil
}

// Stop cancels the workers and waits for in-flight sends to be recorded.
// Queued jobs stay durable in the delivery log for the recovery sweep.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Dispatch workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatch workers: %w", ctx.Err())
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.metrics.QueueDepth(len(e.jobs))
			e.run(ctx, j)
		}
	}
}

func (e *Engine) run(ctx context.Context, j job) {
	n := j.notification
	if !e.begin(n.ID, false) {
		e.logger.Debug("Skipping job already dispatched", "notification_id", n.ID)
		return
	}
	defer e.land(n.ID)
	if err := e.log.MarkDispatching(ctx, n.ID); err != nil {
		e.logger.Warn("Failed to mark notification dispatching", "notification_id", n.ID, "err", err)
	}
	entries, err := e.log.QueuedEntries(ctx, n.ID)
	if err != nil {
		e.logger.Error("Failed to load queued entries; leaving for recovery", "notification_id", n.ID, "err", err)
		return
	}
	e.processor.Dispatch(ctx, j.providers, n, entries)
	if err := e.log.CompleteNotification(context.WithoutCancel(ctx), n.ID, e.now()); err != nil {
		e.logger.Error("Failed to complete notification", "notification_id", n.ID, "err", err)
	}
}

// enqueue never blocks. A full queue leaves the durable entries to the
// recovery sweep. Notifications already queued or running are not queued
// again.
func (e *Engine) enqueue(j job) (queued, full bool) {
	id := j.notification.ID
	e.flightMu.Lock()
	if _, busy := e.flight[id]; busy {
		e.flightMu.Unlock()
		return false, false
	}
	e.flight[id] = flightQueued
	e.flightMu.Unlock()

	select {
	case e.jobs <- j:
		e.metrics.QueueDepth(len(e.jobs))
		return true, false
	default:
		e.land(id)
		e.logger.Warn("Dispatch queue full; notification left for recovery", "notification_id", id)
		return false, true
	}
}

// begin moves a notification to running. Workers only take notifications
// still marked queued; takeover also accepts untracked ones.
func (e *Engine) begin(id string, takeover bool) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	state, ok := e.flight[id]
	switch {
	case ok && state == flightRunning:
		return false
	case !ok && !takeover:
		return false
	}
	e.flight[id] = flightRunning
	return true
}

func (e *Engine) land(id string) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	delete(e.flight, id)
}

// Submit validates, deduplicates, resolves and persists a send request,
// then queues it for dispatch and returns without waiting for any send.
func (e *Engine) Submit(ctx context.Context, cc dispatch.ClientContext, req notification.SendRequest) (notification.SendResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return notification.SendResult{}, err
	}
	data, err := req.StringData()
	if err != nil {
		return notification.SendResult{}, err
	}

	providers := cc.Providers
	if providers == nil {
		if providers, err = e.providers.ProvidersFor(ctx, cc.ClientID); err != nil {
			return notification.SendResult{}, fmt.Errorf("resolve providers: %w", err)
		}
	}

	id := uuid.NewString()
	reqLogger := e.logger.With("client_id", cc.ClientID, "notification_id", id)

	if req.IdempotencyKey != "" {
		winner, fresh, err := e.idem.Claim(ctx, cc.ClientID, req.IdempotencyKey, id, e.cfg.IdempotencyTTL)
		if err != nil {
			return notification.SendResult{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !fresh {
			e.metrics.Duplicate()
			return e.replay(ctx, cc.ClientID, winner)
		}
	}
	release := func() {
		if req.IdempotencyKey == "" {
			return
		}
		if err := e.idem.Release(context.WithoutCancel(ctx), cc.ClientID, req.IdempotencyKey, id); err != nil {
			reqLogger.Warn("Failed to release idempotency key", "err", err)
		}
	}

	devices, targetErrors, err := e.resolver.Resolve(ctx, fanout.TargetOf(req))
	if err != nil {
		release()
		return notification.SendResult{}, err
	}

	now := e.now()
	n := notification.Notification{
		ID:             id,
		ClientID:       cc.ClientID,
		Title:          req.Title,
		Body:           req.Body,
		Data:           data,
		Priority:       req.Priority,
		ImageURL:       req.ImageURL,
		CollapseKey:    req.CollapseKey,
		IdempotencyKey: req.IdempotencyKey,
		TargetKind:     req.TargetKind(),
		Topic:          req.Topic,
		TargetErrors:   targetErrors,
		DeviceCount:    len(devices),
		Status:         notification.NotificationAccepted,
		CreatedAt:      now,
	}
	entries := make([]notification.DeliveryEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, notification.DeliveryEntry{
			ID:             uuid.NewString(),
			NotificationID: id,
			ClientID:       cc.ClientID,
			DeviceID:       d.ID,
			UserID:         d.UserID,
			Platform:       d.Platform,
			Token:          d.Token,
			Status:         notification.StatusQueued,
		})
	}

	if err := e.log.CreateNotification(ctx, &n, entries); err != nil {
		release()
		return notification.SendResult{}, fmt.Errorf("persist notification: %w", err)
	}
	e.metrics.Accepted(n.TargetKind)
	reqLogger.Info("Notification accepted", "devices", len(entries), "target_errors", len(targetErrors))

	if len(entries) == 0 {
		if err := e.log.CompleteNotification(ctx, id, now); err != nil {
			reqLogger.Warn("Failed to complete empty notification", "err", err)
		}
	} else {
		e.enqueue(job{providers: providers, notification: n})
	}
	return notification.NewSendResult(id, targetErrors, len(entries), false), nil
}

// replay answers a duplicate request with the original outcome.
func (e *Engine) replay(ctx context.Context, clientID, notificationID string) (notification.SendResult, error) {
	n, err := e.log.FindNotification(ctx, clientID, notificationID)
	var nf *notification.NotFoundError
	if errors.As(err, &nf) {
		// the winner is still persisting
		return notification.NewSendResult(notificationID, nil, 0, true), nil
	}
	if err != nil {
		return notification.SendResult{}, err
	}
	return notification.NewSendResult(n.ID, n.TargetErrors, n.DeviceCount, true), nil
}

// ConfirmRead records the client's read confirmation for one device.
func (e *Engine) ConfirmRead(ctx context.Context, clientID, notificationID, deviceToken string) (notification.DeliveryEntry, error) {
	entry, err := e.log.FindEntry(ctx, clientID, notificationID, deviceToken)
	if err != nil {
		return notification.DeliveryEntry{}, err
	}
	if entry.Status != notification.StatusSent && entry.Status != notification.StatusDelivered {
		return notification.DeliveryEntry{}, &notification.NotFoundError{Resource: "sent delivery", ID: notificationID}
	}
	updated, err := e.log.Transition(ctx, entry.ID, notification.StatusRead, dispatch.TransitionMeta{At: e.now()})
	if err == nil {
		e.metrics.Transition(notification.StatusRead)
	}
	return updated, err
}

// ConfirmDelivery records a provider or device delivery receipt. Platforms
// whose provider cannot report receipts never reach delivered.
func (e *Engine) ConfirmDelivery(ctx context.Context, clientID, notificationID, deviceToken string) (notification.DeliveryEntry, error) {
	entry, err := e.log.FindEntry(ctx, clientID, notificationID, deviceToken)
	if err != nil {
		return notification.DeliveryEntry{}, err
	}
	providers, err := e.providers.ProvidersFor(ctx, clientID)
	if err != nil {
		return notification.DeliveryEntry{}, fmt.Errorf("resolve providers: %w", err)
	}
	if p, ok := providers.For(entry.Platform); !ok || !p.SupportsDeliveryReceipts() {
		return notification.DeliveryEntry{}, &notification.ConflictError{
			Resource: "delivery entry",
			ID:       entry.ID,
			Message:  fmt.Sprintf("platform %s does not report delivery receipts", entry.Platform),
		}
	}
	if entry.Status == notification.StatusQueued {
		return notification.DeliveryEntry{}, &notification.NotFoundError{Resource: "sent delivery", ID: notificationID}
	}
	updated, err := e.log.Transition(ctx, entry.ID, notification.StatusDelivered, dispatch.TransitionMeta{At: e.now()})
	if err == nil {
		e.metrics.Transition(notification.StatusDelivered)
	}
	return updated, err
}

// Deliveries returns the per-device log of a notification.
func (e *Engine) Deliveries(ctx context.Context, clientID, notificationID string) (notification.Notification, []notification.DeliveryEntry, error) {
	n, err := e.log.FindNotification(ctx, clientID, notificationID)
	if err != nil {
		return notification.Notification{}, nil, err
	}
	entries, err := e.log.Entries(ctx, clientID, notificationID)
	return n, entries, err
}

// Resume re-dispatches a notification's queued entries synchronously. It
// takes over a job still waiting in the queue and returns a ConflictError
// while a worker is dispatching the notification.
func (e *Engine) Resume(ctx context.Context, cc dispatch.ClientContext, notificationID string) error {
	n, err := e.log.FindNotification(ctx, cc.ClientID, notificationID)
	if err != nil {
		return err
	}
	providers := cc.Providers
	if providers == nil {
		if providers, err = e.providers.ProvidersFor(ctx, cc.ClientID); err != nil {
			return fmt.Errorf("resolve providers: %w", err)
		}
	}
	if !e.begin(n.ID, true) {
		return &notification.ConflictError{Resource: "notification", ID: n.ID, Message: "already being dispatched"}
	}
	defer e.land(n.ID)
	queued, err := e.log.QueuedEntries(ctx, n.ID)
	if err != nil {
		return err
	}
	e.processor.Dispatch(ctx, providers, n, queued)
	return e.log.CompleteNotification(context.WithoutCancel(ctx), n.ID, e.now())
}

func (e *Engine) inFlight(id string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	_, ok := e.flight[id]
	return ok
}

// Recover queues notifications whose entries have sat in queued for longer
// than RecoveryAge, covering crashes, full queues and abandoned retries.
// Notifications this process is still queueing or dispatching are skipped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stale, err := e.log.PendingNotifications(ctx, e.now().Add(-e.cfg.RecoveryAge), e.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, n := range stale {
		if e.inFlight(n.ID) {
			continue
		}
		providers, err := e.providers.ProvidersFor(ctx, n.ClientID)
		if err != nil {
			e.logger.Error("Skipping recovery; providers unavailable", "notification_id", n.ID, "client_id", n.ClientID, "err", err)
			continue
		}
		entries, err := e.log.QueuedEntries(ctx, n.ID)
		if err != nil {
			return queued, err
		}
		if len(entries) == 0 {
			continue
		}
		ok, full := e.enqueue(job{providers: providers, notification: n})
		if full {
			break
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		e.logger.Info("Recovered stalled notifications", "count", queued)
	}
	return queued, nil
}
