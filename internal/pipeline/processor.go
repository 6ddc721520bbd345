package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-notification-dispatch/internal/metrics"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// ProcessorConfig bounds how hard one process pushes on the providers.
type ProcessorConfig struct {
	Retry RetryPolicy
	// MaxConcurrency caps concurrent device units within one notification.
	MaxConcurrency int
	// MaxInFlight caps provider sends across all notifications.
	MaxInFlight int64
	// ChunkSize is the provider batching limit; devices are dispatched in
	// chunks no larger than this.
	ChunkSize   int
	SendTimeout time.Duration
	// RatePerSecond is the per-platform token bucket; zero disables it.
	RatePerSecond float64
	RateBurst     int
}

// Processor runs the per-device delivery units of a notification.
type Processor struct {
	cfg      ProcessorConfig
	log      dispatch.DeliveryLog
	tokens   dispatch.TokenStore
	limiters map[notification.Platform]*rate.Limiter
	inFlight *semaphore.Weighted
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(cfg ProcessorConfig, log dispatch.DeliveryLog, tokens dispatch.TokenStore, m *metrics.Metrics, logger *slog.Logger) *Processor {
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 500
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > notification.MaxBulkTargets {
		cfg.ChunkSize = notification.MaxBulkTargets
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	limiters := make(map[notification.Platform]*rate.Limiter)
	for _, p := range []notification.Platform{notification.PlatformIOS, notification.PlatformAndroid, notification.PlatformWeb} {
		limit, burst := rate.Inf, 0
		if cfg.RatePerSecond > 0 {
			limit, burst = rate.Limit(cfg.RatePerSecond), max(cfg.RateBurst, 1)
		}
		limiters[p] = rate.NewLimiter(limit, burst)
	}

	return &Processor{
		cfg:      cfg,
		log:      log,
		tokens:   tokens,
		limiters: limiters,
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		metrics:  m,
		logger:   logger.With("component", "Processor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch pushes to every entry and returns when each unit has settled or
// given up. Cancelling ctx stops new sends; a send already in flight runs to
// completion on a detached context and its outcome is recorded.
func (p *Processor) Dispatch(ctx context.Context, providers dispatch.ProviderSet, n notification.Notification, entries []notification.DeliveryEntry) {
	payload := n.Payload()
	procLogger := p.logger.With("notification_id", n.ID, "client_id", n.ClientID)

	for chunk := range slices.Chunk(entries, p.cfg.ChunkSize) {
		if ctx.Err() != nil {
			procLogger.Info("Dispatch cancelled; remaining entries left queued")
			return
		}
		var g errgroup.Group
		g.SetLimit(p.cfg.MaxConcurrency)
		for _, entry := range chunk {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				p.deliver(ctx, providers, payload, entry, procLogger)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// deliver owns every transition of one entry for the duration of the call.
func (p *Processor) deliver(ctx context.Context, providers dispatch.ProviderSet, payload notification.Payload, entry notification.DeliveryEntry, logger *slog.Logger) {
	logger = logger.With("entry_id", entry.ID, "platform", string(entry.Platform), "token", notification.HashToken(entry.Token))
	// Outcome writes must land even when the batch is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	provider, ok := providers.For(entry.Platform)
	if !ok {
		p.settle(writeCtx, entry, notification.StatusFailed, dispatch.TransitionMeta{
			Reason:   fmt.Sprintf("no provider configured for platform %s", entry.Platform),
			Attempts: entry.Attempts,
		}, logger)
		return
	}

	attempts := entry.Attempts
	lastReason := entry.FailureReason
	if attempts >= p.cfg.Retry.MaxAttempts {
		p.exhausted(writeCtx, entry, attempts, lastReason, logger)
		return
	}

	schedule := p.cfg.Retry.backOff()
	for {
		if limiter, ok := p.limiters[entry.Platform]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := p.inFlight.Acquire(ctx, 1); err != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(writeCtx, p.cfg.SendTimeout)
		started := time.Now()
		out := provider.Send(sendCtx, entry.Token, payload)
		cancel()
		p.inFlight.Release(1)
		attempts++
		p.metrics.Send(entry.Platform, out.Kind, time.Since(started))

		switch out.Kind {
		case notification.OutcomeSuccess:
			p.settle(writeCtx, entry, notification.StatusSent, dispatch.TransitionMeta{MessageID: out.MessageID, Attempts: attempts}, logger)
			return

		case notification.OutcomeInvalidToken:
			if p.settle(writeCtx, entry, notification.StatusTokenInvalid, dispatch.TransitionMeta{Reason: out.Reason, Attempts: attempts}, logger) {
				if err := p.tokens.Invalidate(writeCtx, entry.UserID); err != nil {
					logger.Warn("Failed to invalidate cached devices", "user_id", entry.UserID, "err", err)
				}
			}
			return

		case notification.OutcomePermanent:
			p.settle(writeCtx, entry, notification.StatusFailed, dispatch.TransitionMeta{Reason: out.Reason, Attempts: attempts}, logger)
			return
		}

		// transient
		lastReason = out.Reason
		if attempts >= p.cfg.Retry.MaxAttempts {
			p.exhausted(writeCtx, entry, attempts, lastReason, logger)
			return
		}
		if err := p.log.RecordAttempt(writeCtx, entry.ID, attempts, lastReason, p.now()); err != nil {
			// Someone else owns this entry now (recovery sweep or a duplicate job).
			logger.Warn("Stopping retries; attempt could not be recorded", "err", err)
			return
		}

		wait := schedule.NextBackOff()
		logger.Debug("Transient send failure; backing off", "attempt", attempts, "wait", wait, "reason", lastReason)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// entry stays retry-pending for the recovery sweep
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) exhausted(ctx context.Context, entry notification.DeliveryEntry, attempts int, reason string, logger *slog.Logger) {
	p.settle(ctx, entry, notification.StatusFailed, dispatch.TransitionMeta{
		Reason:   "retries exhausted: " + reason,
		Attempts: attempts,
	}, logger)
}

// settle applies a transition and reports whether it took effect.
func (p *Processor) settle(ctx context.Context, entry notification.DeliveryEntry, to notification.Status, meta dispatch.TransitionMeta, logger *slog.Logger) bool {
	meta.At = p.now()
	_, err := p.log.Transition(ctx, entry.ID, to, meta)
	if err != nil {
		var conflict *notification.ConflictError
		if errors.As(err, &conflict) {
			logger.Warn("Entry already moved on", "to", string(to), "err", err)
		} else {
			logger.Error("Failed to record delivery outcome", "to", string(to), "err", err)
		}
		return false
	}
	p.metrics.Transition(to)
	if to == notification.StatusSent {
		logger.Debug("Sent", "attempts", meta.Attempts)
	} else {
		logger.Info("Delivery settled", "status", string(to), "reason", meta.Reason, "attempts", meta.Attempts)
	}
	return true
}
