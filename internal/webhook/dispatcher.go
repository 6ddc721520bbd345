package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-notification-dispatch/internal/metrics"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

type Config struct {
	PollInterval time.Duration
	// Lease is how long a claimed attempt is hidden from other dispatchers.
	Lease       time.Duration
	Timeout     time.Duration
	BatchSize   int
	Concurrency int
	// FailureThreshold consecutive failures deactivate an endpoint.
	FailureThreshold int
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	Jitter           float64
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * c.Timeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
}

// Dispatcher runs independently of the send path: a subscriber outage only
// grows the attempts table.
type Dispatcher struct {
	cfg     Config
	store   dispatch.WebhookStore
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(cfg Config, store dispatch.WebhookStore, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		cfg:     cfg,
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  logger.With("component", "WebhookDispatcher"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Webhook dispatcher running", "poll_interval", d.cfg.PollInterval)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Webhook cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce fans out pending events and delivers whatever is due. It returns
// the number of attempts it sent.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	created, err := d.store.FanOutPending(ctx, d.now(), d.cfg.BatchSize)
	d.metrics.WebhookFanout(created)
	if err != nil {
		return 0, fmt.Errorf("fan out: %w", err)
	}

	due, err := d.store.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due attempts: %w", err)
	}

	// the batch was claimed with the endpoint state of that moment; endpoints
	// that trip mid-batch must stop receiving the rest of it
	tripped := &endpointSet{ids: make(map[string]struct{})}
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, del := range due {
		g.Go(func() error {
			d.deliver(ctx, del, tripped)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

type endpointSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *endpointSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

func (s *endpointSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (d *Dispatcher) deliver(ctx context.Context, del dispatch.WebhookDelivery, tripped *endpointSet) {
	logger := d.logger.With("attempt_id", del.AttemptID, "endpoint_id", del.Endpoint.ID, "event_id", del.Event.ID)
	// Outcome bookkeeping must survive shutdown.
	writeCtx := context.WithoutCancel(ctx)

	if !del.Endpoint.Active || tripped.has(del.Endpoint.ID) {
		logger.Info("Dropping attempt for inactive endpoint")
		d.metrics.Webhook("dropped")
		if err := d.store.Drop(writeCtx, del.AttemptID, "endpoint inactive"); err != nil {
			logger.Error("Failed to drop attempt", "err", err)
		}
		return
	}

	statusCode, err := d.post(ctx, del)
	at := d.now()
	if err == nil {
		d.metrics.Webhook("delivered")
		if err := d.store.MarkDelivered(writeCtx, del.AttemptID, statusCode, at); err != nil {
			logger.Error("Failed to record webhook delivery", "err", err)
		}
		return
	}

	failure := dispatch.WebhookFailure{
		StatusCode: statusCode,
		Error:      err.Error(),
		At:         at,
		Threshold:  d.cfg.FailureThreshold,
	}
	if del.Attempts < d.cfg.MaxAttempts {
		next := at.Add(d.delay(del.Attempts))
		failure.NextAttemptAt = &next
		d.metrics.Webhook("retrying")
	} else {
		d.metrics.Webhook("failed")
	}
	logger.Warn("Webhook delivery failed", "attempts", del.Attempts, "err", err, "will_retry", failure.NextAttemptAt != nil)

	deactivated, err := d.store.MarkFailed(writeCtx, del.AttemptID, failure)
	if err != nil {
		logger.Error("Failed to record webhook failure", "err", err)
		return
	}
	if deactivated {
		tripped.add(del.Endpoint.ID)
		logger.Warn("Endpoint deactivated after consecutive failures", "threshold", d.cfg.FailureThreshold)
	}
}

// post returns a *notification.WebhookDeliveryError for anything but a 2xx.
func (d *Dispatcher) post(ctx context.Context, del dispatch.WebhookDelivery) (int, error) {
	body, err := json.Marshal(del.Event)
	if err != nil {
		return 0, &notification.WebhookDeliveryError{EndpointID: del.Endpoint.ID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.Endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &notification.WebhookDeliveryError{EndpointID: del.Endpoint.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(del.Endpoint.Secret, body))
	req.Header.Set(HeaderEvent, string(del.Event.Type))
	req.Header.Set(HeaderID, del.Event.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &notification.WebhookDeliveryError{EndpointID: del.Endpoint.ID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &notification.WebhookDeliveryError{EndpointID: del.Endpoint.ID, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// delay is the wait before retry number attempts+1, on the same exponential
// shape as device retries.
func (d *Dispatcher) delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.BaseDelay,
		RandomizationFactor: d.cfg.Jitter,
		Multiplier:          d.cfg.Multiplier,
		MaxInterval:         d.cfg.MaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	wait := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		wait = b.NextBackOff()
	}
	return wait
}
