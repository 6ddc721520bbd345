// Package maintenance runs the periodic housekeeping jobs of the dispatch
// service on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

const (
	defaultStaleDeviceAge   = 90 * 24 * time.Hour
	defaultWebhookRetention = 30 * 24 * time.Hour

	defaultRecoverySpec  = "@every 1m"
	defaultPurgeSpec     = "@hourly"
	defaultStaleSpec     = "@daily"
	defaultWebhookSpec   = "@daily"
	defaultJobRunTimeout = 5 * time.Minute
)

type DeviceJanitor interface {
	DeactivateStaleDevices(ctx context.Context, cutoff time.Time) (int64, error)
}

type KeyPurger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

type WebhookPruner interface {
	PruneSettled(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner coordinates the background jobs. A nil dependency skips its job.
type Cleaner struct {
	devices  DeviceJanitor
	keys     KeyPurger
	recovery Recoverer
	webhooks WebhookPruner

	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger

	staleAge         time.Duration
	webhookRetention time.Duration

	recoverySchedule string
	purgeSchedule    string
	staleSchedule    string
	webhookSchedule  string
}

type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance.
func WithCron(c *cron.Cron) Option {
	return func(cl *Cleaner) {
		if c != nil {
			cl.cron = c
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(cl *Cleaner) {
		if now != nil {
			cl.now = now
		}
	}
}

// WithStaleDeviceAge sets how long a device may go unseen before it is deactivated.
func WithStaleDeviceAge(d time.Duration) Option {
	return func(cl *Cleaner) {
		if d > 0 {
			cl.staleAge = d
		}
	}
}

func WithWebhookRetention(d time.Duration) Option {
	return func(cl *Cleaner) {
		if d > 0 {
			cl.webhookRetention = d
		}
	}
}

// Schedules overrides the cron specs. Empty fields keep their defaults.
type Schedules struct {
	Recovery    string
	Purge       string
	StaleDevice string
	Webhook     string
}

func WithSchedules(s Schedules) Option {
	return func(cl *Cleaner) {
		if s.Recovery != "" {
			cl.recoverySchedule = s.Recovery
		}
		if s.Purge != "" {
			cl.purgeSchedule = s.Purge
		}
		if s.StaleDevice != "" {
			cl.staleSchedule = s.StaleDevice
		}
		if s.Webhook != "" {
			cl.webhookSchedule = s.Webhook
		}
	}
}

func NewCleaner(devices DeviceJanitor, keys KeyPurger, recovery Recoverer, webhooks WebhookPruner, logger *slog.Logger, opts ...Option) *Cleaner {
	cl := &Cleaner{
		devices:          devices,
		keys:             keys,
		recovery:         recovery,
		webhooks:         webhooks,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           logger.With("component", "MaintenanceCleaner"),
		staleAge:         defaultStaleDeviceAge,
		webhookRetention: defaultWebhookRetention,
		recoverySchedule: defaultRecoverySpec,
		purgeSchedule:    defaultPurgeSpec,
		staleSchedule:    defaultStaleSpec,
		webhookSchedule:  defaultWebhookSpec,
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.cron == nil {
		// overlapping runs of the same job are skipped, not queued
		cl.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)), cron.WithLogger(cron.DiscardLogger))
	}
	return cl
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.recovery != nil {
		jobs = append(jobs, job{"recovery", c.recoverySchedule, c.runRecovery})
	}
	if c.keys != nil {
		jobs = append(jobs, job{"idempotency_purge", c.purgeSchedule, c.purgeKeys})
	}
	if c.devices != nil {
		jobs = append(jobs, job{"stale_devices", c.staleSchedule, c.deactivateStale})
	}
	if c.webhooks != nil {
		jobs = append(jobs, job{"webhook_prune", c.webhookSchedule, c.pruneWebhooks})
	}
	return jobs
}

// Start registers the enabled jobs and launches the scheduler.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		if _, err := c.cron.AddFunc(j.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultJobRunTimeout)
			defer cancel()
			if err := j.run(ctx); err != nil {
				c.logger.Warn("Maintenance job failed", "job", j.name, "err", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.schedule, err)
		}
	}
	c.cron.Start()
	c.logger.Info("Maintenance scheduler started", "jobs", len(jobs))
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs finish.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

// RunOnce executes every enabled job in turn and combines their errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error
	for _, j := range c.jobs() {
		if err := j.run(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", j.name, err))
		}
	}
	return errs
}

func (c *Cleaner) runRecovery(ctx context.Context) error {
	_, err := c.recovery.Recover(ctx)
	return err
}

func (c *Cleaner) purgeKeys(ctx context.Context) error {
	n, err := c.keys.Purge(ctx, c.now())
	if n > 0 {
		c.logger.Info("Purged expired idempotency keys", "count", n)
	}
	return err
}

func (c *Cleaner) deactivateStale(ctx context.Context) error {
	n, err := c.devices.DeactivateStaleDevices(ctx, c.now().Add(-c.staleAge))
	if n > 0 {
		c.logger.Info("Deactivated stale devices", "count", n, "unseen_for", c.staleAge)
	}
	return err
}

func (c *Cleaner) pruneWebhooks(ctx context.Context) error {
	n, err := c.webhooks.PruneSettled(ctx, c.now().Add(-c.webhookRetention))
	if n > 0 {
		c.logger.Info("Pruned settled webhook attempts", "count", n)
	}
	return err
}
