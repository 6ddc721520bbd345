// Package dispatch defines the contracts between the dispatch engine and the
// providers and stores it drives.
package dispatch

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// Provider sends a single push to one device on one platform.
// Implementations classify every failure into an Outcome; Send never panics
// on provider errors and never returns a Go error.
type Provider interface {
	Platform() notification.Platform
	Send(ctx context.Context, token string, payload notification.Payload) notification.Outcome
	// SupportsDeliveryReceipts reports whether the platform can confirm that
	// a push reached the device, making sent -> delivered reachable.
	SupportsDeliveryReceipts() bool
}

// ProviderSet maps each platform to the provider that serves it.
type ProviderSet map[notification.Platform]Provider

func (s ProviderSet) For(p notification.Platform) (Provider, bool) {
	pr, ok := s[p]
	return pr, ok && pr != nil
}

// ProviderResolver builds the provider set for one API client, so per-client
// credentials are resolved once per request rather than held globally.
type ProviderResolver interface {
	ProvidersFor(ctx context.Context, clientID string) (ProviderSet, error)
}

// ClientContext travels with a request through the engine.
type ClientContext struct {
	ClientID  string
	Providers ProviderSet
}

// TokenStore is the read side of device registrations used by fan-out,
// plus the registration writes exposed by the API.
type TokenStore interface {
	// UserIDsByPhone maps each known phone number to its active user id.
	// Unknown numbers are absent from the result.
	UserIDsByPhone(ctx context.Context, phones []string) (map[string]string, error)
	TopicMemberIDs(ctx context.Context, topic string) ([]string, error)
	ActiveDevices(ctx context.Context, userIDs []string) (map[string][]notification.Device, error)
	RegisterDevice(ctx context.Context, clientID string, reg DeviceRegistration) (notification.Device, error)
	JoinTopic(ctx context.Context, topic, phone string) error
	// DeactivateUser retires the user and every device it owns.
	DeactivateUser(ctx context.Context, userID string) error
	// Invalidate drops any cached view of the users' devices.
	Invalidate(ctx context.Context, userIDs ...string) error
}

type DeviceRegistration struct {
	PhoneNumber string
	Platform    notification.Platform
	Token       string
}

// TransitionMeta carries the facts recorded alongside a status change.
type TransitionMeta struct {
	At        time.Time
	Reason    string
	MessageID string
	Attempts  int
}

// DeliveryLog persists notifications and their per-device entries. Every
// Transition writes its webhook outbox events in the same transaction.
type DeliveryLog interface {
	CreateNotification(ctx context.Context, n *notification.Notification, entries []notification.DeliveryEntry) error
	FindNotification(ctx context.Context, clientID, notificationID string) (notification.Notification, error)
	MarkDispatching(ctx context.Context, notificationID string) error
	CompleteNotification(ctx context.Context, notificationID string, at time.Time) error
	// PendingNotifications lists notifications that still hold queued entries
	// not touched since olderThan.
	PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]notification.Notification, error)

	RecordAttempt(ctx context.Context, entryID string, attempts int, reason string, at time.Time) error
	Transition(ctx context.Context, entryID string, to notification.Status, meta TransitionMeta) (notification.DeliveryEntry, error)
	FindEntry(ctx context.Context, clientID, notificationID, token string) (notification.DeliveryEntry, error)
	Entries(ctx context.Context, clientID, notificationID string) ([]notification.DeliveryEntry, error)
	QueuedEntries(ctx context.Context, notificationID string) ([]notification.DeliveryEntry, error)
}

// IdempotencyStore enforces first-writer-wins on (client, key) via a
// storage-level uniqueness guarantee.
type IdempotencyStore interface {
	// Claim returns fresh=true when notificationID won the key. Otherwise it
	// returns the id of the notification that holds it.
	Claim(ctx context.Context, clientID, key, notificationID string, ttl time.Duration) (winner string, fresh bool, err error)
	// Release gives the key back if it is still held by notificationID.
	Release(ctx context.Context, clientID, key, notificationID string) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// WebhookDelivery is one claimed attempt together with what it needs to send.
type WebhookDelivery struct {
	AttemptID string
	Attempts  int
	Event     notification.WebhookEvent
	Endpoint  notification.WebhookEndpoint
}

// WebhookFailure describes a failed attempt. A nil NextAttemptAt settles the attempt as failed.
type WebhookFailure struct {
	StatusCode    int
	Error         string
	At            time.Time
	NextAttemptAt *time.Time
	Threshold     int
}

type WebhookStore interface {
	CreateEndpoint(ctx context.Context, ep *notification.WebhookEndpoint) error
	ReactivateEndpoint(ctx context.Context, clientID, endpointID string) error
	// FanOutPending expands outbox events into one attempt per subscribed endpoint.
	FanOutPending(ctx context.Context, now time.Time, limit int) (int, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]WebhookDelivery, error)
	MarkDelivered(ctx context.Context, attemptID string, statusCode int, at time.Time) error
	// MarkFailed records the failure and bumps the endpoint's consecutive
	// failure counter, deactivating it at the threshold.
	MarkFailed(ctx context.Context, attemptID string, failure WebhookFailure) (deactivated bool, err error)
	Drop(ctx context.Context, attemptID, reason string) error
	PruneSettled(ctx context.Context, before time.Time) (int64, error)
}
