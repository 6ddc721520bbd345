// Package notification contains the public domain models for the dispatch core:
// devices, notifications, the per-device delivery log and webhook events.
package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Platform identifies the push channel a device is reachable through.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Device is a single registered push endpoint owned by a user.
// Invalidated devices are kept with Active=false, never deleted.
type Device struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Platform   Platform  `json:"platform"`
	Token      string    `json:"token"`
	Active     bool      `json:"active"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Payload is the platform-neutral content handed to a Provider.
type Payload struct {
	NotificationID string
	Title          string
	Body           string
	Data           map[string]string
	Priority       Priority
	ImageURL       string
	CollapseKey    string
}

type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeInvalidToken OutcomeKind = "invalid_token"
	OutcomeTransient    OutcomeKind = "transient_error"
	OutcomePermanent    OutcomeKind = "permanent_error"
)

// Outcome is the classified result of a single provider send.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	MessageID string
}

func Succeeded(messageID string) Outcome {
	return Outcome{Kind: OutcomeSuccess, MessageID: messageID}
}

func InvalidToken(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalidToken, Reason: reason}
}

func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// Err converts a non-success outcome into the matching typed error.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeInvalidToken:
		return &InvalidTokenError{Reason: o.Reason}
	case OutcomeTransient:
		return &ProviderTransientError{Reason: o.Reason}
	case OutcomePermanent:
		return &ProviderPermanentError{Reason: o.Reason}
	}
	return nil
}

type TargetKind string

const (
	TargetPhoneNumbers TargetKind = "phone_numbers"
	TargetTopic        TargetKind = "topic"
)

// NotificationStatus is the aggregate lifecycle of a whole batch.
type NotificationStatus string

const (
	NotificationAccepted    NotificationStatus = "accepted"
	NotificationDispatching NotificationStatus = "dispatching"
	NotificationCompleted   NotificationStatus = "completed"
)

// Notification is one logical send request, fanned out to many devices.
type Notification struct {
	ID             string             `json:"id"`
	ClientID       string             `json:"client_id"`
	Title          string             `json:"title"`
	Body           string             `json:"body"`
	Data           map[string]string  `json:"data,omitempty"`
	Priority       Priority           `json:"priority"`
	ImageURL       string             `json:"image_url,omitempty"`
	CollapseKey    string             `json:"collapse_key,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	TargetKind     TargetKind         `json:"target_kind"`
	Topic          string             `json:"topic,omitempty"`
	TargetErrors   []TargetError      `json:"target_errors,omitempty"`
	DeviceCount    int                `json:"device_count"`
	Status         NotificationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Payload builds the provider payload for this notification.
func (n Notification) Payload() Payload {
	return Payload{
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
		Priority:       n.Priority,
		ImageURL:       n.ImageURL,
		CollapseKey:    n.CollapseKey,
	}
}

// DeliveryEntry tracks one (notification, device) pair through the state machine.
type DeliveryEntry struct {
	ID                string     `json:"id"`
	NotificationID    string     `json:"notification_id"`
	ClientID          string     `json:"client_id"`
	DeviceID          string     `json:"device_id"`
	UserID            string     `json:"user_id"`
	Platform          Platform   `json:"platform"`
	Token             string     `json:"-"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
}

// RetryPending reports whether the entry is queued after at least one failed attempt.
func (e DeliveryEntry) RetryPending() bool {
	return e.Status == StatusQueued && e.Attempts > 0
}

// HashToken returns the truncated sha256 fingerprint used whenever a device
// token leaves the system (webhook payloads, logs).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
