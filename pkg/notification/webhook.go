package notification

import "time"

// WebhookEndpoint is a subscriber URL registered by an API client.
type WebhookEndpoint struct {
	ID              string      `json:"id"`
	ClientID        string      `json:"client_id"`
	URL             string      `json:"url"`
	Secret          string      `json:"-"`
	Events          []EventType `json:"events"`
	Active          bool        `json:"active"`
	FailureCount    int         `json:"failure_count"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	DeactivatedAt   *time.Time  `json:"deactivated_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Subscribes reports whether the endpoint wants events of type t.
func (w WebhookEndpoint) Subscribes(t EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookEvent is an outbox row written in the same transaction as the
// transition that caused it.
type WebhookEvent struct {
	ID             string    `json:"event_id"`
	ClientID       string    `json:"-"`
	Type           EventType `json:"event_type"`
	NotificationID string    `json:"notification_id,omitempty"`
	DeviceID       string    `json:"-"`
	TokenHash      string    `json:"device_token"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"timestamp"`
}

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptInFlight  AttemptStatus = "in_flight"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
	AttemptDropped   AttemptStatus = "dropped"
)
