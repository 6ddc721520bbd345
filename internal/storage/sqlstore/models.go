package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// Base carries the uuid primary key and timestamps shared by every table.
type Base struct {
	ID        string    `gorm:"primaryKey;size:36"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *Base) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

type Profile struct {
	Base
	PhoneNumber string `gorm:"size:32;not null;uniqueIndex"`
	Active      bool   `gorm:"not null;index"`
}

type DeviceRecord struct {
	Base
	UserID        string `gorm:"size:36;not null;uniqueIndex:idx_device_identity,priority:1"`
	Platform      string `gorm:"size:16;not null;uniqueIndex:idx_device_identity,priority:2"`
	Token         string `gorm:"not null;uniqueIndex:idx_device_identity,priority:3"`
	Active        bool   `gorm:"not null;index"`
	LastSeenAt    time.Time
	DeactivatedAt *time.Time
}

func (DeviceRecord) TableName() string { return "devices" }

func (d DeviceRecord) toDomain() notification.Device {
	return notification.Device{
		ID:         d.ID,
		UserID:     d.UserID,
		Platform:   notification.Platform(d.Platform),
		Token:      d.Token,
		Active:     d.Active,
		LastSeenAt: d.LastSeenAt,
	}
}

type Topic struct {
	Base
	Name string `gorm:"size:255;not null;uniqueIndex"`
}

type UserTopic struct {
	Base
	UserID  string `gorm:"size:36;not null;uniqueIndex:idx_user_topic,priority:1"`
	TopicID string `gorm:"size:36;not null;uniqueIndex:idx_user_topic,priority:2"`
}

type NotificationRecord struct {
	Base
	ClientID       string `gorm:"size:64;not null;index"`
	Title          string `gorm:"size:255;not null"`
	Body           string `gorm:"type:text;not null"`
	Data           datatypes.JSON
	Priority       string  `gorm:"size:16;not null"`
	ImageURL       string  `gorm:"size:1024"`
	CollapseKey    string  `gorm:"size:64"`
	IdempotencyKey *string `gorm:"size:255"`
	TargetKind     string  `gorm:"size:32;not null"`
	Topic          string  `gorm:"size:255"`
	TargetErrors   datatypes.JSON
	DeviceCount    int
	Status         string `gorm:"size:16;not null;index"`
	CompletedAt    *time.Time
}

func (NotificationRecord) TableName() string { return "notifications" }

func newNotificationRecord(n *notification.Notification) (NotificationRecord, error) {
	data, err := marshalJSON(n.Data)
	if err != nil {
		return NotificationRecord{}, err
	}
	targetErrs, err := marshalJSON(n.TargetErrors)
	if err != nil {
		return NotificationRecord{}, err
	}
	rec := NotificationRecord{
		Base:         Base{ID: n.ID, CreatedAt: n.CreatedAt},
		ClientID:     n.ClientID,
		Title:        n.Title,
		Body:         n.Body,
		Data:         data,
		Priority:     string(n.Priority),
		ImageURL:     n.ImageURL,
		CollapseKey:  n.CollapseKey,
		TargetKind:   string(n.TargetKind),
		Topic:        n.Topic,
		TargetErrors: targetErrs,
		DeviceCount:  n.DeviceCount,
		Status:       string(n.Status),
		CompletedAt:  n.CompletedAt,
	}
	if n.IdempotencyKey != "" {
		key := n.IdempotencyKey
		rec.IdempotencyKey = &key
	}
	return rec, nil
}

func (r NotificationRecord) toDomain() (notification.Notification, error) {
	n := notification.Notification{
		ID:          r.ID,
		ClientID:    r.ClientID,
		Title:       r.Title,
		Body:        r.Body,
		Priority:    notification.Priority(r.Priority),
		ImageURL:    r.ImageURL,
		CollapseKey: r.CollapseKey,
		TargetKind:  notification.TargetKind(r.TargetKind),
		Topic:       r.Topic,
		DeviceCount: r.DeviceCount,
		Status:      notification.NotificationStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.IdempotencyKey != nil {
		n.IdempotencyKey = *r.IdempotencyKey
	}
	if err := unmarshalJSON(r.Data, &n.Data); err != nil {
		return n, err
	}
	if err := unmarshalJSON(r.TargetErrors, &n.TargetErrors); err != nil {
		return n, err
	}
	return n, nil
}

type DeliveryLogRecord struct {
	Base
	NotificationID    string `gorm:"size:36;not null;uniqueIndex:idx_delivery_identity,priority:1"`
	DeviceID          string `gorm:"size:36;not null;uniqueIndex:idx_delivery_identity,priority:2;index"`
	ClientID          string `gorm:"size:64;not null;index"`
	UserID            string `gorm:"size:36;not null"`
	Platform          string `gorm:"size:16;not null"`
	Token             string `gorm:"not null"`
	Status            string `gorm:"size:16;not null;index"`
	Attempts          int    `gorm:"not null"`
	LastAttemptAt     *time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	FailureReason     string `gorm:"size:1024"`
	ProviderMessageID string `gorm:"size:255"`
}

func (DeliveryLogRecord) TableName() string { return "delivery_log_entries" }

func newDeliveryLogRecord(e notification.DeliveryEntry, at time.Time) DeliveryLogRecord {
	return DeliveryLogRecord{
		Base:           Base{ID: e.ID, CreatedAt: at, UpdatedAt: at},
		NotificationID: e.NotificationID,
		DeviceID:       e.DeviceID,
		ClientID:       e.ClientID,
		UserID:         e.UserID,
		Platform:       string(e.Platform),
		Token:          e.Token,
		Status:         string(e.Status),
		Attempts:       e.Attempts,
	}
}

func (r DeliveryLogRecord) toDomain() notification.DeliveryEntry {
	return notification.DeliveryEntry{
		ID:                r.ID,
		NotificationID:    r.NotificationID,
		ClientID:          r.ClientID,
		DeviceID:          r.DeviceID,
		UserID:            r.UserID,
		Platform:          notification.Platform(r.Platform),
		Token:             r.Token,
		Status:            notification.Status(r.Status),
		Attempts:          r.Attempts,
		LastAttemptAt:     r.LastAttemptAt,
		SentAt:            r.SentAt,
		DeliveredAt:       r.DeliveredAt,
		ReadAt:            r.ReadAt,
		FailureReason:     r.FailureReason,
		ProviderMessageID: r.ProviderMessageID,
	}
}

type IdempotencyRecord struct {
	Base
	ClientID       string    `gorm:"size:64;not null;uniqueIndex:idx_idempotency_key,priority:1"`
	Key            string    `gorm:"column:idempotency_key;size:255;not null;uniqueIndex:idx_idempotency_key,priority:2"`
	NotificationID string    `gorm:"size:36;not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

type WebhookEndpointRecord struct {
	Base
	ClientID        string `gorm:"size:64;not null;index"`
	URL             string `gorm:"size:2048;not null"`
	Secret          string `gorm:"size:255;not null"`
	Events          datatypes.JSON
	Active          bool `gorm:"not null;index"`
	FailureCount    int  `gorm:"not null"`
	LastTriggeredAt *time.Time
	DeactivatedAt   *time.Time
}

func (WebhookEndpointRecord) TableName() string { return "webhook_endpoints" }

func (r WebhookEndpointRecord) toDomain() notification.WebhookEndpoint {
	ep := notification.WebhookEndpoint{
		ID:              r.ID,
		ClientID:        r.ClientID,
		URL:             r.URL,
		Secret:          r.Secret,
		Active:          r.Active,
		FailureCount:    r.FailureCount,
		LastTriggeredAt: r.LastTriggeredAt,
		DeactivatedAt:   r.DeactivatedAt,
		CreatedAt:       r.CreatedAt,
	}
	_ = unmarshalJSON(r.Events, &ep.Events)
	return ep
}

type WebhookEventRecord struct {
	Base
	ClientID       string `gorm:"size:64;not null;index"`
	Type           string `gorm:"size:64;not null"`
	NotificationID string `gorm:"size:36"`
	DeviceID       string `gorm:"size:36"`
	TokenHash      string `gorm:"size:16"`
	Status         string `gorm:"size:32"`
	OccurredAt     time.Time
	FannedOut      bool `gorm:"not null;index"`
}

func (WebhookEventRecord) TableName() string { return "webhook_events" }

func (r WebhookEventRecord) toDomain() notification.WebhookEvent {
	return notification.WebhookEvent{
		ID:             r.ID,
		ClientID:       r.ClientID,
		Type:           notification.EventType(r.Type),
		NotificationID: r.NotificationID,
		DeviceID:       r.DeviceID,
		TokenHash:      r.TokenHash,
		Status:         r.Status,
		OccurredAt:     r.OccurredAt,
	}
}

type WebhookAttemptRecord struct {
	Base
	EventID        string `gorm:"size:36;not null;uniqueIndex:idx_webhook_attempt,priority:1"`
	EndpointID     string `gorm:"size:36;not null;uniqueIndex:idx_webhook_attempt,priority:2;index"`
	Status         string `gorm:"size:16;not null;index"`
	Attempts       int    `gorm:"not null"`
	LastStatusCode int
	LastError      string    `gorm:"size:1024"`
	NextAttemptAt  time.Time `gorm:"index"`
	SettledAt      *time.Time

	Event    WebhookEventRecord    `gorm:"foreignKey:EventID"`
	Endpoint WebhookEndpointRecord `gorm:"foreignKey:EndpointID"`
}

func (WebhookAttemptRecord) TableName() string { return "webhook_delivery_attempts" }

// APIClient authenticates callers through the Client-ID / Client-Token headers.
type APIClient struct {
	Base
	ClientID  string `gorm:"size:64;not null;uniqueIndex"`
	Name      string `gorm:"size:255"`
	TokenHash string `gorm:"size:255;not null"`
	Active    bool   `gorm:"not null"`
}

func (APIClient) TableName() string { return "api_clients" }

// FirebaseProject holds per-client FCM credentials.
type FirebaseProject struct {
	Base
	ClientID        string `gorm:"size:64;not null;uniqueIndex"`
	ProjectID       string `gorm:"size:255;not null"`
	CredentialsJSON string `gorm:"type:text;not null"`
	Active          bool   `gorm:"not null"`
}

func marshalJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshalJSON(raw datatypes.JSON, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
