package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// CreateNotification persists the notification and its queued entries in one
// transaction. Re-creating an existing (notification, device) entry is a no-op.
func (s *Store) CreateNotification(ctx context.Context, n *notification.Notification, entries []notification.DeliveryEntry) error {
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	rec, err := newNotificationRecord(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		records := make([]DeliveryLogRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, newDeliveryLogRecord(e, now))
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "notification_id"}, {Name: "device_id"}},
			DoNothing: true,
		}).CreateInBatches(&records, 100).Error; err != nil {
			return fmt.Errorf("insert delivery entries: %w", err)
		}
		return nil
	})
}

func (s *Store) FindNotification(ctx context.Context, clientID, notificationID string) (notification.Notification, error) {
	var rec NotificationRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND client_id = ?", notificationID, clientID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notification.Notification{}, &notification.NotFoundError{Resource: "notification", ID: notificationID}
		}
		return notification.Notification{}, err
	}
	return rec.toDomain()
}

// CompleteNotification marks the batch completed once no entry is queued.
func (s *Store) CompleteNotification(ctx context.Context, notificationID string, at time.Time) error {
	pending := s.db.Model(&DeliveryLogRecord{}).
		Select("1").
		Where("notification_id = ? AND status = ?", notificationID, string(notification.StatusQueued))
	return s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ? AND status <> ?", notificationID, string(notification.NotificationCompleted)).
		Where("NOT EXISTS (?)", pending).
		Updates(map[string]any{
			"status":       string(notification.NotificationCompleted),
			"completed_at": at,
			"updated_at":   at,
		}).Error
}

// MarkDispatching flags a batch as picked up by a worker.
func (s *Store) MarkDispatching(ctx context.Context, notificationID string) error {
	return s.db.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ? AND status = ?", notificationID, string(notification.NotificationAccepted)).
		Updates(map[string]any{"status": string(notification.NotificationDispatching), "updated_at": s.now()}).Error
}

func (s *Store) PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]notification.Notification, error) {
	stale := s.db.Model(&DeliveryLogRecord{}).
		Select("notification_id").
		Where("status = ? AND updated_at < ?", string(notification.StatusQueued), olderThan)

	var recs []NotificationRecord
	q := s.db.WithContext(ctx).
		Where("status <> ?", string(notification.NotificationCompleted)).
		Where("id IN (?)", stale).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	out := make([]notification.Notification, 0, len(recs))
	for _, r := range recs {
		n, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// RecordAttempt stores a failed attempt while the entry stays queued (retry-pending).
func (s *Store) RecordAttempt(ctx context.Context, entryID string, attempts int, reason string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&DeliveryLogRecord{}).
		Where("id = ? AND status = ? AND attempts < ?", entryID, string(notification.StatusQueued), attempts).
		Updates(map[string]any{
			"attempts":        attempts,
			"failure_reason":  truncate(reason, 1024),
			"last_attempt_at": at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &notification.ConflictError{Resource: "delivery entry", ID: entryID, Message: "entry is not queued or attempt already recorded"}
	}
	return nil
}

// Transition moves an entry along the state machine. The status change, the
// device deactivation for token_invalid and the webhook outbox rows commit together.
func (s *Store) Transition(ctx context.Context, entryID string, to notification.Status, meta dispatch.TransitionMeta) (notification.DeliveryEntry, error) {
	at := meta.At
	if at.IsZero() {
		at = s.now()
	}
	var out notification.DeliveryEntry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec DeliveryLogRecord
		if err := tx.Where("id = ?", entryID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &notification.NotFoundError{Resource: "delivery entry", ID: entryID}
			}
			return err
		}
		from := notification.Status(rec.Status)
		if !notification.CanTransition(from, to) {
			return &notification.ConflictError{Resource: "delivery entry", ID: entryID, From: from, To: to}
		}

		updates := map[string]any{"status": string(to), "updated_at": at}
		switch to {
		case notification.StatusSent:
			updates["sent_at"] = at
			updates["failure_reason"] = ""
			if meta.MessageID != "" {
				updates["provider_message_id"] = meta.MessageID
			}
		case notification.StatusDelivered:
			updates["delivered_at"] = at
		case notification.StatusRead:
			updates["read_at"] = at
		case notification.StatusFailed, notification.StatusTokenInvalid:
			updates["failure_reason"] = truncate(meta.Reason, 1024)
		}
		if meta.Attempts > 0 {
			updates["attempts"] = meta.Attempts
			updates["last_attempt_at"] = at
		}

		// conditional on the status we read, so a concurrent writer loses cleanly
		res := tx.Model(&DeliveryLogRecord{}).Where("id = ? AND status = ?", entryID, rec.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &notification.ConflictError{Resource: "delivery entry", ID: entryID, From: from, To: to}
		}

		// device.deactivated fires only for the write that actually retired it
		deactivated := false
		if to == notification.StatusTokenInvalid {
			res := tx.Model(&DeviceRecord{}).
				Where("id = ? AND active = ?", rec.DeviceID, true).
				Updates(map[string]any{"active": false, "deactivated_at": at, "updated_at": at})
			if res.Error != nil {
				return fmt.Errorf("deactivate device: %w", res.Error)
			}
			deactivated = res.RowsAffected > 0
		}

		var events []WebhookEventRecord
		for _, et := range notification.EventsFor(to) {
			if et == notification.EventDeviceDeactivated && !deactivated {
				continue
			}
			events = append(events, WebhookEventRecord{
				ClientID:       rec.ClientID,
				Type:           string(et),
				NotificationID: rec.NotificationID,
				DeviceID:       rec.DeviceID,
				TokenHash:      notification.HashToken(rec.Token),
				Status:         string(to),
				OccurredAt:     at,
			})
		}
		if err := insertEvents(tx, events); err != nil {
			return err
		}

		var updated DeliveryLogRecord
		if err := tx.Where("id = ?", entryID).First(&updated).Error; err != nil {
			return err
		}
		out = updated.toDomain()
		return nil
	})
	if err != nil {
		return notification.DeliveryEntry{}, err
	}
	return out, nil
}

func (s *Store) FindEntry(ctx context.Context, clientID, notificationID, token string) (notification.DeliveryEntry, error) {
	var rec DeliveryLogRecord
	err := s.db.WithContext(ctx).
		Where("notification_id = ? AND client_id = ? AND token = ?", notificationID, clientID, token).
		Order("created_at").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notification.DeliveryEntry{}, &notification.NotFoundError{Resource: "delivery entry", ID: notificationID}
		}
		return notification.DeliveryEntry{}, err
	}
	return rec.toDomain(), nil
}

func (s *Store) Entries(ctx context.Context, clientID, notificationID string) ([]notification.DeliveryEntry, error) {
	var recs []DeliveryLogRecord
	if err := s.db.WithContext(ctx).
		Where("notification_id = ? AND client_id = ?", notificationID, clientID).
		Order("created_at, id").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

func (s *Store) QueuedEntries(ctx context.Context, notificationID string) ([]notification.DeliveryEntry, error) {
	var recs []DeliveryLogRecord
	if err := s.db.WithContext(ctx).
		Where("notification_id = ? AND status = ?", notificationID, string(notification.StatusQueued)).
		Order("created_at, id").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

func toEntries(recs []DeliveryLogRecord) []notification.DeliveryEntry {
	out := make([]notification.DeliveryEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
