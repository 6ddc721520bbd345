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

func (s *Store) CreateEndpoint(ctx context.Context, ep *notification.WebhookEndpoint) error {
	events, err := marshalJSON(ep.Events)
	if err != nil {
		return err
	}
	rec := WebhookEndpointRecord{
		Base:     Base{ID: ep.ID},
		ClientID: ep.ClientID,
		URL:      ep.URL,
		Secret:   ep.Secret,
		Events:   events,
		Active:   true,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create webhook endpoint: %w", err)
	}
	*ep = rec.toDomain()
	return nil
}

func (s *Store) FindEndpoint(ctx context.Context, clientID, endpointID string) (notification.WebhookEndpoint, error) {
	var rec WebhookEndpointRecord
	if err := s.db.WithContext(ctx).Where("id = ? AND client_id = ?", endpointID, clientID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notification.WebhookEndpoint{}, &notification.NotFoundError{Resource: "webhook endpoint", ID: endpointID}
		}
		return notification.WebhookEndpoint{}, err
	}
	return rec.toDomain(), nil
}

// ReactivateEndpoint is the operator re-enable after the failure threshold tripped.
func (s *Store) ReactivateEndpoint(ctx context.Context, clientID, endpointID string) error {
	res := s.db.WithContext(ctx).
		Model(&WebhookEndpointRecord{}).
		Where("id = ? AND client_id = ?", endpointID, clientID).
		Updates(map[string]any{"active": true, "failure_count": 0, "deactivated_at": nil, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &notification.NotFoundError{Resource: "webhook endpoint", ID: endpointID}
	}
	return nil
}

// FanOutPending turns outbox events into per-endpoint attempts. Each event is
// expanded and marked fanned out in one transaction; the (event, endpoint)
// unique index makes a replay harmless.
func (s *Store) FanOutPending(ctx context.Context, now time.Time, limit int) (int, error) {
	var events []WebhookEventRecord
	if err := s.db.WithContext(ctx).
		Where("fanned_out = ?", false).
		Order("created_at, id").
		Limit(limit).
		Find(&events).Error; err != nil {
		return 0, fmt.Errorf("list pending webhook events: %w", err)
	}

	created := 0
	for _, ev := range events {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var endpoints []WebhookEndpointRecord
			if err := tx.Where("client_id = ? AND active = ?", ev.ClientID, true).Find(&endpoints).Error; err != nil {
				return err
			}
			attempts := make([]WebhookAttemptRecord, 0, len(endpoints))
			for _, ep := range endpoints {
				if !ep.toDomain().Subscribes(notification.EventType(ev.Type)) {
					continue
				}
				attempts = append(attempts, WebhookAttemptRecord{
					EventID:       ev.ID,
					EndpointID:    ep.ID,
					Status:        string(notification.AttemptPending),
					NextAttemptAt: now,
				})
			}
			if len(attempts) > 0 {
				res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "event_id"}, {Name: "endpoint_id"}},
					DoNothing: true,
				}).Create(&attempts)
				if res.Error != nil {
					return res.Error
				}
				created += int(res.RowsAffected)
			}
			return tx.Model(&WebhookEventRecord{}).Where("id = ?", ev.ID).
				Updates(map[string]any{"fanned_out": true, "updated_at": now}).Error
		})
		if err != nil {
			return created, fmt.Errorf("fan out webhook event %s: %w", ev.ID, err)
		}
	}
	return created, nil
}

// ClaimDue leases up to limit due attempts. A claimed attempt is in_flight
// until now+lease; an expired lease makes it due again.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]dispatch.WebhookDelivery, error) {
	var due []WebhookAttemptRecord
	if err := s.db.WithContext(ctx).
		Preload("Event").
		Preload("Endpoint").
		Where("status IN ? AND next_attempt_at <= ?",
			[]string{string(notification.AttemptPending), string(notification.AttemptInFlight)}, now).
		Order("next_attempt_at, id").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("list due webhook attempts: %w", err)
	}

	out := make([]dispatch.WebhookDelivery, 0, len(due))
	for _, a := range due {
		res := s.db.WithContext(ctx).
			Model(&WebhookAttemptRecord{}).
			Where("id = ? AND status = ? AND attempts = ?", a.ID, a.Status, a.Attempts).
			Updates(map[string]any{
				"status":          string(notification.AttemptInFlight),
				"attempts":        a.Attempts + 1,
				"next_attempt_at": now.Add(lease),
				"updated_at":      now,
			})
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 0 {
			// another dispatcher took it
			continue
		}
		out = append(out, dispatch.WebhookDelivery{
			AttemptID: a.ID,
			Attempts:  a.Attempts + 1,
			Event:     a.Event.toDomain(),
			Endpoint:  a.Endpoint.toDomain(),
		})
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, attemptID string, statusCode int, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a WebhookAttemptRecord
		if err := tx.Where("id = ?", attemptID).First(&a).Error; err != nil {
			return err
		}
		if err := tx.Model(&WebhookAttemptRecord{}).Where("id = ?", attemptID).Updates(map[string]any{
			"status":           string(notification.AttemptDelivered),
			"last_status_code": statusCode,
			"last_error":       "",
			"settled_at":       at,
			"updated_at":       at,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&WebhookEndpointRecord{}).Where("id = ?", a.EndpointID).Updates(map[string]any{
			"failure_count":     0,
			"last_triggered_at": at,
			"updated_at":        at,
		}).Error
	})
}

func (s *Store) MarkFailed(ctx context.Context, attemptID string, f dispatch.WebhookFailure) (bool, error) {
	deactivated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a WebhookAttemptRecord
		if err := tx.Where("id = ?", attemptID).First(&a).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"last_status_code": f.StatusCode,
			"last_error":       truncate(f.Error, 1024),
			"updated_at":       f.At,
		}
		if f.NextAttemptAt != nil {
			updates["status"] = string(notification.AttemptPending)
			updates["next_attempt_at"] = *f.NextAttemptAt
		} else {
			updates["status"] = string(notification.AttemptFailed)
			updates["settled_at"] = f.At
		}
		if err := tx.Model(&WebhookAttemptRecord{}).Where("id = ?", attemptID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Model(&WebhookEndpointRecord{}).Where("id = ?", a.EndpointID).Updates(map[string]any{
			"failure_count":     gorm.Expr("failure_count + 1"),
			"last_triggered_at": f.At,
			"updated_at":        f.At,
		}).Error; err != nil {
			return err
		}
		if f.Threshold <= 0 {
			return nil
		}
		res := tx.Model(&WebhookEndpointRecord{}).
			Where("id = ? AND active = ? AND failure_count >= ?", a.EndpointID, true, f.Threshold).
			Updates(map[string]any{"active": false, "deactivated_at": f.At, "updated_at": f.At})
		if res.Error != nil {
			return res.Error
		}
		deactivated = res.RowsAffected > 0
		return nil
	})
	return deactivated, err
}

func (s *Store) Drop(ctx context.Context, attemptID, reason string) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&WebhookAttemptRecord{}).Where("id = ?", attemptID).Updates(map[string]any{
		"status":     string(notification.AttemptDropped),
		"last_error": truncate(reason, 1024),
		"settled_at": now,
		"updated_at": now,
	}).Error
}

// PruneSettled deletes settled attempts and fully fanned-out events older than before.
func (s *Store) PruneSettled(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("status IN ? AND settled_at < ?",
			[]string{string(notification.AttemptDelivered), string(notification.AttemptFailed), string(notification.AttemptDropped)}, before).
			Delete(&WebhookAttemptRecord{})
		if res.Error != nil {
			return res.Error
		}
		pruned = res.RowsAffected

		open := tx.Session(&gorm.Session{NewDB: true}).Model(&WebhookAttemptRecord{}).Select("event_id")
		return tx.Where("fanned_out = ? AND occurred_at < ?", true, before).
			Where("id NOT IN (?)", open).
			Delete(&WebhookEventRecord{}).Error
	})
	return pruned, err
}

// Attempts lists the delivery attempts recorded for an event, oldest first.
func (s *Store) Attempts(ctx context.Context, eventID string) ([]WebhookAttemptRecord, error) {
	var out []WebhookAttemptRecord
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at, id").Find(&out).Error
	return out, err
}

// Events lists outbox events for a notification, oldest first.
func (s *Store) Events(ctx context.Context, notificationID string) ([]notification.WebhookEvent, error) {
	var recs []WebhookEventRecord
	if err := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).Order("occurred_at, created_at, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]notification.WebhookEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}
