package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claim inserts the (client, key) record guarded by the unique index. A
// conflicting insert affects no rows and the caller reads back the winner.
// An expired holder is replaced in place.
func (s *Store) Claim(ctx context.Context, clientID, key, notificationID string, ttl time.Duration) (string, bool, error) {
	now := s.now()
	winner := notificationID
	fresh := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := IdempotencyRecord{
			ClientID:       clientID,
			Key:            key,
			NotificationID: notificationID,
			ExpiresAt:      now.Add(ttl),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return fmt.Errorf("claim idempotency key: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			fresh = true
			return nil
		}

		var existing IdempotencyRecord
		if err := tx.Where("client_id = ? AND idempotency_key = ?", clientID, key).First(&existing).Error; err != nil {
			return fmt.Errorf("read idempotency winner: %w", err)
		}
		if existing.ExpiresAt.After(now) {
			winner = existing.NotificationID
			return nil
		}

		// take over the expired record, still guarded by the old holder
		takeover := tx.Model(&IdempotencyRecord{}).
			Where("id = ? AND notification_id = ? AND expires_at <= ?", existing.ID, existing.NotificationID, now).
			Updates(map[string]any{"notification_id": notificationID, "expires_at": now.Add(ttl), "updated_at": now})
		if takeover.Error != nil {
			return takeover.Error
		}
		if takeover.RowsAffected == 1 {
			fresh = true
			return nil
		}
		var current IdempotencyRecord
		if err := tx.Where("client_id = ? AND idempotency_key = ?", clientID, key).First(&current).Error; err != nil {
			return err
		}
		winner = current.NotificationID
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return winner, fresh, nil
}

func (s *Store) Release(ctx context.Context, clientID, key, notificationID string) error {
	return s.db.WithContext(ctx).
		Where("client_id = ? AND idempotency_key = ? AND notification_id = ?", clientID, key, notificationID).
		Delete(&IdempotencyRecord{}).Error
}

func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&IdempotencyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}
