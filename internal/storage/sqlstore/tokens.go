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

func (s *Store) UserIDsByPhone(ctx context.Context, phones []string) (map[string]string, error) {
	out := make(map[string]string, len(phones))
	if len(phones) == 0 {
		return out, nil
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).
		Where("phone_number IN ? AND active = ?", phones, true).
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("lookup profiles: %w", err)
	}
	for _, p := range profiles {
		out[p.PhoneNumber] = p.ID
	}
	return out, nil
}

func (s *Store) TopicMemberIDs(ctx context.Context, topic string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&UserTopic{}).
		Joins("JOIN topics ON topics.id = user_topics.topic_id").
		Joins("JOIN profiles ON profiles.id = user_topics.user_id").
		Where("topics.name = ? AND profiles.active = ?", topic, true).
		Order("user_topics.user_id").
		Pluck("user_topics.user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("lookup topic %q members: %w", topic, err)
	}
	return ids, nil
}

func (s *Store) ActiveDevices(ctx context.Context, userIDs []string) (map[string][]notification.Device, error) {
	out := make(map[string][]notification.Device, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var records []DeviceRecord
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND active = ?", userIDs, true).
		Order("created_at, id").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("lookup devices: %w", err)
	}
	for _, r := range records {
		out[r.UserID] = append(out[r.UserID], r.toDomain())
	}
	return out, nil
}

// RegisterDevice upserts the device for the phone number's user, creating the
// profile on first sight, and emits device.registered for the client.
func (s *Store) RegisterDevice(ctx context.Context, clientID string, reg dispatch.DeviceRegistration) (notification.Device, error) {
	if !reg.Platform.Valid() {
		return notification.Device{}, &notification.ValidationError{Fields: map[string]string{"platform": "must be one of: ios android web"}}
	}
	now := s.now()
	var device DeviceRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := ensureProfile(tx, reg.PhoneNumber)
		if err != nil {
			return err
		}

		device = DeviceRecord{
			UserID:     profile.ID,
			Platform:   string(reg.Platform),
			Token:      reg.Token,
			Active:     true,
			LastSeenAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "platform"}, {Name: "token"}},
			DoUpdates: clause.Assignments(map[string]any{"active": true, "last_seen_at": now, "deactivated_at": nil, "updated_at": now}),
		}).Create(&device).Error; err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		// the upsert may have kept the existing row's id
		var stored DeviceRecord
		if err := tx.Where("user_id = ? AND platform = ? AND token = ?", profile.ID, device.Platform, device.Token).
			First(&stored).Error; err != nil {
			return err
		}
		device = stored

		return insertEvents(tx, []WebhookEventRecord{{
			ClientID:   clientID,
			Type:       string(notification.EventDeviceRegistered),
			DeviceID:   device.ID,
			TokenHash:  notification.HashToken(device.Token),
			Status:     "registered",
			OccurredAt: now,
		}})
	})
	if err != nil {
		return notification.Device{}, err
	}
	return device.toDomain(), nil
}

func (s *Store) JoinTopic(ctx context.Context, topic, phone string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile Profile
		if err := tx.Where("phone_number = ?", phone).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &notification.NotFoundError{Resource: "profile", ID: phone}
			}
			return err
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Topic{Name: topic}).Error; err != nil {
			return fmt.Errorf("create topic: %w", err)
		}
		var t Topic
		if err := tx.Where("name = ?", topic).First(&t).Error; err != nil {
			return err
		}

		membership := UserTopic{UserID: profile.ID, TopicID: t.ID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
	})
}

// Invalidate is a no-op: the database is the source of truth.
func (s *Store) Invalidate(context.Context, ...string) error {
	return nil
}

// DeactivateUser marks the profile inactive and cascades to its devices.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Profile{}).Where("id = ?", userID).Updates(map[string]any{"active": false, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &notification.NotFoundError{Resource: "profile", ID: userID}
		}
		return tx.Model(&DeviceRecord{}).
			Where("user_id = ? AND active = ?", userID, true).
			Updates(map[string]any{"active": false, "deactivated_at": now, "updated_at": now}).Error
	})
}

// DeactivateStaleDevices deactivates devices not seen since cutoff and emits
// device.deactivated for each to every client that has delivered to it.
func (s *Store) DeactivateStaleDevices(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now()
	var deactivated int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []DeviceRecord
		if err := tx.Where("active = ? AND last_seen_at < ?", true, cutoff).Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, 0, len(stale))
		for _, d := range stale {
			ids = append(ids, d.ID)
		}
		res := tx.Model(&DeviceRecord{}).
			Where("id IN ? AND active = ?", ids, true).
			Updates(map[string]any{"active": false, "deactivated_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		deactivated = res.RowsAffected

		type owner struct {
			DeviceID string
			ClientID string
		}
		var owners []owner
		if err := tx.Model(&DeliveryLogRecord{}).
			Distinct("device_id", "client_id").
			Where("device_id IN ?", ids).
			Scan(&owners).Error; err != nil {
			return err
		}
		byID := make(map[string]DeviceRecord, len(stale))
		for _, d := range stale {
			byID[d.ID] = d
		}
		events := make([]WebhookEventRecord, 0, len(owners))
		for _, o := range owners {
			events = append(events, WebhookEventRecord{
				ClientID:   o.ClientID,
				Type:       string(notification.EventDeviceDeactivated),
				DeviceID:   o.DeviceID,
				TokenHash:  notification.HashToken(byID[o.DeviceID].Token),
				Status:     "stale",
				OccurredAt: now,
			})
		}
		return insertEvents(tx, events)
	})
	return deactivated, err
}

func ensureProfile(tx *gorm.DB, phone string) (Profile, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Profile{PhoneNumber: phone, Active: true}).Error; err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}
	var profile Profile
	if err := tx.Where("phone_number = ?", phone).First(&profile).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

func insertEvents(tx *gorm.DB, events []WebhookEventRecord) error {
	if len(events) == 0 {
		return nil
	}
	if err := tx.Create(&events).Error; err != nil {
		return fmt.Errorf("enqueue webhook events: %w", err)
	}
	return nil
}
