// Package firestore keeps idempotency keys in Cloud Firestore for
// deployments that run several dispatch instances without a shared SQL primary.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotency_keys"

// IdempotencyStore implements dispatch.IdempotencyStore. The document id is
// derived from (client, key), so Create gives first-writer-wins for free.
type IdempotencyStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

type Option func(*IdempotencyStore)

func WithCollection(name string) Option {
	return func(s *IdempotencyStore) { s.collection = name }
}

func WithNow(now func() time.Time) Option {
	return func(s *IdempotencyStore) { s.now = now }
}

func NewIdempotencyStore(client *firestore.Client, opts ...Option) *IdempotencyStore {
	s := &IdempotencyStore{client: client, collection: defaultCollection, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// keyRecord is the stored document.
type keyRecord struct {
	ClientID       string    `firestore:"client_id"`
	Key            string    `firestore:"key"`
	NotificationID string    `firestore:"notification_id"`
	ExpiresAt      time.Time `firestore:"expires_at"`
	CreatedAt      time.Time `firestore:"created_at"`
}

func (s *IdempotencyStore) Claim(ctx context.Context, clientID, key, notificationID string, ttl time.Duration) (string, bool, error) {
	now := s.now().UTC()
	ref := s.keyRef(clientID, key)
	rec := keyRecord{
		ClientID:       clientID,
		Key:            key,
		NotificationID: notificationID,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}

	_, err := ref.Create(ctx, rec)
	if err == nil {
		return notificationID, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}

	// Someone holds the key. Take it over only if their claim has expired.
	winner, fresh := "", false
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			winner, fresh = notificationID, true
			return tx.Create(ref, rec)
		}
		if err != nil {
			return err
		}
		var existing keyRecord
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.ExpiresAt.After(now) {
			winner, fresh = existing.NotificationID, false
			return nil
		}
		winner, fresh = notificationID, true
		return tx.Set(ref, rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return winner, fresh, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, clientID, key, notificationID string) error {
	ref := s.keyRef(clientID, key)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var existing keyRecord
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.NotificationID != notificationID {
			return nil
		}
		return tx.Delete(ref)
	})
}

// Purge deletes expired keys using a bulk writer.
func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	iter := s.client.Collection(s.collection).Where("expires_at", "<", now).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("list expired idempotency keys: %w", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var purged int64
	for _, j := range jobs {
		if _, err := j.Results(); err == nil {
			purged++
		}
	}
	return purged, nil
}

// keyRef: idempotency_keys/{sha256(client \x00 key)}
func (s *IdempotencyStore) keyRef(clientID, key string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(clientID + "\x00" + key))
	return s.client.Collection(s.collection).Doc(hex.EncodeToString(sum[:]))
}
