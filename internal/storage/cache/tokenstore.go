package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns ErrMiss (or any error) when the value is not usable.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedTokenStore is a decorator that adds read-aside caching of each
// user's active devices to any TokenStore.
type CachedTokenStore struct {
	dispatch.TokenStore
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		TokenStore: realStore,
		cache:      cache,
		ttl:        ttl,
		logger:     logger.With("component", "CachedTokenStore"),
	}
}

// --- READ PATH (Read-Aside) ---

// ActiveDevices serves what it can from the cache and loads the misses
// from the underlying store in a single call.
func (s *CachedTokenStore) ActiveDevices(ctx context.Context, userIDs []string) (map[string][]notification.Device, error) {
	out := make(map[string][]notification.Device, len(userIDs))
	var misses []string
	for _, id := range userIDs {
		var devices []notification.Device
		if err := s.cache.Get(ctx, cacheKey(id), &devices); err != nil {
			misses = append(misses, id)
			continue
		}
		out[id] = devices
	}
	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := s.TokenStore.ActiveDevices(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, id := range misses {
		devices := fresh[id]
		if devices == nil {
			devices = []notification.Device{}
		}
		out[id] = devices
		// a cache write failure only costs us the next lookup
		if err := s.cache.Set(ctx, cacheKey(id), devices, s.ttl); err != nil {
			s.logger.Debug("Cache fill failed", "user_id", id, "err", err)
		}
	}
	return out, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedTokenStore) RegisterDevice(ctx context.Context, clientID string, reg dispatch.DeviceRegistration) (notification.Device, error) {
	d, err := s.TokenStore.RegisterDevice(ctx, clientID, reg)
	if err != nil {
		return d, err
	}
	return d, s.cache.Del(ctx, cacheKey(d.UserID))
}

func (s *CachedTokenStore) DeactivateUser(ctx context.Context, userID string) error {
	if err := s.TokenStore.DeactivateUser(ctx, userID); err != nil {
		return err
	}
	return s.cache.Del(ctx, cacheKey(userID))
}

// Invalidate is called after a device is deactivated so the next fan-out
// stops targeting it immediately.
func (s *CachedTokenStore) Invalidate(ctx context.Context, userIDs ...string) error {
	if err := s.TokenStore.Invalidate(ctx, userIDs...); err != nil {
		return err
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, cacheKey(id))
	}
	return s.cache.Del(ctx, keys...)
}

func cacheKey(userID string) string {
	return "notify:tokens:" + userID
}
