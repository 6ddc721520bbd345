// Package platform assembles the per-platform push providers for each API client.
package platform

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// CredentialSource looks up a client's own Firebase project.
type CredentialSource interface {
	FirebaseCredentials(ctx context.Context, clientID string) (projectID string, credentialsJSON []byte, err error)
}

// MessagingFactory builds an FCM client from service-account credentials.
type MessagingFactory func(ctx context.Context, projectID string, credentialsJSON []byte) (fcm.MessagingClient, error)

// Registry resolves the ProviderSet for a client. Clients with their own
// Firebase project get FCM providers bound to it; everyone else shares the
// default set. Built sets are cached for the life of the process.
type Registry struct {
	defaults     dispatch.ProviderSet
	fcmPlatforms []notification.Platform
	creds        CredentialSource
	factory      MessagingFactory
	base         *slog.Logger
	logger       *slog.Logger

	mu        sync.Mutex
	perClient map[string]dispatch.ProviderSet
}

// NewRegistry takes the default provider set and the platforms within it
// that are served by FCM. A nil CredentialSource disables per-client projects.
func NewRegistry(defaults dispatch.ProviderSet, fcmPlatforms []notification.Platform, creds CredentialSource, factory MessagingFactory, logger *slog.Logger) *Registry {
	return &Registry{
		defaults:     defaults,
		fcmPlatforms: fcmPlatforms,
		creds:        creds,
		factory:      factory,
		base:         logger,
		logger:       logger.With("component", "ProviderRegistry"),
		perClient:    make(map[string]dispatch.ProviderSet),
	}
}

func (r *Registry) ProvidersFor(ctx context.Context, clientID string) (dispatch.ProviderSet, error) {
	if r.creds == nil || r.factory == nil {
		return r.defaults, nil
	}

	r.mu.Lock()
	set, ok := r.perClient[clientID]
	r.mu.Unlock()
	if ok {
		return set, nil
	}

	projectID, credentialsJSON, err := r.creds.FirebaseCredentials(ctx, clientID)
	var nf *notification.NotFoundError
	switch {
	case errors.As(err, &nf):
		set = r.defaults
	case err != nil:
		return nil, err
	default:
		client, err := r.factory(ctx, projectID, credentialsJSON)
		if err != nil {
			return nil, err
		}
		set = maps.Clone(r.defaults)
		for _, p := range r.fcmPlatforms {
			set[p] = fcm.NewProvider(client, p, r.base)
		}
		r.logger.Info("Bound client to its Firebase project", "client_id", clientID, "project_id", projectID)
	}

	r.mu.Lock()
	r.perClient[clientID] = set
	r.mu.Unlock()
	return set, nil
}

// Forget drops a client's cached set after its credentials change.
func (r *Registry) Forget(clientID string) {
	r.mu.Lock()
	delete(r.perClient, clientID)
	r.mu.Unlock()
}

// Defaults exposes the shared set, used by background recovery when no
// client context is at hand.
func (r *Registry) Defaults() dispatch.ProviderSet {
	return r.defaults
}
