// Package fcm sends pushes through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// androidTTL is how long FCM keeps an undelivered message.
const androidTTL = time.Hour

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Provider struct {
	client   MessagingClient
	platform notification.Platform
	logger   *slog.Logger
}

// NewProvider serves platform p through FCM. Android is the usual case; FCM
// also fronts iOS and web devices when no native provider is configured.
func NewProvider(client MessagingClient, p notification.Platform, logger *slog.Logger) *Provider {
	return &Provider{
		client:   client,
		platform: p,
		logger:   logger.With("component", "FCMProvider", "platform", string(p)),
	}
}

func (p *Provider) Platform() notification.Platform { return p.platform }

// SupportsDeliveryReceipts is true: FCM reports delivery through BigQuery
// export and the client SDK, which feed the delivered endpoint.
func (p *Provider) SupportsDeliveryReceipts() bool { return true }

func (p *Provider) Send(ctx context.Context, token string, payload notification.Payload) notification.Outcome {
	id, err := p.client.Send(ctx, buildMessage(token, payload))
	if err == nil {
		return notification.Succeeded(id)
	}
	out := classify(err)
	p.logger.Debug("FCM send failed", "kind", out.Kind, "token", notification.HashToken(token), "err", err)
	return out
}

func buildMessage(token string, payload notification.Payload) *messaging.Message {
	ttl := androidTTL
	androidPriority, apnsPriority := "high", "10"
	if payload.Priority == notification.PriorityNormal {
		androidPriority, apnsPriority = "normal", "5"
	}

	msg := &messaging.Message{
		Token: token,
		Data:  payload.Data,
		Notification: &messaging.Notification{
			Title:    payload.Title,
			Body:     payload.Body,
			ImageURL: payload.ImageURL,
		},
		Android: &messaging.AndroidConfig{
			Priority:    androidPriority,
			CollapseKey: payload.CollapseKey,
			TTL:         &ttl,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
		},
	}
	if payload.CollapseKey != "" {
		msg.APNS.Headers["apns-collapse-id"] = payload.CollapseKey
	}
	return msg
}

func classify(err error) notification.Outcome {
	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return notification.InvalidToken(err.Error())
	case messaging.IsInvalidArgument(err), messaging.IsThirdPartyAuthError(err):
		return notification.Permanent(err.Error())
	case messaging.IsQuotaExceeded(err), messaging.IsUnavailable(err), messaging.IsInternal(err):
		return notification.Transient(err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return notification.Transient("timeout: " + err.Error())
	}
	// Anything else is transport-level and worth another try.
	return notification.Transient(err.Error())
}

// NewMessagingClient initialises a Firebase app for projectID. Empty
// credentials fall back to Application Default Credentials.
func NewMessagingClient(ctx context.Context, projectID string, credentialsJSON []byte) (*messaging.Client, error) {
	var opts []option.ClientOption
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app for %s: %w", projectID, err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging for %s: %w", projectID, err)
	}
	return client, nil
}
