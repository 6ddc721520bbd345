// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Provider struct {
	client APNSClient
	topic  string // The App Bundle ID (e.g. com.tinywide.messenger)
	logger *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Production   bool
}

// NewProvider creates a configured APNs provider.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newProvider(client, cfg.BundleID, logger), nil
}

func newProvider(client APNSClient, topic string, logger *slog.Logger) *Provider {
	return &Provider{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSProvider"),
	}
}

func (p *Provider) Platform() notification.Platform { return notification.PlatformIOS }

// SupportsDeliveryReceipts is false: APNs only acknowledges acceptance.
func (p *Provider) SupportsDeliveryReceipts() bool { return false }

// Send pushes to a single device. The APNs HTTP/2 API is unary, so there is
// no batching to undo here.
func (p *Provider) Send(ctx context.Context, deviceToken string, pl notification.Payload) notification.Outcome {
	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       p.topic,
		Payload:     buildPayload(pl),
		CollapseID:  pl.CollapseKey,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
		Expiration:  time.Now().Add(time.Hour),
	}
	if pl.Priority == notification.PriorityNormal {
		n.Priority = apns2.PriorityLow
	}

	res, err := p.client.PushWithContext(ctx, n)
	if err != nil {
		p.logger.Debug("APNs transport failed", "token", notification.HashToken(deviceToken), "err", err)
		return notification.Transient(err.Error())
	}
	if res.Sent() {
		return notification.Succeeded(res.ApnsID)
	}
	return classify(res)
}

func buildPayload(pl notification.Payload) *payload.Payload {
	builder := payload.NewPayload().
		AlertTitle(pl.Title).
		AlertBody(pl.Body).
		Sound("default")
	if pl.ImageURL != "" {
		builder.MutableContent().Custom("image_url", pl.ImageURL)
	}
	for k, v := range pl.Data {
		builder.Custom(k, v)
	}
	return builder
}

// classify maps APNs rejections onto outcomes.
// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
func classify(res *apns2.Response) notification.Outcome {
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return notification.InvalidToken(res.Reason)
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
		return notification.Transient(fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
	}
	// TopicDisallowed, PayloadTooLarge and friends: our configuration is wrong, not the token.
	return notification.Permanent(fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
}
