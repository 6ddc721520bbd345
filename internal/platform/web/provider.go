// Package web delivers browser pushes over the VAPID Web Push protocol.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// ttlSeconds is how long the push service holds an undelivered message.
const ttlSeconds = 3600

// VapidConfig carries the application server keys.
type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type Provider struct {
	cfg        VapidConfig
	httpClient webpush.HTTPClient
	logger     *slog.Logger
}

type Option func(*Provider)

// WithHTTPClient overrides the client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(p *Provider) { p.httpClient = c }
}

func NewProvider(cfg VapidConfig, logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "WebPushProvider"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Platform() notification.Platform { return notification.PlatformWeb }

func (p *Provider) SupportsDeliveryReceipts() bool { return false }

// message is the JSON the service worker receives.
type message struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Image string `json:"image,omitempty"`
	} `json:"notification"`
	Data           map[string]string `json:"data,omitempty"`
	NotificationID string            `json:"notification_id"`
}

// Send treats the device token as the browser's serialised PushSubscription.
func (p *Provider) Send(ctx context.Context, token string, payload notification.Payload) notification.Outcome {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil || sub.Endpoint == "" {
		return notification.InvalidToken("malformed push subscription")
	}

	var msg message
	msg.Notification.Title = payload.Title
	msg.Notification.Body = payload.Body
	msg.Notification.Image = payload.ImageURL
	msg.Data = payload.Data
	msg.NotificationID = payload.NotificationID
	body, err := json.Marshal(msg)
	if err != nil {
		return notification.Permanent(fmt.Sprintf("encode payload: %v", err))
	}

	opts := &webpush.Options{
		Subscriber:      p.cfg.SubscriberEmail,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
		TTL:             ttlSeconds,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      p.httpClient,
	}
	if payload.Priority == notification.PriorityNormal {
		opts.Urgency = webpush.UrgencyNormal
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &sub, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return notification.Transient("timeout: " + err.Error())
		}
		p.logger.Debug("WebPush transport error", "token", notification.HashToken(token), "err", err)
		return notification.Transient(err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classify(resp)
}

func classify(resp *http.Response) notification.Outcome {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return notification.Succeeded(resp.Header.Get("Location"))
	case code == http.StatusNotFound || code == http.StatusGone:
		// the subscription has expired or been revoked
		return notification.InvalidToken(fmt.Sprintf("push service returned %d", code))
	case code == http.StatusTooManyRequests || code >= 500:
		return notification.Transient(fmt.Sprintf("push service returned %d", code))
	}
	return notification.Permanent(fmt.Sprintf("push service returned %d", code))
}
