package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// Submitter is the slice of the Engine the consumer drives.
type Submitter interface {
	Submit(ctx context.Context, cc dispatch.ClientContext, req notification.SendRequest) (notification.SendResult, error)
}

// Consumer feeds Pub/Sub send envelopes into the engine. Poison messages are
// nacked so the subscription's dead-letter policy can retire them.
type Consumer struct {
	sub       *pubsub.Subscriber
	submitter Submitter
	logger    *slog.Logger
}

func NewConsumer(sub *pubsub.Subscriber, submitter Submitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		sub:       sub,
		submitter: submitter,
		logger:    logger.With("component", "PubsubConsumer"),
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consuming send requests", "subscription", c.sub.String())
	err := c.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if c.Handle(ctx, &Message{ID: m.ID, Payload: m.Data, Attributes: m.Attributes}) {
			m.Ack()
		} else {
			m.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Handle processes one message and reports whether it should be acked.
func (c *Consumer) Handle(ctx context.Context, msg *Message) bool {
	msgLogger := c.logger.With("pubsub_msg_id", msg.ID)

	env, skip, err := EnvelopeTransformer(ctx, msg)
	if err != nil {
		msgLogger.Error("Dropping malformed message", "skip", skip, "err", err)
		return false
	}

	res, err := c.submitter.Submit(ctx, dispatch.ClientContext{ClientID: env.ClientID}, env.Request)
	if err != nil {
		var verr *notification.ValidationError
		if errors.As(err, &verr) {
			msgLogger.Warn("Rejected invalid send request", "client_id", env.ClientID, "err", err)
		} else {
			msgLogger.Error("Submit failed; message will be redelivered", "client_id", env.ClientID, "err", err)
		}
		return false
	}
	msgLogger.Info("Send request accepted",
		"client_id", env.ClientID,
		"notification_id", res.NotificationID,
		"devices", res.DeviceCount,
		"duplicate", res.Duplicate,
	)
	return true
}
