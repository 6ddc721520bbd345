// Package pipeline contains the dispatch engine and the components that
// feed it: the per-device processor and the Pub/Sub ingestion path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

// Message is the transport-neutral view of an inbound queue message.
type Message struct {
	ID         string
	Payload    []byte
	Attributes map[string]string
}

// Envelope is the Pub/Sub form of a send request. The client id may also be
// carried in the "client_id" message attribute.
type Envelope struct {
	ClientID string                   `json:"client_id"`
	Request  notification.SendRequest `json:"request"`
}

var errMissingClient = errors.New("client_id is required")

// EnvelopeTransformer unmarshals a raw message into an Envelope. skip=true
// marks a poison message that will never succeed on redelivery.
func EnvelopeTransformer(_ context.Context, msg *Message) (*Envelope, bool, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal send envelope from message %s: %w", msg.ID, err)
	}
	if env.ClientID == "" {
		env.ClientID = msg.Attributes["client_id"]
	}
	if env.ClientID == "" {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, errMissingClient)
	}
	return &env, false, nil
}
