// Package messaging provides broker-neutral message types so services can
// publish and consume without depending on a specific broker client.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata holds message headers.
	Metadata map[string]string

	// Delivered is how many times the broker has delivered this message,
	// starting at 1. Zero when the broker does not track deliveries.
	Delivered uint64

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// MessageHandler processes a received message. Returning an error asks the
// broker to redeliver the message later.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, v any) error
}
