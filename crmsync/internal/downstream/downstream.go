// Package downstream delivers successfully synced events to the systems that
// aggregate them.
package downstream

import (
	"context"
	"fmt"
	"time"

	"github.com/onai-academy/platform/common/messaging"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Dependency is the breaker and rate limiter name for downstream delivery.
const Dependency = "downstream"

// Sink receives events after their sync to a target succeeded.
type Sink interface {
	Deliver(ctx context.Context, target string, event models.InboundEvent) error
}

// SyncedEvent is the message published for aggregation consumers.
type SyncedEvent struct {
	Target           string           `json:"target"`
	DedupKey         string           `json:"dedup_key"`
	ExternalEntityID string           `json:"external_entity_id"`
	EventType        models.EventType `json:"event_type"`
	Payload          map[string]any   `json:"payload"`
	ReceivedAt       time.Time        `json:"received_at"`
	SyncedAt         time.Time        `json:"synced_at"`
}

// NATSSink publishes a SyncedEvent to crmsync.synced.<target>.
type NATSSink struct {
	pub messaging.Publisher
	now func() time.Time
}

// NewNATSSink returns a sink that publishes through pub.
func NewNATSSink(pub messaging.Publisher) *NATSSink {
	return &NATSSink{pub: pub, now: time.Now}
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(ctx context.Context, target string, event models.InboundEvent) error {
	msg := SyncedEvent{
		Target:           target,
		DedupKey:         event.DedupKey(),
		ExternalEntityID: event.ExternalEntityID,
		EventType:        event.EventType,
		Payload:          event.Payload,
		ReceivedAt:       event.ReceivedAt,
		SyncedAt:         s.now().UTC(),
	}
	if err := s.pub.PublishJSON(ctx, messaging.Subject(messaging.SubjectCRMSyncSynced, target), msg); err != nil {
		return fmt.Errorf("publish synced event: %w", err)
	}
	return nil
}

// NopSink discards deliveries.
type NopSink struct{}

// Deliver implements Sink.
func (NopSink) Deliver(context.Context, string, models.InboundEvent) error { return nil }
