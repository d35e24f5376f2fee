package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

type recordingPublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subject, p.data = subject, data
	return p.err
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, subject, data)
}

func TestNATSSinkDeliver(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewNATSSink(pub)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	e := models.InboundEvent{
		ExternalEntityID: "deal-1",
		EventType:        models.EventStatusChanged,
		Payload:          map[string]any{"utm_source": "referral"},
		DeliveryID:       "abc",
	}
	require.NoError(t, sink.Deliver(context.Background(), "referral", e))

	assert.Equal(t, "crmsync.synced.referral", pub.subject)

	var got SyncedEvent
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "referral", got.Target)
	assert.Equal(t, "d:abc", got.DedupKey)
	assert.Equal(t, "deal-1", got.ExternalEntityID)
	assert.Equal(t, fixed, got.SyncedAt)
}

func TestNATSSinkPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	err := NewNATSSink(pub).Deliver(context.Background(), "traffic", models.InboundEvent{ExternalEntityID: "deal-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Deliver(context.Background(), "referral", models.InboundEvent{}))
}
