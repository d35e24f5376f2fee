package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/common/messaging"
	"github.com/onai-academy/platform/common/messaging/nats"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

// JetStreamOptions tunes JetStreamQueue.
type JetStreamOptions struct {
	// Consumer is the durable consumer name shared by every instance.
	Consumer string

	// Concurrency is the number of events processed in parallel per instance.
	Concurrency int

	// AckWait must exceed the worst-case processing time of one event.
	AckWait time.Duration

	MaxDeliver int
	NakDelay   time.Duration
}

// JetStreamQueue keeps accepted events in the CRMSYNC_EVENTS work-queue
// stream. An event is acked only after the handler returns, so a crash before
// that leads to redelivery. Safe for use across multiple instances.
type JetStreamQueue struct {
	js     *nats.JetStreamClient
	stream jetstream.Stream
	opts   JetStreamOptions
	logger *slog.Logger

	mu   sync.Mutex
	stop func()
}

// NewJetStreamQueue creates or updates the events stream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, opts JetStreamOptions, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, errors.New("jetstream client is nil")
	}
	if opts.Consumer == "" {
		opts.Consumer = "crmsync-workers"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.CRMSyncEventsStream)
	if err != nil {
		return nil, fmt.Errorf("create events stream: %w", err)
	}

	logger = logging.OrDefault(logger)
	logger.Info("event queue stream ready", slog.String("stream", nats.CRMSyncEventsStream.Name))
	return &JetStreamQueue{js: js, stream: stream, opts: opts, logger: logger}, nil
}

// Enqueue publishes event and waits for the stream to persist it. The dedup
// key doubles as the message id, so the stream drops a redelivery that
// arrives within its duplicate window.
func (q *JetStreamQueue) Enqueue(ctx context.Context, event models.InboundEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := messaging.Subject(messaging.SubjectCRMSyncEvents, string(event.EventType))
	if _, err := q.js.PublishSync(ctx, subject, data, jetstream.WithMsgID(event.DedupKey())); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Depth returns the number of events the stream still holds. Zero when the
// stream cannot be read.
func (q *JetStreamQueue) Depth(ctx context.Context) int {
	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Warn("failed to read events stream info", logging.Error(err))
		return 0
	}
	metrics.QueueDepth.Set(float64(info.State.Msgs))
	return int(info.State.Msgs)
}

// Start binds the durable consumer and begins processing.
func (q *JetStreamQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		return errors.New("event queue already started")
	}

	cc := nats.DefaultConsumerConfig(q.opts.Consumer, messaging.Wildcard(messaging.SubjectCRMSyncEvents))
	if q.opts.AckWait > 0 {
		cc.AckWait = q.opts.AckWait
	}
	if q.opts.MaxDeliver != 0 {
		cc.MaxDeliver = q.opts.MaxDeliver
	}
	if _, err := q.js.CreateOrUpdateConsumer(ctx, nats.CRMSyncEventsStream.Name, cc); err != nil {
		return err
	}

	stop, err := q.js.ConsumeMessages(ctx, nats.CRMSyncEventsStream.Name, q.opts.Consumer,
		nats.ConsumeOptions{Concurrency: q.opts.Concurrency, NakDelay: q.opts.NakDelay},
		func(ctx context.Context, msg *messaging.Message) error {
			var event models.InboundEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				// Redelivering an undecodable message cannot help.
				q.logger.Error("dropping undecodable event", slog.String("subject", msg.Subject), logging.Error(err))
				return nil
			}
			if err := h(ctx, event); err != nil {
				q.logger.Warn("event handler failed, event will be redelivered",
					logging.EntityID(event.ExternalEntityID),
					logging.DedupKey(event.DedupKey()),
					logging.Attempt(int(msg.Delivered)),
					logging.Error(err))
				return err
			}
			return nil
		})
	if err != nil {
		return err
	}
	q.stop = stop

	q.logger.Info("event queue started",
		slog.String("backend", "jetstream"),
		slog.String("consumer", q.opts.Consumer),
		slog.Int("workers", q.opts.Concurrency))
	return nil
}

// Close stops delivery and waits for in-flight handlers. Unprocessed events
// stay in the stream.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	return nil
}
