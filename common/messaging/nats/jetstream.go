package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/onai-academy/platform/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Retention is LimitsPolicy, InterestPolicy or WorkQueuePolicy.
	Retention jetstream.RetentionPolicy

	// Storage is FileStorage or MemoryStorage.
	Storage jetstream.StorageType

	// Discard is DiscardOld or DiscardNew once a limit is reached.
	Discard jetstream.DiscardPolicy

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// ConsumerConfig defines a durable pull consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts; -1 is unlimited.
	MaxDeliver    int
	MaxAckPending int
}

// ConsumeOptions tunes ConsumeMessages.
type ConsumeOptions struct {
	// Concurrency is the number of handlers run in parallel. Defaults to 1.
	Concurrency int

	// NakDelay delays redelivery after a handler error. Defaults to 5s.
	NakDelay time.Duration
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       60 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 256,
	}
}

// NewJetStreamClient connects to NATS and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
		Discard:    cfg.Discard,
		Duplicates: cfg.Duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable explicit-ack consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishSync publishes data and waits for the stream's acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data, opts...)
}

// ConsumeMessages runs handler for every message delivered to the durable
// consumer, up to opts.Concurrency at a time. A nil handler error acks the
// message; any other error naks it with opts.NakDelay.
// The returned stop function stops delivery and waits for in-flight handlers.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, opts ConsumeOptions, handler messaging.MessageHandler) (func(), error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = 5 * time.Second
	}

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}
	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()

			m := toMessage(msg)
			if err := handler(consumeCtx, m); err != nil {
				_ = msg.NakWithDelay(opts.NakDelay)
				return
			}
			_ = msg.Ack()
		}()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cons.Stop()
		wg.Wait()
		cancel()
	}, nil
}

func toMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
	}
	if meta, err := msg.Metadata(); err == nil {
		m.Delivered = meta.NumDelivered
		m.Timestamp = meta.Timestamp
	}
	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}
	return m
}

// Stream configurations owned by the CRM sync service.
var (
	// CRMSyncEventsStream holds accepted webhook events until a worker acks them.
	CRMSyncEventsStream = StreamConfig{
		Name:       "CRMSYNC_EVENTS",
		Subjects:   []string{messaging.Wildcard(messaging.SubjectCRMSyncEvents)},
		MaxAge:     72 * time.Hour,
		MaxBytes:   512 * 1024 * 1024,
		MaxMsgs:    1000000,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardNew,
		Duplicates: 2 * time.Minute,
	}

	// CRMSyncReconcileStream holds events whose sync failed or partially failed.
	CRMSyncReconcileStream = StreamConfig{
		Name:      "CRMSYNC_RECONCILE",
		Subjects:  []string{messaging.Wildcard(messaging.SubjectCRMSyncReconcile)},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)
