package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/common/messaging"
	"github.com/onai-academy/platform/common/messaging/nats"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
)

const (
	drainConsumer = "crmsync-reconcile"
	fetchWait     = 2 * time.Second
	deferredDelay = time.Minute
)

// JetStreamQueue keeps entries in the CRMSYNC_RECONCILE stream. Safe for use
// across multiple instances.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *slog.Logger
	written atomic.Uint64
}

// NewJetStreamQueue creates or updates the reconcile stream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *slog.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, errors.New("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.CRMSyncReconcileStream)
	if err != nil {
		return nil, fmt.Errorf("create reconcile stream: %w", err)
	}

	logger = logging.OrDefault(logger)
	logger.Info("reconcile stream ready", slog.String("stream", nats.CRMSyncReconcileStream.Name))
	return &JetStreamQueue{js: js, stream: stream, logger: logger}, nil
}

// Write publishes entry to crmsync.reconcile.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, entry Entry) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal reconcile entry: %w", err)
	}

	subject := messaging.Subject(messaging.SubjectCRMSyncReconcile, string(entry.Reason))
	if _, err := q.js.PublishSync(ctx, subject, data, jetstream.WithMsgID(entry.ID)); err != nil {
		return fmt.Errorf("publish reconcile entry: %w", err)
	}

	q.written.Add(1)
	metrics.ReconcileWritten.WithLabelValues(string(entry.Reason)).Inc()
	q.logger.Info("reconcile entry written",
		logging.EntityID(entry.Event.ExternalEntityID),
		logging.Reason(string(entry.Reason)),
		slog.Any("targets", entry.Targets),
		slog.Int("replays", entry.Replays))
	return nil
}

// List reads up to limit entries through an ephemeral consumer without
// consuming them.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]Entry, error) {
	if q == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: messaging.Wildcard(messaging.SubjectCRMSyncReconcile),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch reconcile entries: %w", err)
	}

	var entries []Entry
	for msg := range msgs.Messages() {
		var e Entry
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			q.logger.Error("failed to parse reconcile entry", logging.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := msgs.Error(); err != nil {
		q.logger.Warn("reconcile list completed with error", logging.Error(err))
	}
	return entries, nil
}

// Drain replays up to limit entries through a durable consumer. Accepted
// entries are deleted from the stream; rejected ones are redelivered on a
// later drain.
func (q *JetStreamQueue) Drain(ctx context.Context, limit int, fn DrainFunc) (DrainResult, error) {
	var res DrainResult
	if q == nil {
		return res, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}

	cc := nats.DefaultConsumerConfig(drainConsumer, messaging.Wildcard(messaging.SubjectCRMSyncReconcile))
	cc.MaxDeliver = -1
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, nats.CRMSyncReconcileStream.Name, cc)
	if err != nil {
		return res, err
	}

	started := time.Now().UTC()
	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return res, fmt.Errorf("fetch reconcile entries: %w", err)
	}

	for msg := range msgs.Messages() {
		var e Entry
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			q.logger.Error("removing unreadable reconcile entry", logging.Error(err))
			q.delete(ctx, msg)
			continue
		}
		if ctx.Err() != nil {
			_ = msg.Nak()
			continue
		}
		// Entries written by fn during this drain wait for the next one.
		if e.CreatedAt.After(started) {
			_ = msg.NakWithDelay(deferredDelay)
			continue
		}
		if err := fn(ctx, e); err != nil {
			res.Failed++
			_ = msg.Nak()
			continue
		}
		q.delete(ctx, msg)
		res.Replayed++
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		q.logger.Warn("reconcile drain completed with error", logging.Error(err))
	}
	return res, ctx.Err()
}

// delete acks msg and removes it from the limits-retention stream.
func (q *JetStreamQueue) delete(ctx context.Context, msg jetstream.Msg) {
	_ = msg.Ack()
	meta, err := msg.Metadata()
	if err != nil {
		q.logger.Error("failed to read reconcile message metadata", logging.Error(err))
		return
	}
	if err := q.stream.DeleteMsg(context.WithoutCancel(ctx), meta.Sequence.Stream); err != nil {
		q.logger.Error("failed to delete reconcile entry", logging.Error(err))
	}
}

// Purge removes every entry from the stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrDisabled
	}
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge reconcile stream: %w", err)
	}
	q.logger.Warn("reconcile stream purged")
	return nil
}

// Stats reports the stream state.
func (q *JetStreamQueue) Stats(ctx context.Context) Stats {
	if q == nil {
		return Stats{Enabled: false, Backend: "jetstream"}
	}

	st := Stats{Enabled: true, Backend: "jetstream", Written: q.written.Load()}
	info, err := q.stream.Info(ctx)
	if err != nil {
		q.logger.Error("failed to get reconcile stream info", logging.Error(err))
		st.Error = err.Error()
		return st
	}
	st.Pending = int(info.State.Msgs)
	return st
}
