// Package queue decouples webhook intake from processing. The webhook
// answers only after Enqueue returned nil; workers drain the queue through a
// Handler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

var (
	// ErrQueueFull is returned when the queue has no room for another event.
	ErrQueueFull = errors.New("event queue full")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("event queue closed")
)

// Handler processes one dequeued event. A non-nil error asks a durable queue
// to redeliver the event later.
type Handler func(ctx context.Context, event models.InboundEvent) error

// Queue accepts events and feeds them to a pool of workers.
type Queue interface {
	Enqueue(ctx context.Context, event models.InboundEvent) error
	Depth(ctx context.Context) int
	Start(ctx context.Context, h Handler) error
	Close() error
}

// MemoryQueue is a bounded in-process queue drained by a fixed number of
// goroutines. Events still queued when the process dies are lost.
type MemoryQueue struct {
	events  chan models.InboundEvent
	workers int
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewMemoryQueue returns a queue holding up to capacity events, drained by
// workers goroutines once started.
func NewMemoryQueue(capacity, workers int, logger *slog.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	if workers <= 0 {
		workers = 1
	}
	metrics.QueueCapacity.Set(float64(capacity))
	return &MemoryQueue{
		events:  make(chan models.InboundEvent, capacity),
		workers: workers,
		logger:  logging.OrDefault(logger),
	}
}

// Enqueue adds event without blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, event models.InboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.events <- event:
		metrics.QueueDepth.Set(float64(len(q.events)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of events waiting for a worker.
func (q *MemoryQueue) Depth(context.Context) int {
	return len(q.events)
}

// Start launches the workers. They stop when ctx is done or after Close has
// drained the queue.
func (q *MemoryQueue) Start(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("event queue already started")
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx, h)
	}
	q.logger.Info("event queue started",
		slog.String("backend", "memory"),
		slog.Int("workers", q.workers),
		slog.Int("capacity", cap(q.events)))
	return nil
}

func (q *MemoryQueue) run(ctx context.Context, h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-q.events:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(q.events)))
			if err := h(ctx, event); err != nil {
				q.logger.Warn("event handler failed, event dropped",
					logging.EntityID(event.ExternalEntityID),
					logging.DedupKey(event.DedupKey()),
					logging.Error(err))
			}
		}
	}
}

// Close stops accepting events and waits for the workers to drain what is
// already queued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	q.wg.Wait()
	if left := len(q.events); left > 0 {
		return fmt.Errorf("event queue closed with %d events unprocessed", left)
	}
	return nil
}
