// Package service ties intake to processing: it filters and queues webhook
// events, routes and syncs them off the queue, and parks failures in the
// reconcile queue for replay.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/audit"
	"github.com/onai-academy/platform/crmsync/internal/breaker"
	"github.com/onai-academy/platform/crmsync/internal/lock"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/queue"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
	"github.com/onai-academy/platform/crmsync/internal/routing"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
	"github.com/onai-academy/platform/crmsync/internal/worker"
)

const (
	defaultProcessTimeout = 30 * time.Second
	reconcileWriteTimeout = 5 * time.Second
)

// Config tunes the service.
type Config struct {
	// ProcessTimeout bounds the handling of one event across all targets.
	ProcessTimeout time.Duration

	// Accept filters events at intake; every condition must hold. Empty
	// accepts everything.
	Accept []routing.Condition

	// MaxReplays caps how often a reconcile entry is replayed. Zero means
	// no cap.
	MaxReplays int
}

// Deps are the components the service drives. Reconcile may be nil.
type Deps struct {
	Queue     queue.Queue
	Router    *routing.Router
	Worker    *worker.Worker
	Audit     audit.Log
	Locker    lock.Locker
	Breakers  *breaker.Set
	Reconcile reconcile.Store
	Logger    *slog.Logger
}

// SyncService is safe for concurrent use.
type SyncService struct {
	cfg       Config
	queue     queue.Queue
	router    *routing.Router
	worker    *worker.Worker
	audit     audit.Log
	locker    lock.Locker
	breakers  *breaker.Set
	reconcile reconcile.Store
	logger    *slog.Logger
}

// New returns a service over deps.
func New(cfg Config, deps Deps) (*SyncService, error) {
	if deps.Queue == nil || deps.Router == nil || deps.Worker == nil || deps.Audit == nil ||
		deps.Locker == nil || deps.Breakers == nil {
		return nil, errors.New("service: queue, router, worker, audit, locker and breakers are required")
	}
	for i, c := range cfg.Accept {
		if c.Field == "" {
			return nil, fmt.Errorf("service: accept condition %d: field is required", i)
		}
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	return &SyncService{
		cfg:       cfg,
		queue:     deps.Queue,
		router:    deps.Router,
		worker:    deps.Worker,
		audit:     deps.Audit,
		locker:    deps.Locker,
		breakers:  deps.Breakers,
		reconcile: deps.Reconcile,
		logger:    logging.OrDefault(deps.Logger),
	}, nil
}

// Accepts reports whether event passes the intake filter.
func (s *SyncService) Accepts(event models.InboundEvent) bool {
	for _, c := range s.cfg.Accept {
		if !c.Matches(event.Payload) {
			return false
		}
	}
	return true
}

// Submit queues every accepted event and returns how many were queued. It
// stops at the first event that cannot be queued; the sender is expected to
// redeliver, and events queued before the failure are then dropped as
// duplicates.
func (s *SyncService) Submit(ctx context.Context, events []models.InboundEvent) (int, error) {
	queued := 0
	for _, e := range events {
		if !s.Accepts(e) {
			metrics.EventsRejected.WithLabelValues("filtered").Inc()
			s.logger.DebugContext(ctx, "event filtered at intake",
				logging.EntityID(e.ExternalEntityID),
				slog.String("event_type", string(e.EventType)))
			continue
		}
		if err := s.queue.Enqueue(ctx, e); err != nil {
			reason := "unavailable"
			if errors.Is(err, queue.ErrQueueFull) {
				reason = "queue_full"
			}
			metrics.EventsRejected.WithLabelValues(reason).Inc()
			return queued, fmt.Errorf("enqueue event for entity %s: %w", e.ExternalEntityID, err)
		}
		metrics.EventsEnqueued.Inc()
		queued++
	}
	return queued, nil
}

// Handle routes and syncs one dequeued event. It returns an error only when
// ctx was done before processing started, so a durable queue redelivers it.
// Failures after that are recorded and parked for reconciliation.
func (s *SyncService) Handle(ctx context.Context, event models.InboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	decision, duplicate := s.router.Route(ctx, event)
	if duplicate {
		metrics.EventOutcomes.WithLabelValues("duplicate").Inc()
		s.logger.InfoContext(ctx, "duplicate event dropped",
			logging.EntityID(event.ExternalEntityID),
			logging.DedupKey(event.DedupKey()),
			logging.Reason(string(syncerr.ReasonDuplicate)))
		return nil
	}

	attempts := s.worker.Process(ctx, event, decision)
	outcome := models.Outcome(attempts)
	metrics.EventOutcomes.WithLabelValues(string(outcome)).Inc()
	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())

	s.park(ctx, event, attempts, 0)
	return nil
}

// Replay re-attempts the failed targets of entry, continuing their attempt
// counts. Targets that fail again are parked with the replay count bumped.
func (s *SyncService) Replay(ctx context.Context, entry reconcile.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	targets := s.unsynced(ctx, entry.Event, entry.Targets)
	if len(targets) == 0 {
		metrics.ReconcileReplayed.WithLabelValues("already_synced").Inc()
		s.logger.InfoContext(ctx, "reconcile entry already synced, dropping",
			logging.EntityID(entry.Event.ExternalEntityID),
			logging.DedupKey(entry.Event.DedupKey()))
		return nil
	}

	prior := make([]models.SyncAttempt, 0, len(entry.PriorAttempts))
	for target, count := range entry.PriorAttempts {
		prior = append(prior, models.SyncAttempt{Target: target, AttemptCount: count})
	}

	attempts := s.worker.Resume(ctx, entry.Event, targets, prior)
	outcome := models.Outcome(attempts)
	metrics.ReconcileReplayed.WithLabelValues(string(outcome)).Inc()
	s.logger.InfoContext(ctx, "reconcile entry replayed",
		logging.EntityID(entry.Event.ExternalEntityID),
		logging.DedupKey(entry.Event.DedupKey()),
		slog.String("outcome", string(outcome)),
		slog.Int("replays", entry.Replays+1))

	s.park(ctx, entry.Event, attempts, entry.Replays+1)
	return nil
}

// unsynced returns the targets whose stored attempt for event is not a
// success. A failed lookup keeps every target.
func (s *SyncService) unsynced(ctx context.Context, event models.InboundEvent, targets []string) []string {
	stored, err := s.storedStatus(ctx, event)
	if err != nil {
		return targets
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if stored[t] != models.StatusSuccess {
			out = append(out, t)
		}
	}
	return out
}

func (s *SyncService) storedStatus(ctx context.Context, event models.InboundEvent) (map[string]models.AttemptStatus, error) {
	attempts, err := s.audit.Attempts(ctx, event.DedupKey())
	if err != nil {
		metrics.DegradedTotal.WithLabelValues("audit").Inc()
		s.logger.WarnContext(ctx, "failed to load stored attempts",
			logging.DedupKey(event.DedupKey()),
			logging.Reason(string(syncerr.ReasonStorageUnavailable)),
			logging.Error(err))
		return nil, err
	}
	out := make(map[string]models.AttemptStatus, len(attempts))
	for _, a := range attempts {
		out[a.Target] = a.Status
	}
	return out, nil
}

// park writes the replayable failures of attempts to the reconcile queue.
// Targets that failed permanently are left out; they need an operator, not
// a retry. So are targets whose stored attempt is no longer an error: a
// concurrent delivery of the same event holds or held the lock and owns
// that record.
func (s *SyncService) park(ctx context.Context, event models.InboundEvent, attempts []models.SyncAttempt, replays int) {
	if s.reconcile == nil {
		return
	}

	failed := models.Failed(attempts)
	if len(failed) == 0 {
		return
	}

	// ctx may already be past its deadline when the attempt timed out.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileWriteTimeout)
	defer cancel()

	// A failed lookup parks every failure.
	stored, _ := s.storedStatus(wctx, event)

	var replayable []models.SyncAttempt
	for _, a := range failed {
		if syncerr.Reason(a.ErrorReason) == syncerr.ReasonPermanentUpstream {
			continue
		}
		if st, ok := stored[a.Target]; ok && st != models.StatusError && st != a.Status {
			s.logger.DebugContext(ctx, "target owned by a concurrent delivery, not parking",
				logging.DedupKey(event.DedupKey()),
				logging.Target(a.Target),
				slog.String(logging.FieldStatus, string(st)))
			continue
		}
		replayable = append(replayable, a)
	}
	entry, ok := reconcile.NewEntry(event, replayable, replays)
	if !ok {
		return
	}

	logger := s.logger.With(
		logging.EntityID(event.ExternalEntityID),
		logging.DedupKey(event.DedupKey()),
		slog.Any("targets", entry.Targets))

	if s.cfg.MaxReplays > 0 && replays >= s.cfg.MaxReplays {
		metrics.ReconcileReplayed.WithLabelValues("exhausted").Inc()
		logger.ErrorContext(ctx, "event dropped after exhausting reconcile replays",
			slog.Int("replays", replays),
			logging.Reason(string(entry.Reason)))
		return
	}

	if err := s.reconcile.Write(wctx, entry); err != nil {
		metrics.DegradedTotal.WithLabelValues("reconcile").Inc()
		logger.ErrorContext(ctx, "failed to write reconcile entry",
			logging.Reason(string(syncerr.ReasonStorageUnavailable)),
			logging.Error(err))
	}
}

// ReplayPending drains up to limit reconcile entries through Replay.
func (s *SyncService) ReplayPending(ctx context.Context, limit int) (reconcile.DrainResult, error) {
	if s.reconcile == nil {
		return reconcile.DrainResult{}, reconcile.ErrDisabled
	}
	return s.reconcile.Drain(ctx, limit, s.Replay)
}

// PendingReconcile lists up to limit reconcile entries.
func (s *SyncService) PendingReconcile(ctx context.Context, limit int) ([]reconcile.Entry, error) {
	if s.reconcile == nil {
		return nil, reconcile.ErrDisabled
	}
	return s.reconcile.List(ctx, limit)
}

// PurgeReconcile drops every reconcile entry.
func (s *SyncService) PurgeReconcile(ctx context.Context) error {
	if s.reconcile == nil {
		return reconcile.ErrDisabled
	}
	s.logger.WarnContext(ctx, "purging reconcile queue")
	return s.reconcile.Purge(ctx)
}

// ReconcileStats describes the reconcile queue.
func (s *SyncService) ReconcileStats(ctx context.Context) reconcile.Stats {
	if s.reconcile == nil {
		return reconcile.Stats{}
	}
	return s.reconcile.Stats(ctx)
}

// Stats combines audit statistics over window with live queue, breaker,
// lock and reconcile state.
func (s *SyncService) Stats(ctx context.Context, window time.Duration) (models.SyncStats, error) {
	st, err := s.audit.RecentStats(ctx, window)
	if err != nil {
		return models.SyncStats{}, fmt.Errorf("recent stats: %w", err)
	}

	st.SetQueueDepth(s.queue.Depth(ctx))
	st.Breakers = s.breakers.States()

	if locks, err := s.locker.List(ctx); err != nil {
		metrics.DegradedTotal.WithLabelValues("lock").Inc()
		s.logger.WarnContext(ctx, "failed to list locks for stats",
			logging.Reason(string(syncerr.ReasonStorageUnavailable)),
			logging.Error(err))
	} else {
		st.ActiveLocks = len(locks)
	}

	if s.reconcile != nil {
		st.ReconcilePending = s.reconcile.Stats(ctx).Pending
	}
	return st, nil
}

// Attempts returns the attempts recorded for dedupKey.
func (s *SyncService) Attempts(ctx context.Context, dedupKey string) ([]models.SyncAttempt, error) {
	return s.audit.Attempts(ctx, dedupKey)
}

// Locks lists live entity locks.
func (s *SyncService) Locks(ctx context.Context) ([]models.LockInfo, error) {
	return s.locker.List(ctx)
}

// ClearLocks force-releases every entity lock. Workers holding one lose
// mutual exclusion for their entity; use only to recover from stuck locks.
func (s *SyncService) ClearLocks(ctx context.Context) (int, error) {
	n, err := s.locker.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.WarnContext(ctx, "all entity locks cleared by operator", slog.Int("cleared", n))
	return n, nil
}
