// Package worker pushes routed events to their sync targets.
//
// For each target the worker checks the dependency's circuit breaker, takes
// the entity lock, waits on the rate limiter and calls the CRM, retrying
// transient failures with exponential backoff. Every step is recorded in the
// audit log as one attempt per (event, target), updated in place. Attempts
// refused before the lock is held are recorded without marking the event
// seen.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/audit"
	"github.com/onai-academy/platform/crmsync/internal/breaker"
	"github.com/onai-academy/platform/crmsync/internal/downstream"
	"github.com/onai-academy/platform/crmsync/internal/lock"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/ratelimit"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

// cleanupTimeout bounds lock release and audit writes that run after the
// caller's context is done.
const cleanupTimeout = 5 * time.Second

// CrmClient is the external system a target writes to.
type CrmClient interface {
	UpdateEntity(ctx context.Context, id string, fields map[string]any) error
	GetEntity(ctx context.Context, id string) (map[string]any, error)
}

// Deps are the shared components a Worker uses.
type Deps struct {
	Locker   lock.Locker
	Limiters *ratelimit.Set
	Breakers *breaker.Set
	Audit    audit.Log

	// Clients maps dependency names to CRM clients.
	Clients map[string]CrmClient

	// Sink receives events for targets with Downstream set. Nil disables it.
	Sink downstream.Sink

	Logger *slog.Logger
}

// Worker processes routed events. Safe for concurrent use.
type Worker struct {
	cfg      Config
	targets  map[string]Target
	locker   lock.Locker
	limiters *ratelimit.Set
	breakers *breaker.Set
	audit    audit.Log
	clients  map[string]CrmClient
	sink     downstream.Sink
	logger   *slog.Logger
}

// New validates cfg against deps and returns a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	cfg = cfg.withDefaults()
	if deps.Locker == nil || deps.Limiters == nil || deps.Breakers == nil || deps.Audit == nil {
		return nil, errors.New("worker: locker, limiters, breakers and audit log are required")
	}
	if err := validateTargets(cfg.Targets); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	targets := make(map[string]Target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Dependency == "" {
			t.Dependency = cfg.DefaultDependency
		}
		if _, ok := deps.Clients[t.Dependency]; !ok {
			return nil, fmt.Errorf("worker: target %q uses dependency %q with no client", t.Name, t.Dependency)
		}
		targets[t.Name] = t
	}
	if _, ok := deps.Clients[cfg.DefaultDependency]; !ok {
		return nil, fmt.Errorf("worker: no client for default dependency %q", cfg.DefaultDependency)
	}

	sink := deps.Sink
	if sink == nil {
		sink = downstream.NopSink{}
	}

	return &Worker{
		cfg:      cfg,
		targets:  targets,
		locker:   deps.Locker,
		limiters: deps.Limiters,
		breakers: deps.Breakers,
		audit:    deps.Audit,
		clients:  deps.Clients,
		sink:     sink,
		logger:   logging.OrDefault(deps.Logger),
	}, nil
}

// Target returns the definition used for name. Unconfigured names get the
// default dependency and field mapping.
func (w *Worker) Target(name string) Target {
	if t, ok := w.targets[name]; ok {
		return t
	}
	return Target{Name: name, Dependency: w.cfg.DefaultDependency}
}

// Process syncs event to every target of decision, in order, and returns
// one finished attempt per target.
func (w *Worker) Process(ctx context.Context, event models.InboundEvent, decision models.RoutingDecision) []models.SyncAttempt {
	out := make([]models.SyncAttempt, 0, len(decision.Targets))
	for _, name := range decision.Targets {
		out = append(out, w.processTarget(ctx, event, name, decision.Reason, 0))
	}
	return out
}

// Resume re-attempts targets of an event that was processed before. Attempt
// counts continue from prior and the event's dedup key is not consulted.
func (w *Worker) Resume(ctx context.Context, event models.InboundEvent, targets []string, prior []models.SyncAttempt) []models.SyncAttempt {
	counts := make(map[string]int, len(prior))
	for _, a := range prior {
		counts[a.Target] = a.AttemptCount
	}
	out := make([]models.SyncAttempt, 0, len(targets))
	for _, name := range targets {
		out = append(out, w.processTarget(ctx, event, name, "", counts[name]))
	}
	return out
}

func (w *Worker) processTarget(ctx context.Context, event models.InboundEvent, name, reason string, prior int) models.SyncAttempt {
	target := w.Target(name)
	logger := w.logger.With(
		logging.EntityID(event.ExternalEntityID),
		logging.DedupKey(event.DedupKey()),
		logging.Target(name),
	)

	attempt := models.SyncAttempt{
		DedupKey:         event.DedupKey(),
		Target:           name,
		ExternalEntityID: event.ExternalEntityID,
		Status:           models.StatusPending,
		AttemptCount:     max(prior, 1),
		RoutingReason:    reason,
		StartedAt:        time.Now().UTC(),
	}

	if name == models.TargetUnknown {
		if attempt.RoutingReason == "" {
			attempt.RoutingReason = "no sync target"
		} else {
			attempt.RoutingReason += "; no sync target"
		}
		return w.finish(ctx, logger, attempt, event, models.StatusSuccess, nil)
	}

	if err := ctx.Err(); err != nil {
		return w.refuse(ctx, logger, attempt, event, err)
	}

	brk := w.breakers.Get(target.Dependency)
	if !brk.Allow() {
		return w.refuse(ctx, logger, attempt, event, syncerr.ErrCircuitOpen)
	}

	key := event.ExternalEntityID
	token, ok := w.locker.Acquire(ctx, key, w.cfg.LockTTL)
	if !ok {
		brk.Release()
		if err := ctx.Err(); err != nil {
			return w.refuse(ctx, logger, attempt, event, err)
		}
		return w.refuse(ctx, logger, attempt, event, syncerr.ErrLocked)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if !w.locker.Release(relCtx, key, token) {
			logger.WarnContext(relCtx, "lock already expired or taken over at release")
		}
	}()

	// The event becomes seen once the lock is held and this record lands.
	w.record(ctx, logger, func(ctx context.Context) error {
		return w.audit.Record(ctx, attempt, event)
	})

	calls, err := w.callWithRetry(ctx, logger, target, event, brk, key, token)
	attempt.AttemptCount = prior + max(calls, 1)
	if err != nil {
		return w.finish(ctx, logger, attempt, event, models.StatusError, err)
	}

	if target.Downstream {
		if err := w.deliver(ctx, logger, target, event); err != nil {
			return w.finish(ctx, logger, attempt, event, models.StatusPartial, err)
		}
	}
	return w.finish(ctx, logger, attempt, event, models.StatusSuccess, nil)
}

// callWithRetry performs the CRM write for target, retrying transient
// failures. It returns the number of external calls made and settles the
// breaker accounting.
func (w *Worker) callWithRetry(ctx context.Context, logger *slog.Logger, target Target, event models.InboundEvent, brk *breaker.Breaker, key, token string) (int, error) {
	client := w.clients[target.Dependency]
	fields := ResolveFields(target, event)

	var (
		calls        int
		admitted     = 1
		lastFromCall bool
	)
	op := func() error {
		lastFromCall = false
		if calls > 0 {
			if !brk.Allow() {
				return backoff.Permanent(syncerr.ErrCircuitOpen)
			}
			admitted++
			if !w.locker.Extend(ctx, key, token, w.cfg.LockTTL) {
				return backoff.Permanent(fmt.Errorf("lock lost before retry: %w", syncerr.ErrLocked))
			}
		}
		if err := w.limiters.Wait(ctx, target.Dependency); err != nil {
			return backoff.Permanent(err)
		}

		calls++
		err := w.write(ctx, client, target, event.ExternalEntityID, fields)
		if err == nil {
			return nil
		}
		lastFromCall = true
		if ctx.Err() != nil || !syncerr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.WarnContext(ctx, "retrying CRM call",
			logging.Attempt(calls),
			logging.Dependency(target.Dependency),
			logging.Error(err),
			slog.Duration("backoff", next))
	}

	err := backoff.RetryNotify(op, w.backOff(ctx), notify)
	settled := true
	switch reason := syncerr.Classify(ctx, err); {
	case err == nil:
		brk.RecordSuccess()
	case lastFromCall && reason == syncerr.ReasonPermanentUpstream && !syncerr.Unauthorized(err):
		// A 4xx other than 401/403 proves the dependency is up.
		brk.RecordSuccess()
	case lastFromCall && (reason == syncerr.ReasonTransientUpstream || reason == syncerr.ReasonRateLimited ||
		reason == syncerr.ReasonPermanentUpstream):
		brk.RecordFailure()
	default:
		settled = false
	}
	if !settled {
		for range admitted {
			brk.Release()
		}
	}
	return calls, err
}

func (w *Worker) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.Retry.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = w.cfg.Retry.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.cfg.Retry.MaxAttempts-1)), ctx)
}

// write performs one external call.
func (w *Worker) write(ctx context.Context, client CrmClient, target Target, id string, fields map[string]any) error {
	start := time.Now()
	err := func() error {
		if target.SkipUnchanged {
			current, err := client.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if unchanged(current, fields) {
				return nil
			}
		}
		return client.UpdateEntity(ctx, id, fields)
	}()

	result := "success"
	if err != nil {
		result = string(syncerr.Classify(ctx, err))
	}
	metrics.ExternalCalls.WithLabelValues(target.Dependency, result).Inc()
	metrics.ExternalCallDuration.WithLabelValues(target.Dependency).Observe(time.Since(start).Seconds())
	return err
}

// deliver hands the event to the downstream sink under the downstream
// dependency's breaker, limiter and retry policy.
func (w *Worker) deliver(ctx context.Context, logger *slog.Logger, target Target, event models.InboundEvent) error {
	brk := w.breakers.Get(downstream.Dependency)
	if !brk.Allow() {
		metrics.DownstreamDelivered.WithLabelValues(target.Name, string(syncerr.ReasonCircuitOpen)).Inc()
		return syncerr.ErrCircuitOpen
	}

	calls, admitted := 0, 1
	op := func() error {
		if calls > 0 {
			if !brk.Allow() {
				return backoff.Permanent(syncerr.ErrCircuitOpen)
			}
			admitted++
		}
		if err := w.limiters.Wait(ctx, downstream.Dependency); err != nil {
			return backoff.Permanent(err)
		}
		calls++
		err := w.sink.Deliver(ctx, target.Name, event)
		if err != nil && (ctx.Err() != nil || !syncerr.Retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, w.backOff(ctx))
	reason := syncerr.Classify(ctx, err)
	switch {
	case err == nil:
		brk.RecordSuccess()
		metrics.DownstreamDelivered.WithLabelValues(target.Name, "success").Inc()
		return nil
	case reason == syncerr.ReasonTransientUpstream && calls > 0:
		brk.RecordFailure()
	default:
		for range admitted {
			brk.Release()
		}
	}
	metrics.DownstreamDelivered.WithLabelValues(target.Name, string(reason)).Inc()
	logger.WarnContext(ctx, "downstream delivery failed", logging.Reason(string(reason)), logging.Error(err))
	return fmt.Errorf("downstream delivery: %w", err)
}

// finish stamps the outcome on an attempt that held the entity lock (or
// needed none), records it and reports it.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, attempt models.SyncAttempt, event models.InboundEvent, status models.AttemptStatus, err error) models.SyncAttempt {
	attempt = stamp(ctx, attempt, status, err)
	w.record(ctx, logger, func(ctx context.Context) error {
		return w.audit.Record(ctx, attempt, event)
	})
	return w.report(ctx, logger, attempt, err)
}

// refuse finishes an attempt that never held the entity lock. The event is
// left unseen so a redelivery is processed again.
func (w *Worker) refuse(ctx context.Context, logger *slog.Logger, attempt models.SyncAttempt, event models.InboundEvent, err error) models.SyncAttempt {
	attempt = stamp(ctx, attempt, models.StatusError, err)
	w.record(ctx, logger, func(ctx context.Context) error {
		return w.audit.RecordRefused(ctx, attempt, event)
	})
	return w.report(ctx, logger, attempt, err)
}

func stamp(ctx context.Context, attempt models.SyncAttempt, status models.AttemptStatus, err error) models.SyncAttempt {
	now := time.Now().UTC()
	attempt.Status = status
	attempt.FinishedAt = &now
	if err != nil {
		attempt.LastError = err.Error()
		attempt.ErrorReason = string(syncerr.Classify(ctx, err))
	}
	return attempt
}

func (w *Worker) report(ctx context.Context, logger *slog.Logger, attempt models.SyncAttempt, err error) models.SyncAttempt {
	metrics.AttemptsTotal.WithLabelValues(attempt.Target, string(attempt.Status), attempt.ErrorReason).Inc()
	if attempt.ErrorReason == string(syncerr.ReasonPermanentUpstream) {
		metrics.PermanentErrors.WithLabelValues(attempt.Target).Inc()
	}

	args := []any{logging.Attempt(attempt.AttemptCount), slog.String(logging.FieldStatus, string(attempt.Status))}
	switch {
	case err == nil:
		logger.InfoContext(ctx, "sync attempt finished", args...)
	case attempt.ErrorReason == string(syncerr.ReasonPermanentUpstream):
		logger.ErrorContext(ctx, "sync attempt failed permanently", append(args, logging.Reason(attempt.ErrorReason), logging.Error(err))...)
	default:
		logger.WarnContext(ctx, "sync attempt failed", append(args, logging.Reason(attempt.ErrorReason), logging.Error(err))...)
	}
	return attempt
}

// record runs one audit write. A failed write is logged and counted; it
// never changes the attempt's outcome.
func (w *Worker) record(ctx context.Context, logger *slog.Logger, write func(context.Context) error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := write(wctx); err != nil {
		metrics.AuditWriteErrors.Inc()
		logger.WarnContext(ctx, "audit write failed",
			logging.Reason(string(syncerr.ReasonStorageUnavailable)),
			logging.Error(err))
	}
}
