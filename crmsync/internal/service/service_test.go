package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/crmsync/internal/audit"
	"github.com/onai-academy/platform/crmsync/internal/breaker"
	"github.com/onai-academy/platform/crmsync/internal/lock"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/queue"
	"github.com/onai-academy/platform/crmsync/internal/ratelimit"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
	"github.com/onai-academy/platform/crmsync/internal/routing"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
	"github.com/onai-academy/platform/crmsync/internal/worker"
)

type fakeCRM struct {
	mu    sync.Mutex
	calls int
	fail  error

	// entered and release, when set, park the first UpdateEntity call.
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeCRM) UpdateEntity(ctx context.Context, _ string, _ map[string]any) error {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		f.once.Do(func() { close(f.entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *fakeCRM) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{})
	f.release = make(chan struct{})
}

func (f *fakeCRM) GetEntity(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeCRM) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeCRM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc       *SyncService
	crm       *fakeCRM
	queue     *queue.MemoryQueue
	log       *audit.MemoryLog
	locker    *lock.MemoryLocker
	reconcile *reconcile.FileQueue
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		crm:    &fakeCRM{},
		queue:  queue.NewMemoryQueue(2, 1, nil),
		log:    audit.NewMemoryLog(time.Hour),
		locker: lock.NewMemoryLocker(),
	}
	var err error
	f.reconcile, err = reconcile.NewFileQueue(t.TempDir(), nil)
	require.NoError(t, err)

	breakers := breaker.NewSet(breaker.Config{FailureThreshold: 100, OpenDuration: time.Minute}, nil, nil)
	w, err := worker.New(worker.Config{
		LockTTL: 5 * time.Second,
		Retry:   worker.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, worker.Deps{
		Locker:   f.locker,
		Limiters: ratelimit.NewSet(ratelimit.LocalFactory(ratelimit.Config{Capacity: 1000, RefillPerSecond: 1000}, nil)),
		Breakers: breakers,
		Audit:    f.log,
		Clients:  map[string]worker.CrmClient{worker.DefaultDependency: f.crm},
	})
	require.NoError(t, err)

	router, err := routing.NewRouter(nil, f.log, nil)
	require.NoError(t, err)

	f.svc, err = New(cfg, Deps{
		Queue:     f.queue,
		Router:    router,
		Worker:    w,
		Audit:     f.log,
		Locker:    f.locker,
		Breakers:  breakers,
		Reconcile: f.reconcile,
	})
	require.NoError(t, err)
	return f
}

func deal(id, pipeline, status string) models.InboundEvent {
	return models.InboundEvent{
		ExternalEntityID: id,
		EventType:        models.EventStatusChanged,
		Payload: map[string]any{
			"id":          id,
			"pipeline_id": pipeline,
			"status_id":   status,
			"utm_source":  "ref_partner",
		},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestSubmitFiltersAndQueues(t *testing.T) {
	f := newFixture(t, Config{Accept: []routing.Condition{
		{Field: "pipeline_id", Equals: []string{"10418746"}},
		{Field: "status_id", Equals: []string{"142"}},
	}})
	ctx := context.Background()

	n, err := f.svc.Submit(ctx, []models.InboundEvent{
		deal("1", "10418746", "142"),
		deal("2", "10418746", "143"),
		deal("3", "999", "142"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.queue.Depth(ctx))
}

func TestSubmitQueueFull(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	n, err := f.svc.Submit(ctx, []models.InboundEvent{
		deal("1", "p", "s"), deal("2", "p", "s"), deal("3", "p", "s"),
	})
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, 2, n)
}

func TestHandleSyncsOnceAndDropsDuplicates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	e := deal("10", "p", "s")

	require.NoError(t, f.svc.Handle(ctx, e))
	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Equal(t, 1, f.crm.callCount())

	attempts, err := f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, routing.TargetReferral, attempts[0].Target)
	assert.Equal(t, models.StatusSuccess, attempts[0].Status)
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending)
}

func TestHandleParksTransientFailureAndReplays(t *testing.T) {
	f := newFixture(t, Config{MaxReplays: 3})
	ctx := context.Background()
	e := deal("20", "p", "s")

	f.crm.setFail(&syncerr.UpstreamError{Dependency: worker.DefaultDependency, StatusCode: 503})
	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Equal(t, 3, f.crm.callCount())

	entries, err := f.svc.PendingReconcile(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{routing.TargetReferral}, entries[0].Targets)
	assert.Equal(t, 3, entries[0].PriorAttempts[routing.TargetReferral])
	assert.Equal(t, syncerr.ReasonTransientUpstream, entries[0].Reason)

	f.crm.setFail(nil)
	res, err := f.svc.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, reconcile.DrainResult{Replayed: 1}, res)
	assert.Equal(t, 4, f.crm.callCount())

	attempts, err := f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StatusSuccess, attempts[0].Status)
	assert.Equal(t, 4, attempts[0].AttemptCount, "replay continues the attempt count")
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending)
}

func TestHandleDoesNotParkPermanentFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.crm.setFail(&syncerr.UpstreamError{Dependency: worker.DefaultDependency, StatusCode: 422})
	require.NoError(t, f.svc.Handle(ctx, deal("30", "p", "s")))
	assert.Equal(t, 1, f.crm.callCount())
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending)
}

func TestReplayExhaustion(t *testing.T) {
	f := newFixture(t, Config{MaxReplays: 1})
	ctx := context.Background()

	f.crm.setFail(&syncerr.UpstreamError{Dependency: worker.DefaultDependency, StatusCode: 500})
	require.NoError(t, f.svc.Handle(ctx, deal("40", "p", "s")))
	require.Equal(t, 1, f.reconcile.Stats(ctx).Pending)

	res, err := f.svc.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending, "entry dropped after its last replay")
}

func TestRedeliveryAfterLockedAttemptIsSynced(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.reconcile = nil
	ctx := context.Background()
	e := deal("77", "p", "s")
	e.DeliveryID = "hook-1"

	token, ok := f.locker.Acquire(ctx, "77", time.Minute)
	require.True(t, ok)
	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Zero(t, f.crm.callCount())

	attempts, err := f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(syncerr.ReasonLocked), attempts[0].ErrorReason)

	require.True(t, f.locker.Release(ctx, "77", token))
	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Equal(t, 1, f.crm.callCount(), "redelivery syncs the event")

	attempts, err = f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StatusSuccess, attempts[0].Status)

	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Equal(t, 1, f.crm.callCount(), "a synced event is a duplicate")
}

func TestCircuitOpenAttemptLeavesEventUnseen(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	e := deal("78", "p", "s")
	e.DeliveryID = "hook-2"

	brk := f.svc.breakers.Get(worker.DefaultDependency)
	for range 100 {
		brk.RecordFailure()
	}
	require.Equal(t, models.CircuitOpen, brk.State())

	require.NoError(t, f.svc.Handle(ctx, e))
	assert.Zero(t, f.crm.callCount())

	seen, err := f.log.WasSeen(ctx, e.DedupKey())
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, 1, f.reconcile.Stats(ctx).Pending)
}

func TestConcurrentSameDeliveryIsSyncedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.crm.block()
	ctx := context.Background()
	e := deal("88", "p", "s")
	e.DeliveryID = "hook-3"

	// Both deliveries pass dedup before either records anything.
	decision, duplicate := f.svc.router.Route(ctx, e)
	require.False(t, duplicate)

	done := make(chan error, 1)
	go func() { done <- f.svc.Handle(ctx, e) }()
	<-f.crm.entered

	loser := f.svc.worker.Process(ctx, e, decision)
	f.svc.park(ctx, e, loser, 0)
	require.Len(t, loser, 1)
	assert.Equal(t, string(syncerr.ReasonLocked), loser[0].ErrorReason)

	stored, err := f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusPending, stored[0].Status, "the lock holder's record is untouched")

	close(f.crm.release)
	require.NoError(t, <-done)

	stored, err = f.svc.Attempts(ctx, e.DedupKey())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusSuccess, stored[0].Status)
	assert.Equal(t, 1, f.crm.callCount())
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending, "nothing parked for the concurrent delivery")
}

func TestReplaySkipsSyncedTargets(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	e := deal("89", "p", "s")

	require.NoError(t, f.svc.Handle(ctx, e))
	require.Equal(t, 1, f.crm.callCount())

	entry, ok := reconcile.NewEntry(e, []models.SyncAttempt{{
		Target: routing.TargetReferral, Status: models.StatusError,
		ErrorReason: string(syncerr.ReasonLocked), AttemptCount: 1,
	}}, 0)
	require.True(t, ok)
	require.NoError(t, f.reconcile.Write(ctx, entry))

	res, err := f.svc.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, f.crm.callCount(), "a synced target is not written again")
	assert.Equal(t, 0, f.reconcile.Stats(ctx).Pending)
}

func TestHandleCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.svc.Handle(ctx, deal("50", "p", "s")), context.Canceled)
	assert.Equal(t, 0, f.crm.callCount())
}

func TestStatsAndLocks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.svc.Handle(ctx, deal("60", "p", "s")))
	_, err := f.svc.Submit(ctx, []models.InboundEvent{deal("61", "p", "s")})
	require.NoError(t, err)
	_, ok := f.locker.Acquire(ctx, "62", time.Minute)
	require.True(t, ok)

	st, err := f.svc.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, st.EventsSeen)
	assert.Equal(t, 1, st.Attempts[models.StatusSuccess])
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 1, st.ActiveLocks)
	assert.Equal(t, models.CircuitClosed, st.Breakers[worker.DefaultDependency])

	locks, err := f.svc.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "62", locks[0].Key)

	n, err := f.svc.ClearLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	locks, err = f.svc.Locks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestReconcileDisabled(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.reconcile = nil
	ctx := context.Background()

	_, err := f.svc.PendingReconcile(ctx, 10)
	assert.ErrorIs(t, err, reconcile.ErrDisabled)
	_, err = f.svc.ReplayPending(ctx, 10)
	assert.ErrorIs(t, err, reconcile.ErrDisabled)
	assert.ErrorIs(t, f.svc.PurgeReconcile(ctx), reconcile.ErrDisabled)
	assert.False(t, f.svc.ReconcileStats(ctx).Enabled)

	f.crm.setFail(&syncerr.UpstreamError{Dependency: worker.DefaultDependency, StatusCode: 503})
	require.NoError(t, f.svc.Handle(ctx, deal("70", "p", "s")), "failures are recorded even without a reconcile queue")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	f := newFixture(t, Config{})
	deps := Deps{
		Queue: f.queue, Router: f.svc.router, Worker: f.svc.worker,
		Audit: f.log, Locker: f.locker, Breakers: f.svc.breakers,
	}
	_, err = New(Config{Accept: []routing.Condition{{Equals: []string{"x"}}}}, deps)
	assert.Error(t, err)

	svc, err := New(Config{}, deps)
	require.NoError(t, err)
	assert.Equal(t, defaultProcessTimeout, svc.cfg.ProcessTimeout)
}
