package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

type memoryEvent struct {
	event      models.InboundEvent
	recordedAt time.Time
}

type attemptKey struct {
	dedupKey string
	target   string
}

type memoryAttempt struct {
	attempt   models.SyncAttempt
	updatedAt time.Time
}

// MemoryLog keeps the audit record in process memory. Records older than
// the retention period are pruned. It suits development and tests; a
// restart forgets every dedup key.
type MemoryLog struct {
	mu        sync.RWMutex
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	lastPrune time.Time

	events   map[string]memoryEvent
	attempts map[attemptKey]memoryAttempt
}

// NewMemoryLog returns an empty log whose dedup window is window.
func NewMemoryLog(window time.Duration) *MemoryLog {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MemoryLog{
		window:    window,
		retention: window,
		now:       time.Now,
		events:    make(map[string]memoryEvent),
		attempts:  make(map[attemptKey]memoryAttempt),
	}
}

// Record implements Log.
func (l *MemoryLog) Record(_ context.Context, attempt models.SyncAttempt, event models.InboundEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	key := attempt.DedupKey
	if key == "" {
		key = event.DedupKey()
		attempt.DedupKey = key
	}
	if _, ok := l.events[key]; !ok {
		l.events[key] = memoryEvent{event: event, recordedAt: now}
	}
	l.putLocked(key, attempt, event, now)
	return nil
}

// RecordRefused implements Log.
func (l *MemoryLog) RecordRefused(_ context.Context, attempt models.SyncAttempt, event models.InboundEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	key := attempt.DedupKey
	if key == "" {
		key = event.DedupKey()
		attempt.DedupKey = key
	}
	if prev, ok := l.attempts[attemptKey{dedupKey: key, target: attempt.Target}]; ok && prev.attempt.Status != models.StatusError {
		return nil
	}
	l.putLocked(key, attempt, event, now)
	return nil
}

func (l *MemoryLog) putLocked(key string, attempt models.SyncAttempt, event models.InboundEvent, now time.Time) {
	ak := attemptKey{dedupKey: key, target: attempt.Target}
	if prev, ok := l.attempts[ak]; ok {
		attempt = mergeAttempt(prev.attempt, attempt)
	} else if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.ExternalEntityID == "" {
		attempt.ExternalEntityID = event.ExternalEntityID
	}
	l.attempts[ak] = memoryAttempt{attempt: attempt, updatedAt: now}
}

// mergeAttempt applies an update to a stored attempt the way the SQL upsert does.
func mergeAttempt(prev, next models.SyncAttempt) models.SyncAttempt {
	out := prev
	out.Status = next.Status
	if next.AttemptCount > out.AttemptCount {
		out.AttemptCount = next.AttemptCount
	}
	out.LastError = next.LastError
	out.ErrorReason = next.ErrorReason
	if next.RoutingReason != "" {
		out.RoutingReason = next.RoutingReason
	}
	out.FinishedAt = next.FinishedAt
	return out
}

// WasSeen implements Log.
func (l *MemoryLog) WasSeen(_ context.Context, dedupKey string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.events[dedupKey]
	if !ok {
		return false, nil
	}
	return l.now().Sub(e.recordedAt) < l.window, nil
}

// Attempts implements Log.
func (l *MemoryLog) Attempts(_ context.Context, dedupKey string) ([]models.SyncAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.SyncAttempt
	for k, a := range l.attempts {
		if k.dedupKey == dedupKey {
			out = append(out, a.attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

// RecentStats implements Log.
func (l *MemoryLog) RecentStats(_ context.Context, window time.Duration) (models.SyncStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	cutoff := now.Add(-window)
	stats := models.NewSyncStats(window, now)

	for _, e := range l.events {
		if e.recordedAt.After(cutoff) {
			stats.EventsSeen++
		}
	}

	type eventOutcome struct{ success, failed, pending int }
	perEvent := make(map[string]*eventOutcome)
	finished := 0

	for k, a := range l.attempts {
		if !a.updatedAt.After(cutoff) {
			continue
		}
		stats.Attempts[a.attempt.Status]++
		if a.attempt.Status == models.StatusError && a.attempt.ErrorReason != "" {
			stats.Errors[a.attempt.ErrorReason]++
		}
		if a.attempt.FinishedAt != nil && a.attempt.FinishedAt.After(cutoff) {
			finished++
		}

		o := perEvent[k.dedupKey]
		if o == nil {
			o = &eventOutcome{}
			perEvent[k.dedupKey] = o
		}
		switch a.attempt.Status {
		case models.StatusSuccess:
			o.success++
		case models.StatusPending:
			o.pending++
		default:
			o.failed++
		}
	}

	for _, o := range perEvent {
		if o.pending == 0 && o.success > 0 && o.failed > 0 {
			stats.PartialEvents++
		}
	}
	if window > 0 {
		stats.Throughput = float64(finished) / window.Seconds()
	}
	return stats, nil
}

// pruneLocked drops records past retention, at most once per tenth of it.
func (l *MemoryLog) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.retention/10 {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-l.retention)

	for k, e := range l.events {
		if e.recordedAt.Before(cutoff) {
			delete(l.events, k)
		}
	}
	for k, a := range l.attempts {
		if _, ok := l.events[k.dedupKey]; !ok && a.updatedAt.Before(cutoff) {
			delete(l.attempts, k)
		}
	}
}
