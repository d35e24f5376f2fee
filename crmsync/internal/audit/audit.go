// Package audit records every sync attempt and answers the dedup and
// monitoring questions asked of that record.
//
// Events are append-only: the first write of a dedup key wins. Attempts are
// keyed by (dedup key, target) and only their status, attempt count, error
// and finish time change as retries progress.
//
// An event counts as seen only once a worker holding its entity lock has
// recorded it. Attempts refused before that (lock held elsewhere, circuit
// open, caller gone) are kept for inspection but leave the dedup key free,
// so a redelivery is processed again.
package audit

import (
	"context"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Log is the audit store.
type Log interface {
	// Record stores event (if its dedup key is new) and upserts attempt.
	// Callers hold the entity lock. Once Record returns nil, WasSeen reports
	// the event's dedup key.
	Record(ctx context.Context, attempt models.SyncAttempt, event models.InboundEvent) error

	// RecordRefused stores an attempt that never held the entity lock. It
	// does not mark the event seen and is a no-op when the stored attempt
	// for (dedup key, target) is not an error: that row belongs to the
	// worker that holds or held the lock.
	RecordRefused(ctx context.Context, attempt models.SyncAttempt, event models.InboundEvent) error

	// WasSeen reports whether dedupKey was recorded within the dedup window.
	WasSeen(ctx context.Context, dedupKey string) (bool, error)

	// RecentStats aggregates attempts and events updated within window.
	RecentStats(ctx context.Context, window time.Duration) (models.SyncStats, error)

	// Attempts returns every attempt recorded for dedupKey, ordered by target.
	Attempts(ctx context.Context, dedupKey string) ([]models.SyncAttempt, error)
}

// DefaultDedupWindow is how long a recorded dedup key suppresses redeliveries.
const DefaultDedupWindow = 24 * time.Hour
