package models

import "time"

// LockInfo describes a live entity lock.
type LockInfo struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CircuitState is a breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// SyncStats is the operator view of recent sync activity.
type SyncStats struct {
	WindowSeconds int64 `json:"window_seconds"`

	EventsSeen    int                   `json:"events_seen"`
	PartialEvents int                   `json:"partial_events"`
	Attempts      map[AttemptStatus]int `json:"attempts"`
	Errors        map[string]int        `json:"errors_by_reason"`

	// Throughput is finished attempts per second over the window.
	Throughput float64 `json:"throughput_per_sec"`

	QueueDepth            int     `json:"queue_depth"`
	EstimatedDrainSeconds float64 `json:"estimated_drain_seconds"`
	ReconcilePending      int     `json:"reconcile_pending"`

	Breakers    map[string]CircuitState `json:"breakers,omitempty"`
	ActiveLocks int                     `json:"active_locks"`

	GeneratedAt time.Time `json:"generated_at"`
}

// NewSyncStats returns zeroed stats for window.
func NewSyncStats(window time.Duration, now time.Time) SyncStats {
	return SyncStats{
		WindowSeconds: int64(window / time.Second),
		Attempts:      make(map[AttemptStatus]int),
		Errors:        make(map[string]int),
		GeneratedAt:   now,
	}
}

// SetQueueDepth records depth and derives the drain estimate from throughput.
// With no throughput the estimate stays zero.
func (s *SyncStats) SetQueueDepth(depth int) {
	s.QueueDepth = depth
	if depth > 0 && s.Throughput > 0 {
		s.EstimatedDrainSeconds = float64(depth) / s.Throughput
	} else {
		s.EstimatedDrainSeconds = 0
	}
}
