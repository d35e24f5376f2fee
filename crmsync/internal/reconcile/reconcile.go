// Package reconcile holds events whose sync failed or partially failed so
// they can be replayed later. Redeliveries of such events are dropped as
// duplicates, so replay is the only way a failed target gets another try.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

// ErrDisabled is returned by read operations on a disabled queue.
var ErrDisabled = errors.New("reconcile queue not enabled")

// Entry is one event awaiting replay for the targets that did not succeed.
type Entry struct {
	ID    string              `json:"id"`
	Event models.InboundEvent `json:"event"`

	// Targets are the failed targets; successful ones are never replayed.
	Targets []string `json:"targets"`

	// PriorAttempts carries each target's attempt count so a replay
	// continues the count instead of restarting it.
	PriorAttempts map[string]int `json:"prior_attempts"`

	RoutingReason string         `json:"routing_reason,omitempty"`
	Reason        syncerr.Reason `json:"reason"`
	LastError     string         `json:"last_error,omitempty"`

	// Replays is how many times the entry has already been replayed.
	Replays   int       `json:"replays"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry builds an entry from the attempts of one processed event. Only
// attempts that did not succeed are kept. The second return value is false
// when there is nothing to replay.
func NewEntry(event models.InboundEvent, attempts []models.SyncAttempt, replays int) (Entry, bool) {
	e := Entry{
		ID:            uuid.NewString(),
		Event:         event,
		PriorAttempts: make(map[string]int),
		Replays:       replays,
		CreatedAt:     time.Now().UTC(),
	}
	for _, a := range models.Failed(attempts) {
		e.Targets = append(e.Targets, a.Target)
		e.PriorAttempts[a.Target] = a.AttemptCount
		reason := syncerr.Reason(a.ErrorReason)
		// Prefer a transient reason over a permanent one.
		if e.Reason == syncerr.ReasonNone || (e.Reason == syncerr.ReasonPermanentUpstream && reason.Transient()) {
			e.Reason = reason
			e.LastError = a.LastError
		}
		if e.RoutingReason == "" {
			e.RoutingReason = a.RoutingReason
		}
	}
	if len(e.Targets) == 0 {
		return Entry{}, false
	}
	sort.Strings(e.Targets)
	if e.Reason == syncerr.ReasonNone {
		e.Reason = syncerr.ReasonTransientUpstream
	}
	return e, true
}

// DrainFunc replays one entry. A nil error removes the entry from the queue;
// an error leaves it for a later drain.
type DrainFunc func(ctx context.Context, entry Entry) error

// DrainResult counts what a drain did.
type DrainResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Stats describes a queue backend.
type Stats struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend,omitempty"`
	Pending int    `json:"pending"`
	Written uint64 `json:"written"`
	Error   string `json:"error,omitempty"`
}

// Store is a reconcile queue backend.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Drain(ctx context.Context, limit int, fn DrainFunc) (DrainResult, error)
	Purge(ctx context.Context) error
	Stats(ctx context.Context) Stats
}
