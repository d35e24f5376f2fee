// Package lock provides per-entity mutual exclusion with TTL expiry so a
// crashed worker never leaves an entity locked for good.
package lock

import (
	"context"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Locker is a non-blocking mutual-exclusion primitive keyed by entity id.
//
// Acquire never waits or retries; callers decide what a refusal means.
// Release and Extend only act when token matches the current owner, so a
// worker whose lock expired cannot free a lock someone else now holds.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool)
	Release(ctx context.Context, key, token string) bool
	Extend(ctx context.Context, key, token string, ttl time.Duration) bool

	// List returns live locks for operators.
	List(ctx context.Context) ([]models.LockInfo, error)

	// ClearAll force-releases every lock and returns how many were removed.
	ClearAll(ctx context.Context) (int, error)
}
