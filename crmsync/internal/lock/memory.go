package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements Locker inside one process. It only protects
// entities when a single service instance is running.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expiresAt) {
		metrics.LockAcquisitions.WithLabelValues("held").Inc()
		return "", false
	}

	token := uuid.NewString()
	l.locks[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return token, true
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok || e.token != token || !l.now().Before(e.expiresAt) {
		return false
	}
	delete(l.locks, key)
	return true
}

// Extend implements Locker.
func (l *MemoryLocker) Extend(_ context.Context, key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.locks[key]
	if !ok || e.token != token || !now.Before(e.expiresAt) {
		return false
	}
	e.expiresAt = now.Add(ttl)
	l.locks[key] = e
	return true
}

// List implements Locker.
func (l *MemoryLocker) List(_ context.Context) ([]models.LockInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]models.LockInfo, 0, len(l.locks))
	for k, e := range l.locks {
		if !now.Before(e.expiresAt) {
			delete(l.locks, k)
			continue
		}
		out = append(out, models.LockInfo{Key: k, Owner: e.token, ExpiresAt: e.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ClearAll implements Locker.
func (l *MemoryLocker) ClearAll(ctx context.Context) (int, error) {
	live, _ := l.List(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks = make(map[string]memoryEntry)
	return len(live), nil
}
