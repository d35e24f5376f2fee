package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

// KeyPrefix namespaces lock keys in the shared Redis.
const KeyPrefix = "crmsync:lock:"

var (
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	extendScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLocker implements Locker with SET NX PX on a shared Redis.
// When Redis is unreachable every Acquire is refused.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLocker returns a Locker on client.
func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, logger: logger}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, KeyPrefix+key, token, ttl).Result()
	if err != nil {
		l.degraded(ctx, "acquire", key, err)
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return "", false
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues("held").Inc()
		return "", false
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return token, true
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, key, token string) bool {
	n, err := releaseScript.Run(ctx, l.client, []string{KeyPrefix + key}, token).Int64()
	if err != nil {
		l.degraded(ctx, "release", key, err)
		return false
	}
	return n == 1
}

// Extend implements Locker.
func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) bool {
	n, err := extendScript.Run(ctx, l.client, []string{KeyPrefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		l.degraded(ctx, "extend", key, err)
		return false
	}
	return n == 1
}

// List implements Locker. It walks the key space with SCAN rather than KEYS
// so it does not block Redis on large instances.
func (l *RedisLocker) List(ctx context.Context) ([]models.LockInfo, error) {
	keys, err := l.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	locks := make([]models.LockInfo, 0, len(keys))
	for _, k := range keys {
		pipe := l.client.Pipeline()
		getCmd := pipe.Get(ctx, k)
		ttlCmd := pipe.PTTL(ctx, k)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read lock %s: %w", k, err)
		}

		owner, err := getCmd.Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		ttl := ttlCmd.Val()
		if ttl <= 0 {
			continue
		}
		locks = append(locks, models.LockInfo{
			Key:       strings.TrimPrefix(k, KeyPrefix),
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
		})
	}

	sort.Slice(locks, func(i, j int) bool { return locks[i].Key < locks[j].Key })
	return locks, nil
}

// ClearAll implements Locker.
func (l *RedisLocker) ClearAll(ctx context.Context) (int, error) {
	keys, err := l.scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := l.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete locks: %w", err)
	}
	l.logger.WarnContext(ctx, "all entity locks cleared", slog.Int64("count", n))
	return int(n), nil
}

func (l *RedisLocker) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := l.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}
	return keys, nil
}

func (l *RedisLocker) degraded(ctx context.Context, op, key string, err error) {
	metrics.DegradedTotal.WithLabelValues("lock").Inc()
	l.logger.WarnContext(ctx, "lock backend unavailable",
		slog.String("op", op),
		slog.String("entity_id", key),
		slog.String("reason", "degraded"),
		slog.String("error", err.Error()))
}
