package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onai-academy/platform/crmsync/internal/metrics"
)

// tokenBucketScript refills and spends one token atomically.
// Returns {allowed, wait_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local per_sec = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'ts')
	local tokens = tonumber(state[1])
	local ts = tonumber(state[2])
	if tokens == nil or ts == nil then
		tokens = capacity
		ts = now
	end

	if now > ts then
		tokens = math.min(capacity, tokens + (now - ts) * per_sec / 1000)
		ts = now
	end

	local allowed = 0
	local wait = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	elseif per_sec > 0 then
		wait = math.ceil((1 - tokens) * 1000 / per_sec)
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
	redis.call('PEXPIRE', key, ttl)
	return {allowed, wait}
`)

// RedisTokenBucket keeps the bucket in Redis so every service instance draws
// from one budget per dependency. When Redis fails it serves from a local
// bucket with the same shape.
type RedisTokenBucket struct {
	client     *redis.Client
	key        string
	dependency string
	cfg        Config
	ttl        time.Duration
	fallback   *TokenBucket
	now        func() time.Time
	logger     *slog.Logger
}

// NewRedisTokenBucket returns a shared bucket for dependency.
func NewRedisTokenBucket(client *redis.Client, dependency string, cfg Config, logger *slog.Logger) *RedisTokenBucket {
	if logger == nil {
		logger = slog.Default()
	}

	// Keep idle state around long enough to refill completely.
	ttl := time.Minute
	if cfg.RefillPerSecond > 0 {
		full := time.Duration(float64(cfg.Capacity)/cfg.RefillPerSecond*float64(time.Second)) * 2
		if full > ttl {
			ttl = full
		}
	}

	return &RedisTokenBucket{
		client:     client,
		key:        "crmsync:ratelimit:" + dependency,
		dependency: dependency,
		cfg:        cfg,
		ttl:        ttl,
		fallback:   NewTokenBucket(cfg),
		now:        time.Now,
		logger:     logger,
	}
}

// Allow implements Limiter.
func (b *RedisTokenBucket) Allow(ctx context.Context) (time.Duration, bool) {
	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.key},
		b.cfg.Capacity, b.cfg.RefillPerSecond, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		metrics.RateLimitFallbacks.WithLabelValues(b.dependency).Inc()
		b.logger.WarnContext(ctx, "shared rate limiter unavailable, using local bucket",
			slog.String("dependency", b.dependency),
			slog.String("reason", "degraded"),
			slog.Any("error", err))
		return b.fallback.Allow(ctx)
	}

	if res[0] == 1 {
		return 0, true
	}
	if res[1] <= 0 {
		return time.Duration(math.MaxInt64), false
	}
	return time.Duration(res[1]) * time.Millisecond, false
}

// Wait implements Limiter.
func (b *RedisTokenBucket) Wait(ctx context.Context) error {
	return waitLoop(ctx, b)
}
