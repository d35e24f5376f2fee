package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

// Limiter guards calls to one external dependency. Implementations are safe
// for concurrent use.
type Limiter interface {
	// Allow takes a token if one is available now. Otherwise it reports how
	// long until the next token and takes nothing.
	Allow(ctx context.Context) (wait time.Duration, ok bool)

	// Wait blocks until a token is taken or ctx is done.
	Wait(ctx context.Context) error
}

// Config describes a token bucket.
type Config struct {
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// TokenBucket is an in-process token bucket.
type TokenBucket struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens and refilling
// at refillPerSecond.
func NewTokenBucket(cfg Config) *TokenBucket {
	return newTokenBucketWithClock(cfg, time.Now)
}

func newTokenBucketWithClock(cfg Config, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		lim: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		now: now,
	}
}

// Allow implements Limiter.
func (b *TokenBucket) Allow(_ context.Context) (time.Duration, bool) {
	now := b.now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		// Zero capacity: no token will ever be granted.
		return 0, false
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}
	r.CancelAt(now)
	return delay, false
}

// Wait implements Limiter.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if err := b.lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rate limit wait: %w", ctxErr)
		}
		// The limiter refuses up front when the next token lies past the deadline.
		return fmt.Errorf("rate limit wait: %w", syncerr.ErrRateLimited)
	}
	return nil
}

// waitLoop implements Wait for limiters that only expose Allow.
func waitLoop(ctx context.Context, l Limiter) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		delay, ok := l.Allow(ctx)
		if ok {
			return nil
		}
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}
		if deadline, has := ctx.Deadline(); has && time.Until(deadline) < delay {
			return fmt.Errorf("rate limit wait: %w", syncerr.ErrRateLimited)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
