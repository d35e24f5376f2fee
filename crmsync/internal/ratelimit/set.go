package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/metrics"
)

// Factory builds the limiter for a dependency.
type Factory func(dependency string) Limiter

// Set hands out one shared limiter per dependency, creating it on first use.
type Set struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	factory  Factory
}

// NewSet returns a Set that builds limiters with factory.
func NewSet(factory Factory) *Set {
	return &Set{
		limiters: make(map[string]Limiter),
		factory:  factory,
	}
}

// LocalFactory builds in-process buckets from per-dependency configs,
// falling back to def for dependencies without an entry.
func LocalFactory(def Config, deps map[string]Config) Factory {
	return func(dependency string) Limiter {
		return NewTokenBucket(configFor(def, deps, dependency))
	}
}

func configFor(def Config, deps map[string]Config, dependency string) Config {
	if cfg, ok := deps[dependency]; ok {
		return cfg
	}
	return def
}

// Get returns the limiter for dependency.
func (s *Set) Get(dependency string) Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[dependency]
	if !ok {
		l = s.factory(dependency)
		s.limiters[dependency] = l
	}
	return l
}

// Wait blocks on the dependency's limiter and records the time spent.
func (s *Set) Wait(ctx context.Context, dependency string) error {
	start := time.Now()
	err := s.Get(dependency).Wait(ctx)
	metrics.RateLimitWait.WithLabelValues(dependency).Observe(time.Since(start).Seconds())
	return err
}
