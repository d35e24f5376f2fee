package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/onai-academy/platform/common/logging"
	natsclient "github.com/onai-academy/platform/common/messaging/nats"
	"github.com/onai-academy/platform/crmsync/internal/audit"
	"github.com/onai-academy/platform/crmsync/internal/config"
	"github.com/onai-academy/platform/crmsync/internal/downstream"
	"github.com/onai-academy/platform/crmsync/internal/handlers"
	"github.com/onai-academy/platform/crmsync/internal/lock"
	"github.com/onai-academy/platform/crmsync/internal/queue"
	"github.com/onai-academy/platform/crmsync/internal/ratelimit"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
)

// backends holds the storage and transport components chosen by config.
type backends struct {
	locker    lock.Locker
	limiters  *ratelimit.Set
	audit     audit.Log
	queue     queue.Queue
	reconcile reconcile.Store
	sink      downstream.Sink
	ready     map[string]handlers.Check

	closers []func()
}

func newBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{ready: make(map[string]handlers.Check)}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	// Redis backs shared locks and shared rate limits.
	var rdb *redis.Client
	if cfg.Lock.Backend == "redis" || cfg.RateLimit.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Locks and limits degrade to local behaviour while Redis is down.
			logger.Warn("Redis unreachable at startup", logging.Dependency("redis"), logging.Error(err))
		}
		b.ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Redis configured", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
	}

	if cfg.Lock.Backend == "redis" {
		b.locker = lock.NewRedisLocker(rdb, logger)
	} else {
		b.locker = lock.NewMemoryLocker()
		logger.Warn("In-memory entity locks do not coordinate multiple instances")
	}

	if cfg.RateLimit.Backend == "redis" {
		def, deps := cfg.RateLimit.Default(), cfg.RateLimit.Dependencies
		b.limiters = ratelimit.NewSet(func(dependency string) ratelimit.Limiter {
			rl := def
			if c, ok := deps[dependency]; ok {
				rl = c
			}
			return ratelimit.NewRedisTokenBucket(rdb, dependency, rl, logger)
		})
	} else {
		b.limiters = ratelimit.NewSet(ratelimit.LocalFactory(cfg.RateLimit.Default(), cfg.RateLimit.Dependencies))
	}

	// Audit log and dedup store
	switch cfg.Database.Backend {
	case "postgres":
		if cfg.Database.MigrateOnStart {
			if err := audit.Migrate(cfg.Database.URL); err != nil {
				return nil, err
			}
			logger.Info("Database migrations applied")
		}
		pg, err := audit.NewPostgresLog(ctx, cfg.Database.URL, cfg.Database.Pool, cfg.Dedup.Window)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		b.audit = pg
		b.ready["postgres"] = pg.Ping
	default:
		b.audit = audit.NewMemoryLog(cfg.Dedup.Window)
		logger.Warn("In-memory audit log loses dedup history on restart")
	}

	// NATS carries the durable queue, the shared reconcile queue and
	// downstream notifications.
	var js *natsclient.JetStreamClient
	if cfg.Queue.Backend == "jetstream" || cfg.Reconcile.Backend == "jetstream" || cfg.Downstream.Enabled {
		js, err = natsclient.NewJetStreamClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: -1,
			ReconnectWait: natsclient.DefaultConfig().ReconnectWait,
			Timeout:       natsclient.DefaultConfig().Timeout,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			Token:         cfg.NATS.Token,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = js.Close() })
		b.ready["nats"] = func(context.Context) error {
			if !js.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		logger.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	}

	switch cfg.Queue.Backend {
	case "jetstream":
		q, err := queue.NewJetStreamQueue(ctx, js, queue.JetStreamOptions{
			Consumer:    cfg.Queue.Consumer,
			Concurrency: cfg.Worker.Concurrency,
			AckWait:     cfg.Queue.AckWait,
			MaxDeliver:  cfg.Queue.MaxDeliver,
			NakDelay:    cfg.Queue.NakDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.queue = q
	default:
		b.queue = queue.NewMemoryQueue(cfg.Queue.Capacity, cfg.Worker.Concurrency, logger)
		logger.Warn("In-memory event queue loses queued events on restart")
	}

	switch cfg.Reconcile.Backend {
	case "jetstream":
		rq, err := reconcile.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			return nil, err
		}
		b.reconcile = rq
	case "file":
		rq, err := reconcile.NewFileQueue(cfg.Reconcile.Path, logger)
		if err != nil {
			return nil, err
		}
		b.reconcile = rq
		logger.Warn("File reconcile queue does not support multiple instances", slog.String("path", cfg.Reconcile.Path))
	default:
		logger.Warn("Reconcile queue disabled; failed syncs are only recorded in the audit log")
	}

	if cfg.Downstream.Enabled {
		b.sink = downstream.NewNATSSink(js)
	} else {
		b.sink = downstream.NopSink{}
	}

	return b, nil
}

// Close releases connections in reverse order of creation.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
