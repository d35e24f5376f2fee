package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/onai-academy/platform/common/logging"
)

// Sweeper periodically drains a Store through a replay function.
type Sweeper struct {
	store    Store
	replay   DrainFunc
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper returns a sweeper that drains up to batch entries every interval.
func NewSweeper(store Store, replay DrainFunc, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:    store,
		replay:   replay,
		interval: interval,
		batch:    batch,
		logger:   logging.OrDefault(logger),
	}
}

// Run sweeps until ctx is done. A non-positive interval or a nil store
// disables sweeping and Run returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 || s.store == nil {
		s.logger.Info("reconcile sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("reconcile sweeper started", slog.Duration("interval", s.interval), slog.Int("batch", s.batch))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("reconcile sweep failed", logging.Error(err))
			}
		}
	}
}

// SweepOnce drains one batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (DrainResult, error) {
	start := time.Now()
	res, err := s.store.Drain(ctx, s.batch, s.replay)
	if res.Replayed > 0 || res.Failed > 0 {
		s.logger.Info("reconcile sweep finished",
			slog.Int("replayed", res.Replayed),
			slog.Int("failed", res.Failed),
			logging.Duration(time.Since(start)))
	}
	return res, err
}
