// Package breaker implements per-dependency circuit breakers.
//
// A breaker opens after FailureThreshold consecutive failures and sheds calls
// for OpenDuration. After that it turns half-open and lets up to
// HalfOpenMaxProbes calls through: the first success closes it, a failure
// opens it again. State lives in memory only and starts closed.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Config tunes a breaker.
type Config struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes"`
}

// DefaultConfig matches the thresholds the CRM integration has run with.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenDuration:      60 * time.Second,
		HalfOpenMaxProbes: 2,
	}
}

// Breaker tracks the health of one dependency. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	state    models.CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// New returns a closed breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		state:  models.CircuitClosed,
	}
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(models.CircuitClosed))
	return b
}

// Name returns the dependency the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In half-open state each true
// result uses up one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case models.CircuitClosed:
		return true
	case models.CircuitHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call. While open it is ignored: the
// call was admitted before the breaker tripped, and only a half-open probe
// may close it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case models.CircuitClosed:
		b.failures = 0
	case models.CircuitHalfOpen:
		b.transition(models.CircuitClosed)
	}
}

// RecordFailure reports a failed call. Ignored while open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case models.CircuitHalfOpen:
		b.open()
	case models.CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// Release hands back a half-open probe taken by Allow for a call that was
// never made or ended without a verdict (lock refused, caller cancelled).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == models.CircuitHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state, moving open to half-open once the
// cool-down has elapsed.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	return b.state
}

// refresh applies the time-based open -> half-open transition. Callers hold mu.
func (b *Breaker) refresh() {
	if b.state == models.CircuitOpen && !b.now().Before(b.openedAt.Add(b.cfg.OpenDuration)) {
		b.transition(models.CircuitHalfOpen)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(models.CircuitOpen)
}

func (b *Breaker) transition(to models.CircuitState) {
	from := b.state
	b.state = to
	b.probes = 0
	if to != models.CircuitClosed {
		b.failures = 0
	}

	metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(to))
	metrics.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()

	level := slog.LevelInfo
	if to == models.CircuitOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("dependency", b.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

func stateValue(s models.CircuitState) float64 {
	switch s {
	case models.CircuitHalfOpen:
		return 1
	case models.CircuitOpen:
		return 2
	default:
		return 0
	}
}
