package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Set owns one breaker per dependency, all sharing a config unless a
// dependency has its own entry in overrides.
type Set struct {
	mu        sync.Mutex
	def       Config
	overrides map[string]Config
	logger    *slog.Logger
	breakers  map[string]*Breaker
}

// NewSet returns an empty Set.
func NewSet(def Config, overrides map[string]Config, logger *slog.Logger) *Set {
	return &Set{
		def:       def,
		overrides: overrides,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for dependency, creating it closed on first use.
func (s *Set) Get(dependency string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[dependency]
	if !ok {
		cfg, has := s.overrides[dependency]
		if !has {
			cfg = s.def
		}
		b = New(dependency, cfg, s.logger)
		s.breakers[dependency] = b
	}
	return b
}

// States snapshots every known breaker.
func (s *Set) States() map[string]models.CircuitState {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]models.CircuitState, len(names))
	for _, name := range names {
		out[name] = s.Get(name).State()
	}
	return out
}
