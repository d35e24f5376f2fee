// Package routing decides whether an inbound event is a redelivery and, if
// not, which sync targets it must be pushed to.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/syncerr"
)

// SeenChecker answers dedup lookups. audit.Log satisfies it.
type SeenChecker interface {
	WasSeen(ctx context.Context, dedupKey string) (bool, error)
}

// Router classifies events with an ordered rule table. It never writes:
// a key becomes seen only once the audit log records the event.
type Router struct {
	rules  []Rule
	seen   SeenChecker
	logger *slog.Logger
}

// NewRouter validates rules and returns a router. An empty rule table
// selects DefaultRules.
func NewRouter(rules []Rule, seen SeenChecker, logger *slog.Logger) (*Router, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("invalid routing rules: %w", err)
	}
	return &Router{
		rules:  append([]Rule(nil), rules...),
		seen:   seen,
		logger: logging.OrDefault(logger),
	}, nil
}

// Route returns the duplicate decision for a key the audit log has seen,
// otherwise the classification of the event.
func (r *Router) Route(ctx context.Context, event models.InboundEvent) (models.RoutingDecision, bool) {
	key := event.DedupKey()

	if r.seen != nil {
		seen, err := r.seen.WasSeen(ctx, key)
		switch {
		case err != nil:
			// Unseen is the safe answer: the entity lock still prevents
			// concurrent double writes and every sync write is idempotent.
			metrics.DegradedTotal.WithLabelValues("dedup").Inc()
			r.logger.WarnContext(ctx, "dedup lookup failed, treating event as new",
				logging.DedupKey(key),
				logging.Reason(string(syncerr.ReasonStorageUnavailable)),
				logging.Error(err))
		case seen:
			metrics.DuplicatesTotal.Inc()
			r.logger.DebugContext(ctx, "duplicate delivery", logging.DedupKey(key), logging.EntityID(event.ExternalEntityID))
			return models.DuplicateDecision(), true
		}
	}

	decision := r.Classify(event)
	for _, t := range decision.Targets {
		metrics.RoutedTotal.WithLabelValues(t).Inc()
	}
	return decision, false
}

// Classify applies the rule table without the dedup check.
func (r *Router) Classify(event models.InboundEvent) models.RoutingDecision {
	var (
		targets []string
		matched []string
	)
	for _, rule := range r.rules {
		if rule.Matches(event.Payload) {
			targets = append(targets, rule.Target)
			matched = append(matched, ruleLabel(rule))
		}
	}
	if len(matched) == 0 {
		return models.NewRoutingDecision(nil, "no rule matched")
	}
	return models.NewRoutingDecision(targets, "matched "+strings.Join(matched, ", "))
}

// Rules returns a copy of the active rule table.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

func ruleLabel(rule Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.Target
}
