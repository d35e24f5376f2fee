package models

import (
	"sort"
	"time"
)

// TargetUnknown is the routing target of an event that matched no rule.
const TargetUnknown = "unknown"

// RoutingDecision lists the sync targets an event must be pushed to.
type RoutingDecision struct {
	Targets []string `json:"targets"`
	Reason  string   `json:"reason"`
}

// NewRoutingDecision returns a decision with sorted, de-duplicated targets.
// An empty target list becomes {unknown}.
func NewRoutingDecision(targets []string, reason string) RoutingDecision {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return RoutingDecision{Targets: []string{TargetUnknown}, Reason: reason}
	}
	sort.Strings(out)
	return RoutingDecision{Targets: out, Reason: reason}
}

// DuplicateDecision is returned for events whose dedup key was already seen.
func DuplicateDecision() RoutingDecision {
	return RoutingDecision{Targets: []string{}, Reason: "duplicate"}
}

// AttemptStatus is the lifecycle state of a SyncAttempt.
type AttemptStatus string

const (
	StatusPending AttemptStatus = "pending"
	StatusSuccess AttemptStatus = "success"
	StatusPartial AttemptStatus = "partial"
	StatusError   AttemptStatus = "error"
)

// SyncAttempt is the processing record of one (event, target) pair. Retries
// update the same record; (DedupKey, Target) identifies it.
type SyncAttempt struct {
	ID               string        `json:"id"`
	DedupKey         string        `json:"dedup_key"`
	Target           string        `json:"target"`
	ExternalEntityID string        `json:"external_entity_id"`
	Status           AttemptStatus `json:"status"`
	AttemptCount     int           `json:"attempt_count"`
	LastError        string        `json:"last_error,omitempty"`
	ErrorReason      string        `json:"error_reason,omitempty"`
	RoutingReason    string        `json:"routing_reason,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}

// Finished reports whether the attempt has left the pending state.
func (a SyncAttempt) Finished() bool {
	return a.Status != StatusPending
}

// Outcome folds per-target attempts into the overall event status: success
// when every target succeeded, error when none did, partial otherwise.
func Outcome(attempts []SyncAttempt) AttemptStatus {
	if len(attempts) == 0 {
		return StatusSuccess
	}
	succeeded := 0
	for _, a := range attempts {
		if a.Status == StatusSuccess {
			succeeded++
		}
	}
	switch succeeded {
	case len(attempts):
		return StatusSuccess
	case 0:
		return StatusError
	default:
		return StatusPartial
	}
}

// Failed returns the attempts that did not succeed.
func Failed(attempts []SyncAttempt) []SyncAttempt {
	var out []SyncAttempt
	for _, a := range attempts {
		if a.Status != StatusSuccess {
			out = append(out, a)
		}
	}
	return out
}
