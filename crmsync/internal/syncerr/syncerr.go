// Package syncerr classifies sync failures into the reasons recorded on
// attempts and decides which failures are worth retrying.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Reason is the machine-readable cause recorded on a failed attempt.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDuplicate          Reason = "duplicate"
	ReasonLocked             Reason = "locked"
	ReasonCircuitOpen        Reason = "circuit_open"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonTransientUpstream  Reason = "transient_upstream"
	ReasonPermanentUpstream  Reason = "permanent_upstream"
	ReasonTimeout            Reason = "timeout"
	ReasonCancelled          Reason = "cancelled"
	ReasonStorageUnavailable Reason = "storage_unavailable"
)

// Transient reports whether a later redelivery or replay may succeed.
func (r Reason) Transient() bool {
	switch r {
	case ReasonLocked, ReasonCircuitOpen, ReasonRateLimited, ReasonTransientUpstream,
		ReasonTimeout, ReasonCancelled, ReasonStorageUnavailable:
		return true
	default:
		return false
	}
}

var (
	// ErrLocked means another worker holds the entity lock.
	ErrLocked = errors.New("entity is locked by another worker")

	// ErrCircuitOpen means the dependency's breaker is shedding calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited means no rate limit token became available in time.
	ErrRateLimited = errors.New("rate limit token not available before deadline")
)

// UpstreamError is a non-2xx response from an external dependency.
type UpstreamError struct {
	Dependency string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s responded %d", e.Dependency, e.StatusCode)
	}
	return fmt.Sprintf("%s responded %d: %s", e.Dependency, e.StatusCode, e.Body)
}

// Retryable reports whether a failed call should be retried: network errors,
// timeouts, 408, 429 and 5xx are; other 4xx and context cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return retryableStatus(upstream.StatusCode)
	}
	// Deadlines, net.Error and other transport failures are all network errors.
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Unauthorized reports whether err is a 401 or 403 response. Those are
// permanent for the call but say the integration's credentials are bad, not
// that the dependency is healthy.
func Unauthorized(err error) bool {
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	return upstream.StatusCode == http.StatusUnauthorized || upstream.StatusCode == http.StatusForbidden
}

// Classify maps err to a Reason. The caller's context error takes priority
// so an aborted call is recorded as cancelled or timeout rather than as an
// upstream failure.
func Classify(ctx context.Context, err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if ctx != nil {
		switch ctx.Err() {
		case context.Canceled:
			return ReasonCancelled
		case context.DeadlineExceeded:
			return ReasonTimeout
		}
	}

	switch {
	case errors.Is(err, ErrLocked):
		return ReasonLocked
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		switch {
		case upstream.StatusCode == http.StatusTooManyRequests:
			return ReasonRateLimited
		case retryableStatus(upstream.StatusCode):
			return ReasonTransientUpstream
		default:
			return ReasonPermanentUpstream
		}
	}
	return ReasonTransientUpstream
}
