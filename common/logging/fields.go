package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldIP         = "ip"
	FieldEntityID   = "entity_id"
	FieldDedupKey   = "dedup_key"
	FieldDeliveryID = "delivery_id"
	FieldTarget     = "target"
	FieldDependency = "dependency"
	FieldAttempt    = "attempt"
	FieldReason     = "reason"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// IP returns a slog attribute for a client address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// EntityID returns a slog attribute for the CRM entity an event concerns.
func EntityID(id string) slog.Attr {
	return slog.String(FieldEntityID, id)
}

// DedupKey returns a slog attribute for an event's dedup key.
func DedupKey(key string) slog.Attr {
	return slog.String(FieldDedupKey, key)
}

// DeliveryID returns a slog attribute for a sender-assigned delivery id.
func DeliveryID(id string) slog.Attr {
	return slog.String(FieldDeliveryID, id)
}

// Target returns a slog attribute for a sync target name.
func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}

// Dependency returns a slog attribute for an external dependency name.
func Dependency(name string) slog.Attr {
	return slog.String(FieldDependency, name)
}

// Attempt returns a slog attribute for an attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Reason returns a slog attribute for an error or routing reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}
