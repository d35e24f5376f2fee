package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the kind of change a CRM webhook reports.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventCreated       EventType = "created"
	EventUpdated       EventType = "updated"
)

// ParseEventType accepts the canonical names plus the hyphenated forms.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "status_changed", "status-changed", "status":
		return EventStatusChanged, nil
	case "created", "add":
		return EventCreated, nil
	case "updated", "update":
		return EventUpdated, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// InboundEvent is one webhook delivery about one CRM entity.
// It must not be modified after it has been recorded in the audit log.
type InboundEvent struct {
	ExternalEntityID string         `json:"external_entity_id"`
	EventType        EventType      `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	ReceivedAt       time.Time      `json:"received_at"`
	DeliveryID       string         `json:"delivery_id,omitempty"`
}

// DedupKey identifies redeliveries of the same logical event. The sender's
// delivery id wins when present; otherwise the key is a SHA-256 over the
// entity id, event type and normalized payload.
func (e InboundEvent) DedupKey() string {
	if id := strings.TrimSpace(e.DeliveryID); id != "" {
		return "d:" + id
	}

	h := sha256.New()
	h.Write([]byte(e.ExternalEntityID))
	h.Write([]byte{0})
	h.Write([]byte(e.EventType))
	h.Write([]byte{0})
	h.Write(CanonicalPayload(e.Payload))
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// CanonicalPayload renders the payload as JSON with sorted keys, trimmed
// strings and every scalar in string form, so a form-encoded and a JSON
// delivery of the same data produce the same bytes.
func CanonicalPayload(payload map[string]any) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	// encoding/json sorts map keys, which gives a stable order.
	b, err := json.Marshal(normalize(payload))
	if err != nil {
		return []byte(fmt.Sprintf("%v", payload))
	}
	return b
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.TrimSpace(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strings.TrimSpace(val)
		}
		return out
	case nil:
		return nil
	default:
		return ScalarString(t)
	}
}

// ScalarString formats a payload scalar the same way regardless of whether it
// arrived as a JSON number, a bool or a string.
func ScalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
