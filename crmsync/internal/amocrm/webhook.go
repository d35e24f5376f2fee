package amocrm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// ErrMalformed is returned for bodies that cannot be decoded at all.
var ErrMalformed = errors.New("malformed webhook body")

// ParseOptions tunes ParseWebhook.
type ParseOptions struct {
	// DeliveryID is the sender's delivery header, if any.
	DeliveryID string

	// IgnoreFields are volatile deal fields dropped from the payload so they
	// do not change the dedup key of a redelivery.
	IgnoreFields []string

	ReceivedAt time.Time
}

// utmAliases maps each attribution tag to the substrings that identify it in
// a custom field name, including the Russian labels used in the account.
var utmAliases = []struct {
	tag     string
	aliases []string
}{
	{"utm_source", []string{"utm_source", "источник"}},
	{"utm_medium", []string{"utm_medium", "канал"}},
	{"utm_campaign", []string{"utm_campaign", "кампания"}},
	{"utm_content", []string{"utm_content", "контент"}},
	{"utm_term", []string{"utm_term", "ключ"}},
	{"utm_id", []string{"utm_id"}},
}

// ParseWebhook decodes an amoCRM delivery into one event per deal.
//
// Form bodies use bracket notation (leads[status][0][id]=...). JSON bodies
// carry either {"leads": {"status": [...]}} or a flat {"leads": [...]}.
// A body with no leads yields no events and no error.
func ParseWebhook(contentType string, body []byte, opts ParseOptions) ([]models.InboundEvent, error) {
	if opts.ReceivedAt.IsZero() {
		opts.ReceivedAt = time.Now().UTC()
	}

	root, err := decode(contentType, body)
	if err != nil {
		return nil, err
	}

	var events []models.InboundEvent
	switch leads := root["leads"].(type) {
	case map[string]any:
		keys := make([]string, 0, len(leads))
		for k := range leads {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			eventType, err := models.ParseEventType(k)
			if err != nil {
				// delete, restore and other actions are not synced.
				continue
			}
			for _, deal := range asList(leads[k]) {
				if e, ok := buildEvent(deal, eventType, opts); ok {
					events = append(events, e)
				}
			}
		}
	case []any:
		for _, lead := range leads {
			m, ok := lead.(map[string]any)
			if !ok {
				continue
			}
			deals := asList(m["deals"])
			if len(deals) == 0 {
				deals = asList(m["update"])
			}
			if len(deals) == 0 {
				deals = []any{m}
			}
			for _, deal := range deals {
				if e, ok := buildEvent(deal, models.EventStatusChanged, opts); ok {
					events = append(events, e)
				}
			}
		}
	}
	return events, nil
}

func decode(contentType string, body []byte) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	if mediaType == "application/json" || (mediaType == "" && trimmed[0] == '{') {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var root map[string]any
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return root, nil
	}

	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return unflatten(values), nil
}

// unflatten turns bracket-notation form keys into nested maps, then turns
// maps keyed only by indexes into lists.
func unflatten(values url.Values) map[string]any {
	root := make(map[string]any)
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path := splitKey(key)
		cur := root
		for i, seg := range path {
			if i == len(path)-1 {
				cur[seg] = vals[len(vals)-1]
				break
			}
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
	}
	for k, child := range root {
		root[k] = listify(child)
	}
	return root
}

func splitKey(key string) []string {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}
	}
	return append([]string{head}, strings.Split(strings.TrimSuffix(rest, "]"), "][")...)
}

func listify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = listify(child)
	}
	if len(m) == 0 {
		return m
	}

	indexes := make([]int, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 {
			return m
		}
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)
	list := make([]any, 0, len(indexes))
	for _, n := range indexes {
		list = append(list, m[strconv.Itoa(n)])
	}
	return list
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	default:
		return nil
	}
}

func buildEvent(raw any, eventType models.EventType, opts ParseOptions) (models.InboundEvent, bool) {
	deal, ok := raw.(map[string]any)
	if !ok {
		return models.InboundEvent{}, false
	}
	id := models.ScalarString(deal["id"])
	if id == "" {
		return models.InboundEvent{}, false
	}

	payload := make(map[string]any)
	for k, v := range deal {
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		payload[k] = scalar(v)
	}
	if _, ok := payload["status_id"]; !ok {
		if p, ok := deal["pipeline"].(map[string]any); ok && p["status_id"] != nil {
			payload["status_id"] = scalar(p["status_id"])
		}
	}
	for tag, value := range extractUTM(deal) {
		payload[tag] = value
	}
	for _, f := range opts.IgnoreFields {
		delete(payload, f)
	}

	e := models.InboundEvent{
		ExternalEntityID: id,
		EventType:        eventType,
		Payload:          payload,
		ReceivedAt:       opts.ReceivedAt,
	}
	if d := strings.TrimSpace(opts.DeliveryID); d != "" {
		e.DeliveryID = d + "/" + id + "/" + string(eventType)
	}
	return e, true
}

// scalar keeps JSON numbers stable as strings.
func scalar(v any) any {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return v
}

// extractUTM collects attribution tags from custom_fields_values (v4 API),
// custom_fields (legacy), ref_ tags and direct fields. The first source to
// provide a tag wins.
func extractUTM(deal map[string]any) map[string]string {
	out := make(map[string]string)
	set := func(fieldName, value string) {
		name := strings.ToLower(fieldName)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			return
		}
		for _, u := range utmAliases {
			for _, alias := range u.aliases {
				if strings.Contains(name, alias) {
					if _, done := out[u.tag]; !done {
						out[u.tag] = value
					}
					return
				}
			}
		}
	}

	for _, raw := range asList(deal["custom_fields_values"]) {
		if f, ok := raw.(map[string]any); ok {
			set(models.ScalarString(f["field_name"]), firstValue(f))
		}
	}
	for _, raw := range asList(deal["custom_fields"]) {
		f, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := models.ScalarString(f["name"])
		if name == "" {
			name = models.ScalarString(f["code"])
		}
		set(name, firstValue(f))
	}
	if _, ok := out["utm_source"]; !ok {
		for _, raw := range asList(deal["tags"]) {
			if t, ok := raw.(map[string]any); ok {
				if name := models.ScalarString(t["name"]); strings.HasPrefix(strings.ToLower(name), "ref_") {
					out["utm_source"] = name
					break
				}
			}
		}
	}
	for _, u := range utmAliases {
		if _, ok := out[u.tag]; !ok {
			if v := models.ScalarString(deal[u.tag]); v != "" {
				out[u.tag] = v
			}
		}
	}
	return out
}

// firstValue reads values[0].value, values[0] or value from a custom field.
func firstValue(field map[string]any) string {
	if vals := asList(field["values"]); len(vals) > 0 {
		if m, ok := vals[0].(map[string]any); ok {
			return models.ScalarString(m["value"])
		}
		return models.ScalarString(vals[0])
	}
	return models.ScalarString(field["value"])
}
