package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SyncClient calls the crmsync operator API.
type SyncClient struct {
	baseURL string
	client  *http.Client
}

type Stats struct {
	WindowSeconds         int64             `json:"window_seconds"`
	EventsSeen            int               `json:"events_seen"`
	PartialEvents         int               `json:"partial_events"`
	Attempts              map[string]int    `json:"attempts"`
	Errors                map[string]int    `json:"errors_by_reason"`
	Throughput            float64           `json:"throughput_per_sec"`
	QueueDepth            int               `json:"queue_depth"`
	EstimatedDrainSeconds float64           `json:"estimated_drain_seconds"`
	ReconcilePending      int               `json:"reconcile_pending"`
	Breakers              map[string]string `json:"breakers,omitempty"`
	ActiveLocks           int               `json:"active_locks"`
	GeneratedAt           time.Time         `json:"generated_at"`
}

type Attempt struct {
	ID               string     `json:"id"`
	DedupKey         string     `json:"dedup_key"`
	Target           string     `json:"target"`
	ExternalEntityID string     `json:"external_entity_id"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	ErrorReason      string     `json:"error_reason,omitempty"`
	RoutingReason    string     `json:"routing_reason,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

type AttemptsResponse struct {
	DedupKey string    `json:"dedup_key"`
	Status   string    `json:"status"`
	Attempts []Attempt `json:"attempts"`
}

type Lock struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ReconcileEvent struct {
	ExternalEntityID string `json:"external_entity_id"`
	EventType        string `json:"event_type"`
}

type ReconcileEntry struct {
	ID            string         `json:"id"`
	Event         ReconcileEvent `json:"event"`
	Targets       []string       `json:"targets"`
	PriorAttempts map[string]int `json:"prior_attempts"`
	Reason        string         `json:"reason"`
	LastError     string         `json:"last_error,omitempty"`
	Replays       int            `json:"replays"`
	CreatedAt     time.Time      `json:"created_at"`
}

type ReconcileStats struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend,omitempty"`
	Pending int    `json:"pending"`
	Written uint64 `json:"written"`
	Error   string `json:"error,omitempty"`
}

type ReconcileList struct {
	Stats   ReconcileStats   `json:"stats"`
	Entries []ReconcileEntry `json:"entries"`
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func NewSyncClient(baseURL string) *SyncClient {
	return &SyncClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SyncClient) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	q := url.Values{}
	if window > 0 {
		q.Set("window", window.String())
	}
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/admin/sync/stats", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SyncClient) Attempts(ctx context.Context, dedupKey string) (*AttemptsResponse, error) {
	var out AttemptsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/sync/attempts/"+escapeKey(dedupKey), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SyncClient) Locks(ctx context.Context) ([]Lock, error) {
	var out struct {
		Locks []Lock `json:"locks"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/sync/locks", nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

func (c *SyncClient) ClearLocks(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodDelete, "/admin/sync/locks", url.Values{"confirm": {"true"}}, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}

func (c *SyncClient) Reconcile(ctx context.Context, limit int) (*ReconcileList, error) {
	var out ReconcileList
	if err := c.do(ctx, http.MethodGet, "/admin/sync/reconcile", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SyncClient) Replay(ctx context.Context, limit int) (*ReplayResult, error) {
	var out ReplayResult
	if err := c.do(ctx, http.MethodPost, "/admin/sync/reconcile/replay", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SyncClient) PurgeReconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/admin/sync/reconcile", url.Values{"confirm": {"true"}}, nil)
}

func (c *SyncClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// escapeKey escapes each segment of a dedup key; keys contain slashes.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}
