package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/common/middleware"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/queue"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
)

type mockSyncService struct {
	submitted []models.InboundEvent
	submitErr error

	window   time.Duration
	stats    models.SyncStats
	statsErr error

	attempts map[string][]models.SyncAttempt
	locks    []models.LockInfo
	cleared  int

	entries      []reconcile.Entry
	replayed     reconcile.DrainResult
	reconcileErr error
	purged       bool
}

func (m *mockSyncService) Submit(_ context.Context, events []models.InboundEvent) (int, error) {
	if m.submitErr != nil {
		return 0, m.submitErr
	}
	m.submitted = append(m.submitted, events...)
	return len(events), nil
}

func (m *mockSyncService) Stats(_ context.Context, window time.Duration) (models.SyncStats, error) {
	m.window = window
	return m.stats, m.statsErr
}

func (m *mockSyncService) Attempts(_ context.Context, key string) ([]models.SyncAttempt, error) {
	return m.attempts[key], nil
}

func (m *mockSyncService) Locks(context.Context) ([]models.LockInfo, error) {
	return m.locks, nil
}

func (m *mockSyncService) ClearLocks(context.Context) (int, error) {
	m.cleared = len(m.locks)
	m.locks = nil
	return m.cleared, nil
}

func (m *mockSyncService) PendingReconcile(_ context.Context, limit int) ([]reconcile.Entry, error) {
	if m.reconcileErr != nil {
		return nil, m.reconcileErr
	}
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockSyncService) ReplayPending(context.Context, int) (reconcile.DrainResult, error) {
	return m.replayed, m.reconcileErr
}

func (m *mockSyncService) PurgeReconcile(context.Context) error {
	if m.reconcileErr != nil {
		return m.reconcileErr
	}
	m.purged = true
	return nil
}

func (m *mockSyncService) ReconcileStats(context.Context) reconcile.Stats {
	return reconcile.Stats{Enabled: m.reconcileErr == nil, Backend: "file", Pending: len(m.entries)}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

const statusWebhook = "leads%5Bstatus%5D%5B0%5D%5Bid%5D=31337" +
	"&leads%5Bstatus%5D%5B0%5D%5Bstatus_id%5D=142" +
	"&leads%5Bstatus%5D%5B0%5D%5Bpipeline_id%5D=10418746" +
	"&leads%5Bstatus%5D%5B0%5D%5Blast_modified%5D=1767225600"

func TestWebhook_Queued(t *testing.T) {
	svc := &mockSyncService{}
	h := NewSyncHandler(svc, Options{
		DeliveryIDHeader: "X-Delivery-Id",
		IgnoreFields:     []string{"last_modified"},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(statusWebhook))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Delivery-Id", "hook-1")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, 1.0, body["events"])

	require.Len(t, svc.submitted, 1)
	e := svc.submitted[0]
	assert.Equal(t, "31337", e.ExternalEntityID)
	assert.Equal(t, "hook-1/31337/status_changed", e.DeliveryID)
	assert.NotContains(t, e.Payload, "last_modified")
}

func TestWebhook_EmptyDeliveryIsAcknowledged(t *testing.T) {
	svc := &mockSyncService{}
	h := NewSyncHandler(svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(`{"account":{"id":1}}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0.0, decodeBody(t, rr)["events"])
}

func TestWebhook_Malformed(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{}, Options{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(`{"leads": [`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "malformed webhook body", decodeBody(t, rr)["error"])
}

func TestWebhook_TooLarge(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{}, Options{MaxBodyBytes: 16})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(statusWebhook))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestWebhook_QueueFull(t *testing.T) {
	svc := &mockSyncService{submitErr: queue.ErrQueueFull}
	h := NewSyncHandler(svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", strings.NewReader(statusWebhook))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestStats(t *testing.T) {
	svc := &mockSyncService{stats: models.SyncStats{EventsSeen: 12, QueueDepth: 3}}
	h := NewSyncHandler(svc, Options{})

	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/stats?window=15m", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 15*time.Minute, svc.window)
	body := decodeBody(t, rr)
	assert.Equal(t, 12.0, body["events_seen"])
	assert.Equal(t, 3.0, body["queue_depth"])

	rr = httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/stats", nil))
	assert.Equal(t, time.Hour, svc.window)

	svc.statsErr = errors.New("db down")
	rr = httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAttempts(t *testing.T) {
	key := "31337/status_changed/abc"
	svc := &mockSyncService{attempts: map[string][]models.SyncAttempt{
		key: {
			{DedupKey: key, Target: "referral", Status: models.StatusSuccess, AttemptCount: 1},
			{DedupKey: key, Target: "downstream", Status: models.StatusError, AttemptCount: 3},
		},
	}}
	h := NewSyncHandler(svc, Options{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/sync/attempts/{dedupKey...}", h.Attempts)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/attempts/"+key, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, key, body["dedup_key"])
	assert.Equal(t, string(models.StatusPartial), body["status"])
	assert.Len(t, body["attempts"], 2)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/attempts/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLocks(t *testing.T) {
	svc := &mockSyncService{locks: []models.LockInfo{
		{Key: "31337", Owner: "worker-a", ExpiresAt: time.Now().Add(time.Minute)},
	}}
	h := NewSyncHandler(svc, Options{})

	rr := httptest.NewRecorder()
	h.Locks(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/locks", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1.0, decodeBody(t, rr)["count"])

	rr = httptest.NewRecorder()
	h.ClearLocks(rr, httptest.NewRequest(http.MethodDelete, "/admin/sync/locks", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code, "clearing requires confirmation")
	assert.Len(t, svc.locks, 1)

	rr = httptest.NewRecorder()
	h.ClearLocks(rr, httptest.NewRequest(http.MethodDelete, "/admin/sync/locks?confirm=true", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1.0, decodeBody(t, rr)["cleared"])
	assert.Empty(t, svc.locks)
}

func TestClearLocks_LogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	svc := &mockSyncService{locks: []models.LockInfo{{Key: "31337"}}}
	h := NewSyncHandler(svc, Options{Logger: logging.NewWithWriter(&buf, slog.LevelInfo, "json")})

	req := httptest.NewRequest(http.MethodDelete, "/admin/sync/locks?confirm=true", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-9")
	rr := httptest.NewRecorder()
	middleware.RequestID(http.HandlerFunc(h.ClearLocks)).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, buf.String(), "locks cleared through operator API")
	assert.Equal(t, 1, strings.Count(buf.String(), `"request_id":"req-9"`))
}

func TestReconcile(t *testing.T) {
	svc := &mockSyncService{
		entries: []reconcile.Entry{
			{ID: "a", Targets: []string{"referral"}},
			{ID: "b", Targets: []string{"downstream"}},
		},
		replayed: reconcile.DrainResult{Replayed: 2},
	}
	h := NewSyncHandler(svc, Options{})

	rr := httptest.NewRecorder()
	h.Reconcile(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/reconcile?limit=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Len(t, body["entries"], 1)

	rr = httptest.NewRecorder()
	h.ReplayReconcile(rr, httptest.NewRequest(http.MethodPost, "/admin/sync/reconcile/replay", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var res reconcile.DrainResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 2, res.Replayed)

	rr = httptest.NewRecorder()
	h.PurgeReconcile(rr, httptest.NewRequest(http.MethodDelete, "/admin/sync/reconcile", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, svc.purged)

	rr = httptest.NewRecorder()
	h.PurgeReconcile(rr, httptest.NewRequest(http.MethodDelete, "/admin/sync/reconcile?confirm=true", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, svc.purged)
}

func TestReconcile_Disabled(t *testing.T) {
	h := NewSyncHandler(&mockSyncService{reconcileErr: reconcile.ErrDisabled}, Options{})

	rr := httptest.NewRecorder()
	h.Reconcile(rr, httptest.NewRequest(http.MethodGet, "/admin/sync/reconcile", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ReplayReconcile(rr, httptest.NewRequest(http.MethodPost, "/admin/sync/reconcile/replay", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthAndReady(t *testing.T) {
	var redisErr error
	h := NewSyncHandler(&mockSyncService{}, Options{Ready: map[string]Check{
		"queue": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return redisErr },
	}})

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decodeBody(t, rr)["status"])

	redisErr = errors.New("connection refused")
	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeBody(t, rr)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["queue"])
	assert.Equal(t, "connection refused", checks["redis"])
}
