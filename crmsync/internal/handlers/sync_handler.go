package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/onai-academy/platform/common/httputil"
	"github.com/onai-academy/platform/common/logging"
	"github.com/onai-academy/platform/crmsync/internal/amocrm"
	"github.com/onai-academy/platform/crmsync/internal/metrics"
	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/internal/reconcile"
)

const (
	defaultStatsWindow = time.Hour
	defaultListLimit   = 100
	readyTimeout       = 2 * time.Second
)

// SyncService is what the handlers need from the sync service.
type SyncService interface {
	Submit(ctx context.Context, events []models.InboundEvent) (int, error)
	Stats(ctx context.Context, window time.Duration) (models.SyncStats, error)
	Attempts(ctx context.Context, dedupKey string) ([]models.SyncAttempt, error)
	Locks(ctx context.Context) ([]models.LockInfo, error)
	ClearLocks(ctx context.Context) (int, error)
	PendingReconcile(ctx context.Context, limit int) ([]reconcile.Entry, error)
	ReplayPending(ctx context.Context, limit int) (reconcile.DrainResult, error)
	PurgeReconcile(ctx context.Context) error
	ReconcileStats(ctx context.Context) reconcile.Stats
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Options configures SyncHandler.
type Options struct {
	// MaxBodyBytes caps webhook bodies. Zero means 1 MiB.
	MaxBodyBytes int64

	// DeliveryIDHeader names the header carrying the sender's delivery id.
	DeliveryIDHeader string

	// IgnoreFields are dropped from event payloads before dedup hashing.
	IgnoreFields []string

	// Ready lists the dependencies /readyz checks.
	Ready map[string]Check

	Logger *slog.Logger
}

type SyncHandler struct {
	service SyncService
	opts    Options
	logger  *slog.Logger
}

func NewSyncHandler(service SyncService, opts Options) *SyncHandler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &SyncHandler{
		service: service,
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger),
	}
}

// Webhook accepts a CRM delivery and queues its events. It answers 200 only
// once every accepted event is queued.
func (h *SyncHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhooksTotal.WithLabelValues("too_large").Inc()
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	logger := h.logger.With(logging.IP(httputil.GetClientIP(r)))

	var deliveryID string
	if h.opts.DeliveryIDHeader != "" {
		deliveryID = r.Header.Get(h.opts.DeliveryIDHeader)
	}
	events, err := amocrm.ParseWebhook(r.Header.Get("Content-Type"), body, amocrm.ParseOptions{
		DeliveryID:   deliveryID,
		IgnoreFields: h.opts.IgnoreFields,
		ReceivedAt:   time.Now().UTC(),
	})
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		logger.WarnContext(r.Context(), "rejected malformed webhook", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "malformed webhook body")
		return
	}

	queued, err := h.service.Submit(r.Context(), events)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unavailable").Inc()
		logger.ErrorContext(r.Context(), "failed to queue webhook events",
			slog.Int("events", len(events)),
			slog.Int("queued", queued),
			logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "events could not be queued, retry later")
		return
	}

	metrics.WebhooksTotal.WithLabelValues("queued").Inc()
	logger.DebugContext(r.Context(), "webhook queued",
		slog.Int("events", len(events)),
		slog.Int("queued", queued),
		logging.DeliveryID(deliveryID))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "queued",
		"events": queued,
	})
}

// Stats serves GET /admin/sync/stats?window=1h.
func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	window := httputil.ParseDurationParam(r, "window", defaultStatsWindow)
	stats, err := h.service.Stats(r.Context(), window)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to compute sync stats", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// Attempts serves GET /admin/sync/attempts/{dedupKey...}.
func (h *SyncHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("dedupKey"))
	if key == "" {
		httputil.WriteError(w, http.StatusBadRequest, "dedup key is required")
		return
	}

	attempts, err := h.service.Attempts(r.Context(), key)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load attempts", logging.DedupKey(key), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "attempts unavailable")
		return
	}
	if len(attempts) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "no attempts recorded for dedup key")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"dedup_key": key,
		"status":    models.Outcome(attempts),
		"attempts":  attempts,
	})
}

// Locks serves GET /admin/sync/locks.
func (h *SyncHandler) Locks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.service.Locks(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list locks", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "lock store unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"count": len(locks),
		"locks": locks,
	})
}

// ClearLocks serves DELETE /admin/sync/locks?confirm=true.
//
// Dangerous: workers holding a cleared lock keep running without mutual
// exclusion for their entity. Use only to recover from stuck locks.
func (h *SyncHandler) ClearLocks(w http.ResponseWriter, r *http.Request) {
	if !httputil.ParseBoolParam(r, "confirm") {
		httputil.WriteError(w, http.StatusBadRequest, "clearing all locks requires confirm=true")
		return
	}

	n, err := h.service.ClearLocks(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to clear locks", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "lock store unavailable")
		return
	}
	h.logger.WarnContext(r.Context(), "locks cleared through operator API",
		logging.IP(httputil.GetClientIP(r)),
		slog.Int("cleared", n))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// Reconcile serves GET /admin/sync/reconcile?limit=100.
func (h *SyncHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseIntParam(r, "limit", defaultListLimit)
	entries, err := h.service.PendingReconcile(r.Context(), limit)
	if err != nil {
		h.reconcileError(w, r, "failed to list reconcile entries", err)
		return
	}
	if entries == nil {
		entries = []reconcile.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"stats":   h.service.ReconcileStats(r.Context()),
		"entries": entries,
	})
}

// ReplayReconcile serves POST /admin/sync/reconcile/replay?limit=100.
func (h *SyncHandler) ReplayReconcile(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseIntParam(r, "limit", defaultListLimit)
	res, err := h.service.ReplayPending(r.Context(), limit)
	if err != nil {
		h.reconcileError(w, r, "failed to replay reconcile entries", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// PurgeReconcile serves DELETE /admin/sync/reconcile?confirm=true.
func (h *SyncHandler) PurgeReconcile(w http.ResponseWriter, r *http.Request) {
	if !httputil.ParseBoolParam(r, "confirm") {
		httputil.WriteError(w, http.StatusBadRequest, "purging the reconcile queue requires confirm=true")
		return
	}
	if err := h.service.PurgeReconcile(r.Context()); err != nil {
		h.reconcileError(w, r, "failed to purge reconcile queue", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *SyncHandler) reconcileError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, reconcile.ErrDisabled) {
		httputil.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), msg, logging.Error(err))
	httputil.WriteError(w, http.StatusServiceUnavailable, "reconcile queue unavailable")
}

// Health reports liveness.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every readiness check and answers 503 if any fails.
func (h *SyncHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.opts.Ready))
	for name := range h.opts.Ready {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.opts.Ready[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}
