package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onai-academy/platform/common/middleware"
	"github.com/onai-academy/platform/crmsync/internal/handlers"
)

// NewRouter constructs a ServeMux with the webhook and operator routes registered.
func NewRouter(h *handlers.SyncHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// CRM webhook intake
	mux.HandleFunc("POST /webhooks/crm", h.Webhook)

	// Operator API
	mux.HandleFunc("GET /admin/sync/stats", h.Stats)
	mux.HandleFunc("GET /admin/sync/attempts/{dedupKey...}", h.Attempts)
	mux.HandleFunc("GET /admin/sync/locks", h.Locks)
	mux.HandleFunc("DELETE /admin/sync/locks", h.ClearLocks)
	mux.HandleFunc("GET /admin/sync/reconcile", h.Reconcile)
	mux.HandleFunc("POST /admin/sync/reconcile/replay", h.ReplayReconcile)
	mux.HandleFunc("DELETE /admin/sync/reconcile", h.PurgeReconcile)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
