// Package httputil contains small helpers for JSON HTTP handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onai-academy/platform/common/logging"
)

// WriteJSON writes data as a JSON response with the given status code. The
// status line is already sent when encoding fails, so the failure is only
// logged.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.Int("status", status), logging.Error(err))
	}
}

// WriteError writes {"error": message} with the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
