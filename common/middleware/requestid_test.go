package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		existing string
	}{
		{name: "generates new request ID when not present"},
		{name: "propagates existing request ID", existing: "existing-req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", nil)
			if tt.existing != "" {
				req.Header.Set(RequestIDHeader, tt.existing)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			require.NotEmpty(t, got)
			assert.Equal(t, got, captured)

			if tt.existing != "" {
				assert.Equal(t, tt.existing, got)
			} else {
				_, err := uuid.Parse(got)
				assert.NoError(t, err, "generated request ID should be a UUID")
			}
		})
	}
}

func TestGetRequestIDMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetRequestID(req.Context()))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"status":503`)
	assert.Contains(t, out, `"request_id":"req-7"`)
	assert.Contains(t, out, `"path":"/webhooks/crm"`)
}
