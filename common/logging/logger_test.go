package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/common/middleware"
)

func TestNewWithWriter(t *testing.T) {
	tests := []struct {
		name   string
		format string
		isJSON bool
	}{
		{name: "json", format: "json", isJSON: true},
		{name: "text", format: "text", isJSON: false},
		{name: "empty defaults to json", format: "", isJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, slog.LevelInfo, tt.format)
			require.NotNil(t, logger)

			logger.Info("hello", "k", "v")

			var entry map[string]any
			err := json.Unmarshal(buf.Bytes(), &entry)
			if tt.isJSON {
				require.NoError(t, err)
				assert.Equal(t, "hello", entry["msg"])
			} else {
				assert.Error(t, err)
				assert.Contains(t, buf.String(), "msg=hello")
			}
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("crmsync"))

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	logger.InfoContext(ctx, "with request")
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"service":"crmsync"`, "attributes survive With")

	buf.Reset()
	logger.InfoContext(context.Background(), "without request")
	assert.NotContains(t, buf.String(), "request_id")

	buf.Reset()
	logger.InfoContext(ctx, "explicit", slog.String(FieldRequestID, "req-42"))
	assert.Equal(t, 1, strings.Count(buf.String(), "request_id"), "an explicit request ID is not duplicated")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, "json")

	logger.InfoContext(context.Background(), "dropped")
	assert.Empty(t, buf.String())

	logger.WarnContext(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "WARN")
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("crmsync"))

	logger.Info("started")
	assert.Contains(t, buf.String(), `"service":"crmsync"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{" error ", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	logger := New(slog.LevelInfo, "json")
	SetDefault(logger)
	assert.Same(t, logger, slog.Default())
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))

	l := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, OrDefault(l))
}
