// Package logging wraps log/slog with the conventions shared by every service
// in the platform: JSON output by default, the request ID stamped from the
// context, and a fixed vocabulary of field names.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/onai-academy/platform/common/middleware"
)

// New creates a logger writing to stdout.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w. Records logged with a context
// carrying a request ID get a request_id attribute.
func NewWithWriter(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelError,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(requestIDHandler{Handler: handler})
}

// requestIDHandler adds the context's request ID unless the record already
// carries one.
type requestIDHandler struct {
	slog.Handler
}

func (h requestIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if reqID := middleware.GetRequestID(ctx); reqID != "" && !hasAttr(r, FieldRequestID) {
		r = r.Clone()
		r.AddAttrs(slog.String(FieldRequestID, reqID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h requestIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestIDHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h requestIDHandler) WithGroup(name string) slog.Handler {
	return requestIDHandler{Handler: h.Handler.WithGroup(name)}
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}

// ParseLevel converts "debug", "info", "warn" or "error" to a slog.Level.
// Anything else yields slog.LevelInfo.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs l as slog's default logger.
func SetDefault(l *slog.Logger) {
	slog.SetDefault(l)
}

// OrDefault returns l, or slog.Default() when l is nil. Components accept an
// optional *slog.Logger and normalize it with this.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
