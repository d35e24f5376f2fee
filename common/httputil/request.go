package httputil

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// GetClientIP extracts the client address, preferring the first entry of
// X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// ParseIntParam parses an integer query parameter, returning defaultVal when
// the parameter is missing or invalid.
func ParseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// ParseDurationParam parses a Go duration query parameter ("15m", "24h"),
// returning defaultVal when the parameter is missing, invalid or not positive.
func ParseDurationParam(r *http.Request, name string, defaultVal time.Duration) time.Duration {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// ParseBoolParam reports whether the query parameter is a true value.
func ParseBoolParam(r *http.Request, name string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && b
}
