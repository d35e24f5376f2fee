package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/cli/pkg/output"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{"stats": false, "attempts": false, "locks": false, "reconcile": false, "use": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "expected command %q to be registered", name)
	}

	assert.NotNil(t, locksClearCmd.Flags().Lookup("yes"))
	assert.NotNil(t, reconcilePurgeCmd.Flags().Lookup("yes"))
	assert.NotNil(t, statsCmd.Flags().Lookup("window"))
}

// run executes the CLI against server and returns what it printed.
func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr, oldNoColor := output.Stdout, output.Stderr, color.NoColor
	output.Stdout, output.Stderr, color.NoColor = &out, &errOut, true
	t.Cleanup(func() {
		output.Stdout, output.Stderr, color.NoColor = oldOut, oldErr, oldNoColor
	})

	base := []string{"--config", filepath.Join(t.TempDir(), "config.yaml"), "--server", server}
	rootCmd.SetArgs(append(base, args...))
	err := rootCmd.Execute()
	return out.String() + errOut.String(), err
}

func newServer(t *testing.T, clears *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/sync/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"window_seconds": 3600,
			"events_seen":    12,
			"queue_depth":    3,
			"attempts":       map[string]int{"success": 11, "error": 1},
			"breakers":       map[string]string{"amocrm": "open"},
		})
	})
	mux.HandleFunc("DELETE /admin/sync/locks", func(w http.ResponseWriter, r *http.Request) {
		*clears++
		json.NewEncoder(w).Encode(map[string]int{"cleared": 2})
	})
	mux.HandleFunc("GET /admin/sync/reconcile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "reconcile queue not enabled"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestStatsCommand(t *testing.T) {
	var clears int
	server := newServer(t, &clears)

	out, err := run(t, server.URL, "stats", "--window", "1h", "--output", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Window: 1h0m0s")
	assert.Contains(t, out, "events seen")
	assert.Contains(t, out, "breaker amocrm")
	assert.Contains(t, out, "open")

	out, err = run(t, server.URL, "stats", "--output", "json")
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 12.0, st["events_seen"])
}

func TestLocksClearRequiresConfirmation(t *testing.T) {
	var clears int
	server := newServer(t, &clears)

	out, err := run(t, server.URL, "locks", "clear", "--yes=false", "--output", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "--yes")
	assert.Equal(t, 0, clears)

	out, err = run(t, server.URL, "locks", "clear", "--yes", "--output", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 2 lock(s)")
	assert.Equal(t, 1, clears)
}

func TestAPIErrorsSurface(t *testing.T) {
	var clears int
	server := newServer(t, &clears)

	out, err := run(t, server.URL, "reconcile", "list", "--output", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile queue not enabled")
	assert.Contains(t, out, "✗")
}
