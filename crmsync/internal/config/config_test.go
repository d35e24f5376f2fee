package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onai-academy/platform/crmsync/internal/routing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_WithDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, int32(25), cfg.Database.Pool.MaxConns)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 10000, cfg.Queue.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 7, cfg.RateLimit.Capacity)
	assert.Equal(t, 7.0, cfg.RateLimit.RefillPerSecond)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.OpenDuration)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Worker.ProcessTimeout)
	assert.Equal(t, "amocrm", cfg.Worker.DefaultDependency)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.Window)
	assert.Equal(t, []string{"last_modified", "updated_at"}, cfg.Dedup.IgnoreFields)
	assert.Equal(t, int64(1048576), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, "file", cfg.Reconcile.Backend)
	assert.Equal(t, 5, cfg.Reconcile.MaxReplays)
	assert.Empty(t, cfg.Webhook.Accept)

	rules, err := cfg.RoutingRules()
	require.NoError(t, err)
	assert.Nil(t, rules, "built-in rules apply")
}

func TestLoad_FromFile(t *testing.T) {
	path := writeFile(t, "crmsync.yaml", `
server:
  port: 9000
queue:
  backend: jetstream
ratelimit:
  dependencies:
    amocrm:
      capacity: 5
      refill_per_second: 2.5
breaker:
  dependencies:
    downstream:
      failure_threshold: 3
      open_duration: 30s
worker:
  targets:
    - name: referral
      fields:
        pipeline_stage: referral
        deal_id: $id
      downstream: true
webhook:
  accept:
    - field: pipeline_id
      equals: ["10418746"]
    - field: status_id
      equals: ["142"]
routing:
  rules:
    - name: vip
      target: vip
      when:
        - field: price
          min: 100000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "jetstream", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.RateLimit.Dependencies["amocrm"].Capacity)
	assert.Equal(t, 2.5, cfg.RateLimit.Dependencies["amocrm"].RefillPerSecond)
	assert.Equal(t, 3, cfg.Breaker.Dependencies["downstream"].FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Dependencies["downstream"].OpenDuration)

	require.Len(t, cfg.Worker.Targets, 1)
	assert.Equal(t, "referral", cfg.Worker.Targets[0].Name)
	assert.Equal(t, "$id", cfg.Worker.Targets[0].Fields["deal_id"])
	assert.True(t, cfg.Worker.Targets[0].Downstream)

	require.Len(t, cfg.Webhook.Accept, 2)
	assert.True(t, cfg.Webhook.Accept[0].Matches(map[string]any{"pipeline_id": "10418746"}))

	rules, err := cfg.RoutingRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].When[0].Min)
	assert.Equal(t, 100000.0, *rules[0].When[0].Min)

	wc := cfg.WorkerConfig()
	assert.Equal(t, cfg.Lock.TTL, wc.LockTTL)
	assert.Equal(t, cfg.Retry, wc.Retry)
	assert.Len(t, wc.Targets, 1)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CRMSYNC_SERVER_PORT", "9100")
	t.Setenv("CRMSYNC_LOCK_BACKEND", "redis")
	t.Setenv("CRMSYNC_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown queue backend", "queue:\n  backend: kafka\n", "queue.backend"},
		{"zero attempts", "retry:\n  max_attempts: 0\n", "retry.max_attempts"},
		{"negative refill", "ratelimit:\n  refill_per_second: -1\n", "ratelimit.refill_per_second"},
		{"max delay below base", "retry:\n  base_delay: 2s\n  max_delay: 1s\n", "retry.max_delay"},
		{"accept without field", "webhook:\n  accept:\n    - equals: [\"1\"]\n", "webhook.accept[0]"},
		{"rule without target", "routing:\n  rules:\n    - name: x\n      when:\n        - field: a\n          exists: true\n", "routing.rules"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRoutingRulesFromFile(t *testing.T) {
	rulesPath := writeFile(t, "rules.yaml", `
rules:
  - name: partner
    target: referral
    when:
      - field: utm_source
        prefix: [partner_]
`)
	cfg, err := Load(writeFile(t, "config.yaml", "routing:\n  rules_file: "+rulesPath+"\n"))
	require.NoError(t, err)

	rules, err := cfg.RoutingRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, routing.TargetReferral, rules[0].Target)

	cfg.Routing.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.RoutingRules()
	assert.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "jetstream", cfg.Queue.Backend)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "jetstream", cfg.Reconcile.Backend)
	assert.True(t, cfg.Downstream.Enabled)
	assert.Len(t, cfg.Worker.Targets, 2)

	won := map[string]any{"pipeline_id": "10418746", "status_id": "142"}
	lost := map[string]any{"pipeline_id": "10418746", "status_id": "143"}
	for _, c := range cfg.Webhook.Accept {
		assert.True(t, c.Matches(won))
	}
	assert.False(t, cfg.Webhook.Accept[0].Matches(lost) && cfg.Webhook.Accept[1].Matches(lost))
}
