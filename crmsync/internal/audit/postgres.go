package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onai-academy/platform/crmsync/internal/models"
	"github.com/onai-academy/platform/crmsync/migrations"
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DefaultPoolConfig returns the pool sizing used by the platform services.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: time.Minute,
	}
}

// Migrate applies the embedded schema migrations to the database at connString.
func Migrate(connString string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// PostgresLog implements Log on PostgreSQL.
type PostgresLog struct {
	pool   *pgxpool.Pool
	window time.Duration
}

// NewPostgresLog connects to the database. The schema must already exist;
// see Migrate.
func NewPostgresLog(ctx context.Context, connString string, poolCfg PoolConfig, window time.Duration) (*PostgresLog, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if poolCfg.MaxConns > 0 {
		config.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		config.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &PostgresLog{pool: pool, window: window}, nil
}

// Ping checks database connectivity.
func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Close closes the connection pool.
func (l *PostgresLog) Close() {
	l.pool.Close()
}

// Record implements Log.
func (l *PostgresLog) Record(ctx context.Context, attempt models.SyncAttempt, event models.InboundEvent) error {
	return l.write(ctx, attempt, event, true)
}

// RecordRefused implements Log.
func (l *PostgresLog) RecordRefused(ctx context.Context, attempt models.SyncAttempt, event models.InboundEvent) error {
	return l.write(ctx, attempt, event, false)
}

// write stores the event row and upserts attempt. An accepted write stamps
// accepted_at and always wins; a refused one leaves accepted_at alone and
// only replaces an attempt that is itself an error.
func (l *PostgresLog) write(ctx context.Context, attempt models.SyncAttempt, event models.InboundEvent, accepted bool) error {
	key := attempt.DedupKey
	if key == "" {
		key = event.DedupKey()
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.ExternalEntityID == "" {
		attempt.ExternalEntityID = event.ExternalEntityID
	}
	if attempt.AttemptCount < 1 {
		attempt.AttemptCount = 1
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if event.Payload == nil {
		payload = []byte("{}")
	}

	eventSQL := insertRefusedEventSQL
	attemptSQL := upsertRefusedAttemptSQL
	if accepted {
		eventSQL = insertAcceptedEventSQL
		attemptSQL = upsertAttemptSQL
	}

	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, eventSQL,
			key, event.ExternalEntityID, string(event.EventType), event.DeliveryID, string(payload), event.ReceivedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		_, err = tx.Exec(ctx, attemptSQL,
			attempt.ID, key, attempt.Target, attempt.ExternalEntityID, string(attempt.Status), attempt.AttemptCount,
			attempt.LastError, attempt.ErrorReason, attempt.RoutingReason, attempt.StartedAt, attempt.FinishedAt)
		if err != nil {
			return fmt.Errorf("upsert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

const (
	insertAcceptedEventSQL = `
		INSERT INTO sync_events (dedup_key, external_entity_id, event_type, delivery_id, payload, received_at, accepted_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6, now())
		ON CONFLICT (dedup_key) DO UPDATE SET
			accepted_at = COALESCE(sync_events.accepted_at, EXCLUDED.accepted_at)`

	insertRefusedEventSQL = `
		INSERT INTO sync_events (dedup_key, external_entity_id, event_type, delivery_id, payload, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6)
		ON CONFLICT (dedup_key) DO NOTHING`

	upsertAttemptSQL = `
		INSERT INTO sync_attempts (
			id, dedup_key, target, external_entity_id, status, attempt_count,
			last_error, error_reason, routing_reason, started_at, finished_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (dedup_key, target) DO UPDATE SET
			status         = EXCLUDED.status,
			attempt_count  = GREATEST(sync_attempts.attempt_count, EXCLUDED.attempt_count),
			last_error     = EXCLUDED.last_error,
			error_reason   = EXCLUDED.error_reason,
			routing_reason = COALESCE(NULLIF(EXCLUDED.routing_reason, ''), sync_attempts.routing_reason),
			finished_at    = EXCLUDED.finished_at,
			updated_at     = now()`

	upsertRefusedAttemptSQL = upsertAttemptSQL + `
		WHERE sync_attempts.status = 'error'`
)

// WasSeen implements Log.
func (l *PostgresLog) WasSeen(ctx context.Context, dedupKey string) (bool, error) {
	var seen bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_events WHERE dedup_key = $1 AND accepted_at > $2)`,
		dedupKey, time.Now().Add(-l.window),
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return seen, nil
}

// Attempts implements Log.
func (l *PostgresLog) Attempts(ctx context.Context, dedupKey string) ([]models.SyncAttempt, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id::text, dedup_key, target, external_entity_id, status, attempt_count,
		       last_error, error_reason, routing_reason, started_at, finished_at
		FROM sync_attempts
		WHERE dedup_key = $1
		ORDER BY target
	`, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.SyncAttempt
	for rows.Next() {
		var (
			a      models.SyncAttempt
			status string
		)
		if err := rows.Scan(&a.ID, &a.DedupKey, &a.Target, &a.ExternalEntityID, &status, &a.AttemptCount,
			&a.LastError, &a.ErrorReason, &a.RoutingReason, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = models.AttemptStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// RecentStats implements Log.
func (l *PostgresLog) RecentStats(ctx context.Context, window time.Duration) (models.SyncStats, error) {
	now := time.Now()
	cutoff := now.Add(-window)
	stats := models.NewSyncStats(window, now)

	rows, err := l.pool.Query(ctx, `
		SELECT status, error_reason, count(*)
		FROM sync_attempts
		WHERE updated_at > $1
		GROUP BY status, error_reason
	`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("query attempt counts: %w", err)
	}
	for rows.Next() {
		var (
			status, reason string
			n              int
		)
		if err := rows.Scan(&status, &reason, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan attempt counts: %w", err)
		}
		stats.Attempts[models.AttemptStatus(status)] += n
		if models.AttemptStatus(status) == models.StatusError && reason != "" {
			stats.Errors[reason] += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate attempt counts: %w", err)
	}

	var finished int
	err = l.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM sync_events WHERE accepted_at > $1),
			(SELECT count(*) FROM sync_attempts WHERE finished_at > $1),
			(SELECT count(*) FROM (
				SELECT dedup_key
				FROM sync_attempts
				WHERE updated_at > $1
				GROUP BY dedup_key
				HAVING bool_or(status = 'success')
				   AND bool_or(status <> 'success')
				   AND bool_and(status <> 'pending')
			) partial)
	`, cutoff).Scan(&stats.EventsSeen, &finished, &stats.PartialEvents)
	if err != nil {
		return stats, fmt.Errorf("query event counts: %w", err)
	}

	if window > 0 {
		stats.Throughput = float64(finished) / window.Seconds()
	}
	return stats, nil
}
