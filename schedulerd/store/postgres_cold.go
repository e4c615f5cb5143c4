package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchemaDDL = `
CREATE TABLE IF NOT EXISTS event_schedules (
    schedule_id       TEXT PRIMARY KEY,
    topic             TEXT NOT NULL,
    entity_type       TEXT NOT NULL DEFAULT '',
    action            TEXT NOT NULL DEFAULT '',
    body              BYTEA,
    correlation_id    TEXT NOT NULL DEFAULT '',
    headers           JSONB,
    status            TEXT NOT NULL CHECK (status IN ('pending', 'transferring', 'succeeded', 'failed', 'cancelled')),
    origin            TEXT NOT NULL DEFAULT 'direct',
    priority          SMALLINT NOT NULL DEFAULT 0,
    retry_count       SMALLINT NOT NULL DEFAULT 0,
    max_delay_seconds INTEGER NOT NULL,
    node_id           TEXT NOT NULL DEFAULT '',
    error             TEXT NOT NULL DEFAULT '',
    scheduled_at      TIMESTAMPTZ NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_schedules_due
    ON event_schedules (scheduled_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_event_schedules_correlation
    ON event_schedules (correlation_id);
`

const pgColdColumns = "schedule_id, topic, entity_type, action, body, correlation_id, headers, " +
	"status, origin, priority, retry_count, max_delay_seconds, node_id, error, " +
	"scheduled_at, created_at, updated_at"

// PostgresColdStore implements ColdStore on Postgres. Unlike the ClickHouse
// backend it gets conditional transitions for free: a status-guarded UPDATE
// reports rows affected, so no read-back is needed.
type PostgresColdStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

func NewPostgresColdStore(ctx context.Context, connString string, retentionDays int) (*PostgresColdStore, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Transient(fmt.Errorf("postgres ping: %w", err))
	}
	if _, err := pool.Exec(ctx, pgSchemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresColdStore{
		pool:      pool,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

func (s *PostgresColdStore) Insert(ctx context.Context, evt *ScheduledEvent) error {
	origin := evt.Origin
	if origin == "" {
		origin = OriginDirect
	}
	query := `
		INSERT INTO event_schedules (` + pgColdColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (schedule_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		evt.ScheduleID, evt.Topic, evt.EntityType, evt.Action, evt.Body,
		evt.CorrelationID, evt.Headers,
		string(StatusPending), string(origin),
		evt.Priority, evt.RetryCount, evt.MaxDelaySeconds,
		"", "",
		evt.ScheduledAt.UTC(), evt.CreatedAt.UTC(), evt.UpdatedAt.UTC(),
	)
	if err != nil {
		return Transient(fmt.Errorf("postgres insert: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	existing, err := s.Get(ctx, evt.ScheduleID)
	if err != nil {
		return err
	}
	if existing.Equivalent(evt) {
		return nil
	}
	return ErrConflict
}

func (s *PostgresColdStore) Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error) {
	query := `SELECT ` + pgColdColumns + ` FROM event_schedules WHERE schedule_id = $1`
	evt, err := scanPgEvent(s.pool.QueryRow(ctx, query, scheduleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("postgres get: %w", err))
	}
	return evt, nil
}

func (s *PostgresColdStore) ScanDueForTransfer(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*ScheduledEvent, error) {
	query := `
		SELECT ` + pgColdColumns + ` FROM event_schedules
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC, priority DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now.Add(horizon).UTC(), limit)
	if err != nil {
		return nil, Transient(fmt.Errorf("postgres scan due: %w", err))
	}
	defer rows.Close()

	var due []*ScheduledEvent
	for rows.Next() {
		evt, err := scanPgEvent(rows)
		if err != nil {
			return nil, Transient(fmt.Errorf("postgres scan due row: %w", err))
		}
		due = append(due, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(fmt.Errorf("postgres scan due rows: %w", err))
	}
	return due, nil
}

func (s *PostgresColdStore) MarkTransferring(ctx context.Context, scheduleID, nodeID string) (bool, error) {
	query := `
		UPDATE event_schedules SET status = 'transferring', node_id = $2, updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID, nodeID)
	if err != nil {
		return false, Transient(fmt.Errorf("postgres mark transferring: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresColdStore) FinalizeTransferred(ctx context.Context, scheduleID string) (bool, error) {
	query := `
		UPDATE event_schedules SET status = 'succeeded', updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'transferring'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return false, Transient(fmt.Errorf("postgres finalize: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresColdStore) RevertTransfer(ctx context.Context, scheduleID string) (bool, error) {
	query := `
		UPDATE event_schedules SET status = 'pending', node_id = '', updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'transferring'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return false, Transient(fmt.Errorf("postgres revert: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresColdStore) ReapStuckTransfers(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	query := `
		UPDATE event_schedules SET status = 'pending', node_id = '', updated_at = NOW()
		WHERE status = 'transferring' AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(-threshold).UTC())
	if err != nil {
		return 0, Transient(fmt.Errorf("postgres reap stuck: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresColdStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	query := `
		UPDATE event_schedules SET status = 'cancelled', updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return false, Transient(fmt.Errorf("postgres cancel: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresColdStore) MarkFinal(ctx context.Context, scheduleID string, status Status, errMsg string) error {
	query := `
		UPDATE event_schedules SET status = $2, error = $3, updated_at = NOW()
		WHERE schedule_id = $1 AND status != 'cancelled'
	`
	if _, err := s.pool.Exec(ctx, query, scheduleID, string(status), errMsg); err != nil {
		return Transient(fmt.Errorf("postgres mark final: %w", err))
	}
	return nil
}

func (s *PostgresColdStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM event_schedules
		WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(-s.retention).UTC())
	if err != nil {
		return 0, Transient(fmt.Errorf("postgres cleanup: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresColdStore) List(ctx context.Context, status Status, limit int) ([]*ScheduledEvent, error) {
	query := `SELECT ` + pgColdColumns + ` FROM event_schedules ORDER BY updated_at DESC LIMIT $1`
	args := []interface{}{limit}
	if status != "" {
		query = `SELECT ` + pgColdColumns + ` FROM event_schedules WHERE status = $2 ORDER BY updated_at DESC LIMIT $1`
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Transient(fmt.Errorf("postgres list: %w", err))
	}
	defer rows.Close()

	var out []*ScheduledEvent
	for rows.Next() {
		evt, err := scanPgEvent(rows)
		if err != nil {
			return nil, Transient(fmt.Errorf("postgres list row: %w", err))
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(fmt.Errorf("postgres list rows: %w", err))
	}
	return out, nil
}

func (s *PostgresColdStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_schedules WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, Transient(fmt.Errorf("postgres count pending: %w", err))
	}
	return n, nil
}

func (s *PostgresColdStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

func (s *PostgresColdStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgEvent(row pgx.Row) (*ScheduledEvent, error) {
	var (
		evt    ScheduledEvent
		status string
		origin string
	)
	err := row.Scan(
		&evt.ScheduleID, &evt.Topic, &evt.EntityType, &evt.Action, &evt.Body,
		&evt.CorrelationID, &evt.Headers, &status, &origin, &evt.Priority,
		&evt.RetryCount, &evt.MaxDelaySeconds, &evt.NodeID, &evt.Error,
		&evt.ScheduledAt, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	evt.Status = Status(status)
	evt.Origin = Origin(origin)
	return &evt, nil
}

var _ ColdStore = (*PostgresColdStore)(nil)
