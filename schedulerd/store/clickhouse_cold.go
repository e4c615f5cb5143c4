package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// coldTable holds every schedule that entered through the cold tier. Rows are
// updated in place with status-guarded mutations; the sorting key excludes
// status because ClickHouse cannot mutate key columns.
const coldTable = "event_schedules"

const coldColumns = "schedule_id, topic, entity_type, action, body, correlation_id, headers, " +
	"status, origin, priority, retry_count, max_delay_seconds, node_id, error, " +
	"scheduled_at, created_at, updated_at"

func coldSchemaDDL(ttlDays int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    schedule_id       String,
    topic             String,
    entity_type       String,
    action            String,
    body              String,
    correlation_id    String,
    headers           String,
    status            LowCardinality(String),
    origin            LowCardinality(String),
    priority          Int16,
    retry_count       UInt8,
    max_delay_seconds UInt32,
    node_id           String,
    error             String,
    scheduled_at      DateTime64(6, 'UTC'),
    created_at        DateTime64(6, 'UTC'),
    updated_at        DateTime64(6, 'UTC'),
    INDEX idx_schedule_id schedule_id TYPE bloom_filter GRANULARITY 4,
    INDEX idx_correlation correlation_id TYPE bloom_filter GRANULARITY 4,
    INDEX idx_status status TYPE set(8) GRANULARITY 4
)
ENGINE = MergeTree
PARTITION BY toYYYYMMDD(scheduled_at)
ORDER BY (scheduled_at, priority, schedule_id)
TTL toDateTime(updated_at) + INTERVAL %d DAY DELETE WHERE status IN ('succeeded', 'failed', 'cancelled')
`, coldTable, ttlDays)
}

// ClickHouseOptions configures the reference cold backend.
type ClickHouseOptions struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	RetentionDays int
}

// ClickHouseColdStore implements ColdStore on a MergeTree table. Mutations
// run with mutations_sync=1 so a read-back immediately after an ALTER UPDATE
// observes the result; every conditional transition is a guarded mutation
// followed by a read-back ownership check, never a blind write.
type ClickHouseColdStore struct {
	conn      driver.Conn
	retention time.Duration
}

func NewClickHouseColdStore(ctx context.Context, opts ClickHouseOptions) (*ClickHouseColdStore, error) {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"mutations_sync": 1,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, Transient(fmt.Errorf("clickhouse ping: %w", err))
	}
	if err := conn.Exec(ctx, coldSchemaDDL(opts.RetentionDays)); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return &ClickHouseColdStore{
		conn:      conn,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
	}, nil
}

func (s *ClickHouseColdStore) Insert(ctx context.Context, evt *ScheduledEvent) error {
	existing, err := s.Get(ctx, evt.ScheduleID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Equivalent(evt) {
			return nil
		}
		return ErrConflict
	}

	headers, err := encodeHeaders(evt.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	origin := evt.Origin
	if origin == "" {
		origin = OriginDirect
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", coldTable, coldColumns)
	err = s.conn.Exec(ctx, query,
		evt.ScheduleID, evt.Topic, evt.EntityType, evt.Action, string(evt.Body),
		evt.CorrelationID, headers,
		string(StatusPending), string(origin),
		int16(evt.Priority), uint8(evt.RetryCount), uint32(evt.MaxDelaySeconds),
		"", "",
		evt.ScheduledAt.UTC(), evt.CreatedAt.UTC(), evt.UpdatedAt.UTC(),
	)
	if err != nil {
		return Transient(fmt.Errorf("clickhouse insert: %w", err))
	}
	return nil
}

func (s *ClickHouseColdStore) Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE schedule_id = ? ORDER BY updated_at DESC LIMIT 1", coldColumns, coldTable)
	evt, err := scanColdEvent(s.conn.QueryRow(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, Transient(fmt.Errorf("clickhouse get: %w", err))
	}
	return evt, nil
}

func (s *ClickHouseColdStore) ScanDueForTransfer(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*ScheduledEvent, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = 'pending' AND scheduled_at <= ? ORDER BY scheduled_at ASC, priority DESC LIMIT %d",
		coldColumns, coldTable, limit,
	)
	rows, err := s.conn.Query(ctx, query, now.Add(horizon).UTC())
	if err != nil {
		return nil, Transient(fmt.Errorf("clickhouse scan due: %w", err))
	}
	defer rows.Close()

	var due []*ScheduledEvent
	for rows.Next() {
		evt, err := scanColdEvent(rows)
		if err != nil {
			return nil, Transient(fmt.Errorf("clickhouse scan due row: %w", err))
		}
		due = append(due, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(fmt.Errorf("clickhouse scan due rows: %w", err))
	}
	return due, nil
}

func (s *ClickHouseColdStore) MarkTransferring(ctx context.Context, scheduleID, nodeID string) (bool, error) {
	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE status = 'transferring', node_id = ?, updated_at = ? WHERE schedule_id = ? AND status = 'pending'",
		coldTable,
	)
	if err := s.conn.Exec(ctx, query, nodeID, time.Now().UTC(), scheduleID); err != nil {
		return false, Transient(fmt.Errorf("clickhouse mark transferring: %w", err))
	}
	status, owner, err := s.readBack(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	return status == StatusTransferring && owner == nodeID, nil
}

func (s *ClickHouseColdStore) FinalizeTransferred(ctx context.Context, scheduleID string) (bool, error) {
	return s.guardedTransition(ctx, scheduleID, StatusTransferring, StatusSucceeded)
}

func (s *ClickHouseColdStore) RevertTransfer(ctx context.Context, scheduleID string) (bool, error) {
	return s.guardedTransition(ctx, scheduleID, StatusTransferring, StatusPending)
}

func (s *ClickHouseColdStore) guardedTransition(ctx context.Context, scheduleID string, from, to Status) (bool, error) {
	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE status = ?, updated_at = ? WHERE schedule_id = ? AND status = ?",
		coldTable,
	)
	if err := s.conn.Exec(ctx, query, string(to), time.Now().UTC(), scheduleID, string(from)); err != nil {
		return false, Transient(fmt.Errorf("clickhouse transition %s: %w", to, err))
	}
	status, _, err := s.readBack(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	return status == to, nil
}

func (s *ClickHouseColdStore) ReapStuckTransfers(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold).UTC()
	var stuck uint64
	countQuery := fmt.Sprintf("SELECT count() FROM %s WHERE status = 'transferring' AND updated_at < ?", coldTable)
	if err := s.conn.QueryRow(ctx, countQuery, cutoff).Scan(&stuck); err != nil {
		return 0, Transient(fmt.Errorf("clickhouse count stuck: %w", err))
	}
	if stuck == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE status = 'pending', node_id = '', updated_at = ? WHERE status = 'transferring' AND updated_at < ?",
		coldTable,
	)
	if err := s.conn.Exec(ctx, query, now.UTC(), cutoff); err != nil {
		return 0, Transient(fmt.Errorf("clickhouse reap stuck: %w", err))
	}
	return int(stuck), nil
}

func (s *ClickHouseColdStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	return s.guardedTransition(ctx, scheduleID, StatusPending, StatusCancelled)
}

// MarkFinal records the hot-tier execution outcome on the cold copy of a
// transferred entry. Cancelled rows are left alone.
func (s *ClickHouseColdStore) MarkFinal(ctx context.Context, scheduleID string, status Status, errMsg string) error {
	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE status = ?, error = ?, updated_at = ? WHERE schedule_id = ? AND status != 'cancelled'",
		coldTable,
	)
	if err := s.conn.Exec(ctx, query, string(status), errMsg, time.Now().UTC(), scheduleID); err != nil {
		return Transient(fmt.Errorf("clickhouse mark final: %w", err))
	}
	return nil
}

func (s *ClickHouseColdStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention).UTC()
	var expired uint64
	countQuery := fmt.Sprintf(
		"SELECT count() FROM %s WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < ?",
		coldTable,
	)
	if err := s.conn.QueryRow(ctx, countQuery, cutoff).Scan(&expired); err != nil {
		return 0, Transient(fmt.Errorf("clickhouse count expired: %w", err))
	}
	if expired == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		"ALTER TABLE %s DELETE WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < ?",
		coldTable,
	)
	if err := s.conn.Exec(ctx, query, cutoff); err != nil {
		return 0, Transient(fmt.Errorf("clickhouse cleanup: %w", err))
	}
	return int64(expired), nil
}

func (s *ClickHouseColdStore) List(ctx context.Context, status Status, limit int) ([]*ScheduledEvent, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", coldColumns, coldTable)
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT %d", limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, Transient(fmt.Errorf("clickhouse list: %w", err))
	}
	defer rows.Close()

	var out []*ScheduledEvent
	for rows.Next() {
		evt, err := scanColdEvent(rows)
		if err != nil {
			return nil, Transient(fmt.Errorf("clickhouse list row: %w", err))
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(fmt.Errorf("clickhouse list rows: %w", err))
	}
	return out, nil
}

func (s *ClickHouseColdStore) CountPending(ctx context.Context) (int64, error) {
	var n uint64
	query := fmt.Sprintf("SELECT count() FROM %s WHERE status = 'pending'", coldTable)
	if err := s.conn.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, Transient(fmt.Errorf("clickhouse count pending: %w", err))
	}
	return int64(n), nil
}

func (s *ClickHouseColdStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

func (s *ClickHouseColdStore) Close() error {
	return s.conn.Close()
}

// readBack fetches the current status and owner after a mutation. Duplicate
// rows from a replayed insert share mutations, so the latest row is
// authoritative.
func (s *ClickHouseColdStore) readBack(ctx context.Context, scheduleID string) (Status, string, error) {
	var status, nodeID string
	query := fmt.Sprintf("SELECT status, node_id FROM %s WHERE schedule_id = ? ORDER BY updated_at DESC LIMIT 1", coldTable)
	err := s.conn.QueryRow(ctx, query, scheduleID).Scan(&status, &nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", Transient(fmt.Errorf("clickhouse read back: %w", err))
	}
	return Status(status), nodeID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanColdEvent(row rowScanner) (*ScheduledEvent, error) {
	var (
		evt      ScheduledEvent
		body     string
		headers  string
		status   string
		origin   string
		priority int16
		retries  uint8
		maxDelay uint32
	)
	err := row.Scan(
		&evt.ScheduleID, &evt.Topic, &evt.EntityType, &evt.Action, &body,
		&evt.CorrelationID, &headers, &status, &origin, &priority, &retries,
		&maxDelay, &evt.NodeID, &evt.Error,
		&evt.ScheduledAt, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if body != "" {
		evt.Body = []byte(body)
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &evt.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	evt.Status = Status(status)
	evt.Origin = Origin(origin)
	evt.Priority = int(priority)
	evt.RetryCount = int(retries)
	evt.MaxDelaySeconds = int(maxDelay)
	return &evt, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ ColdStore = (*ClickHouseColdStore)(nil)
