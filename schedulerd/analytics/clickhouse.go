package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const resultsTable = "schedule_execution_results"

func resultsSchemaDDL(ttlDays int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    execution_id       String,
    schedule_id        String,
    correlation_id     String,
    topic              String,
    entity_type        String,
    action             String,
    scheduled_at       DateTime64(6, 'UTC'),
    executed_at        DateTime64(6, 'UTC'),
    delay_seconds      Float64,
    status             LowCardinality(String),
    error_message      String,
    retry_count        UInt8,
    processing_time_ms UInt32,
    node_id            String
)
ENGINE = MergeTree
PARTITION BY toYYYYMMDD(executed_at)
ORDER BY (schedule_id, executed_at)
TTL toDateTime(executed_at) + INTERVAL %d DAY DELETE
`, resultsTable, ttlDays)
}

// ClickHouseOptions configures the analytics store connection.
type ClickHouseOptions struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	RetentionDays int
}

// ClickHouseStore writes execution records in batches and serves the
// analytics query surface.
type ClickHouseStore struct {
	conn driver.Conn
}

func NewClickHouseStore(ctx context.Context, opts ClickHouseOptions) (*ClickHouseStore, error) {
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
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, resultsSchemaDDL(opts.RetentionDays)); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return &ClickHouseStore{conn: conn}, nil
}

func (s *ClickHouseStore) WriteBatch(ctx context.Context, records []ExecutionRecord) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", resultsTable))
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	for _, r := range records {
		err := batch.Append(
			r.ExecutionID, r.ScheduleID, r.CorrelationID,
			r.Topic, r.EntityType, r.Action,
			r.ScheduledAt.UTC(), r.ExecutedAt.UTC(), r.DelaySeconds,
			string(r.Status), r.ErrorMessage,
			uint8(r.RetryCount), uint32(r.ProcessingMs), r.NodeID,
		)
		if err != nil {
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send: %w", err)
	}
	return nil
}

// RecentExecutions returns the newest records, optionally filtered by
// schedule ID, newest first.
func (s *ClickHouseStore) RecentExecutions(ctx context.Context, scheduleID string, limit int) ([]ExecutionRecord, error) {
	query := fmt.Sprintf(
		"SELECT execution_id, schedule_id, correlation_id, topic, entity_type, action, "+
			"scheduled_at, executed_at, delay_seconds, status, error_message, retry_count, "+
			"processing_time_ms, node_id FROM %s", resultsTable)
	args := []interface{}{}
	if scheduleID != "" {
		query += " WHERE schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += fmt.Sprintf(" ORDER BY executed_at DESC LIMIT %d", limit)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			r      ExecutionRecord
			status string
			retry  uint8
			procMs uint32
		)
		err := rows.Scan(
			&r.ExecutionID, &r.ScheduleID, &r.CorrelationID,
			&r.Topic, &r.EntityType, &r.Action,
			&r.ScheduledAt, &r.ExecutedAt, &r.DelaySeconds,
			&status, &r.ErrorMessage, &retry, &procMs, &r.NodeID,
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse scan execution: %w", err)
		}
		r.Status = ExecStatus(status)
		r.RetryCount = int(retry)
		r.ProcessingMs = int64(procMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates outcomes and delay percentiles over the trailing window.
type Stats struct {
	WindowHours    int              `json:"window_hours"`
	Total          uint64           `json:"total"`
	ByStatus       map[string]int64 `json:"by_status"`
	AvgDelaySec    float64          `json:"avg_delay_seconds"`
	P50DelaySec    float64          `json:"p50_delay_seconds"`
	P95DelaySec    float64          `json:"p95_delay_seconds"`
	P99DelaySec    float64          `json:"p99_delay_seconds"`
	AvgProcessMs   float64          `json:"avg_processing_time_ms"`
	MaxProcessMs   float64          `json:"max_processing_time_ms"`
	DistinctNodes  uint64           `json:"distinct_nodes"`
	DistinctTopics uint64           `json:"distinct_topics"`
}

// AggregateStats computes success/error/skip counts and delay percentiles
// over the last windowHours hours.
func (s *ClickHouseStore) AggregateStats(ctx context.Context, windowHours int) (*Stats, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	stats := &Stats{WindowHours: windowHours, ByStatus: make(map[string]int64)}

	query := fmt.Sprintf(`
SELECT
    count(),
    avg(delay_seconds),
    quantile(0.5)(delay_seconds),
    quantile(0.95)(delay_seconds),
    quantile(0.99)(delay_seconds),
    avg(processing_time_ms),
    max(processing_time_ms),
    uniqExact(node_id),
    uniqExact(topic)
FROM %s
WHERE executed_at >= now() - INTERVAL ? HOUR`, resultsTable)
	err := s.conn.QueryRow(ctx, query, windowHours).Scan(
		&stats.Total, &stats.AvgDelaySec,
		&stats.P50DelaySec, &stats.P95DelaySec, &stats.P99DelaySec,
		&stats.AvgProcessMs, &stats.MaxProcessMs,
		&stats.DistinctNodes, &stats.DistinctTopics,
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse aggregate: %w", err)
	}

	byStatus := fmt.Sprintf(
		"SELECT status, count() FROM %s WHERE executed_at >= now() - INTERVAL ? HOUR GROUP BY status",
		resultsTable)
	rows, err := s.conn.Query(ctx, byStatus, windowHours)
	if err != nil {
		return nil, fmt.Errorf("clickhouse status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n uint64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("clickhouse scan status count: %w", err)
		}
		stats.ByStatus[status] = int64(n)
	}
	return stats, rows.Err()
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

var _ Writer = (*ClickHouseStore)(nil)
