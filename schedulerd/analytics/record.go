// Package analytics carries the append-only execution history: one record
// per attempt, batched into ClickHouse and fanned out to live dashboards.
// The stream is advisory and must never block or fail the execution path.
package analytics

import "time"

// ExecStatus is the outcome of a single execution attempt.
type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecError   ExecStatus = "error"
	ExecTimeout ExecStatus = "timeout"
	ExecSkipped ExecStatus = "skipped"
)

// ExecutionRecord is the unit of the analytics stream. Append-only; the
// record stream is the authoritative account of what fired when, while store
// rows are operational state.
type ExecutionRecord struct {
	ExecutionID   string     `json:"execution_id"`
	ScheduleID    string     `json:"schedule_id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Topic         string     `json:"topic"`
	EntityType    string     `json:"entity_type,omitempty"`
	Action        string     `json:"action,omitempty"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	ExecutedAt    time.Time  `json:"executed_at"`
	DelaySeconds  float64    `json:"delay_seconds"`
	Status        ExecStatus `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	ProcessingMs  int64      `json:"processing_time_ms"`
	NodeID        string     `json:"node_id"`
}
