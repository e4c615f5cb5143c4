package store

import (
	"bytes"
	"time"
)

// Status is the lifecycle state of a scheduled event.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusProcessing   Status = "processing"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCancelled
}

// Origin records which tier an event entered the hot store from.
type Origin string

const (
	OriginDirect   Origin = "direct"   // routed straight into the hot tier at ingest
	OriginTransfer Origin = "transfer" // promoted from the cold tier
)

// PriorityWeight is the score shift per priority unit in microseconds. With
// priorities clamped to ±999 the shift stays under one second, so priority
// orders entries within a second but never across seconds.
const (
	PriorityWeight = 1000
	MaxPriority    = 999
	MinPriority    = -999
)

// DefaultMaxDelaySeconds is the tolerance past scheduled_at before an
// unclaimed entry is considered stale and skipped.
const DefaultMaxDelaySeconds = 86400

// ScheduledEvent is the unit of work: one future delivery of a payload to a
// downstream topic. The schedule ID is the idempotency key for the event's
// entire lifecycle and is stable across tiers.
type ScheduledEvent struct {
	ScheduleID    string            `json:"schedule_id" db:"schedule_id"`
	Topic         string            `json:"topic" db:"topic"`
	EntityType    string            `json:"entity_type,omitempty" db:"entity_type"`
	Action        string            `json:"action,omitempty" db:"action"`
	Body          []byte            `json:"body,omitempty" db:"body"`
	CorrelationID string            `json:"correlation_id,omitempty" db:"correlation_id"`
	Headers       map[string]string `json:"headers,omitempty" db:"headers"`

	ScheduledAt     time.Time `json:"scheduled_at" db:"scheduled_at"`
	Priority        int       `json:"priority" db:"priority"`
	MaxDelaySeconds int       `json:"max_delay_seconds" db:"max_delay_seconds"`

	Status     Status `json:"status" db:"status"`
	Origin     Origin `json:"origin" db:"origin"`
	RetryCount int    `json:"retry_count" db:"retry_count"`

	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	NodeID              string     `json:"node_id,omitempty" db:"node_id"`
	Error               string     `json:"error,omitempty" db:"error"`
}

// Score computes the hot-tier ordering key: scheduled_at truncated to the
// second in unix microseconds, minus the priority shift. Lower scores fire
// first, so higher priority wins among same-second entries.
func (e *ScheduledEvent) Score() int64 {
	return e.ScheduledAt.UTC().Truncate(time.Second).UnixMicro() - int64(e.Priority)*PriorityWeight
}

// Due reports whether the untruncated deadline has passed. The score admits
// same-second entries slightly early; callers must check Due before claiming.
func (e *ScheduledEvent) Due(now time.Time) bool {
	return !e.ScheduledAt.After(now)
}

// DelaySeconds is the lateness of an execution relative to the deadline.
func (e *ScheduledEvent) DelaySeconds(now time.Time) float64 {
	return now.Sub(e.ScheduledAt).Seconds()
}

// Stale reports whether the entry is past its delivery tolerance and must be
// skipped rather than fired.
func (e *ScheduledEvent) Stale(now time.Time) bool {
	return e.DelaySeconds(now) > float64(e.MaxDelaySeconds)
}

// Equivalent reports whether two events carry the same immutable content.
// A re-insert of an equivalent event is an idempotent no-op; a divergent one
// is a conflict. Mutable lifecycle fields do not participate.
func (e *ScheduledEvent) Equivalent(other *ScheduledEvent) bool {
	if e.ScheduleID != other.ScheduleID ||
		e.Topic != other.Topic ||
		e.EntityType != other.EntityType ||
		e.Action != other.Action ||
		e.CorrelationID != other.CorrelationID ||
		e.Priority != other.Priority ||
		e.MaxDelaySeconds != other.MaxDelaySeconds ||
		!e.ScheduledAt.UTC().Truncate(time.Microsecond).Equal(other.ScheduledAt.UTC().Truncate(time.Microsecond)) ||
		!bytes.Equal(e.Body, other.Body) ||
		len(e.Headers) != len(other.Headers) {
		return false
	}
	for k, v := range e.Headers {
		if other.Headers[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (e *ScheduledEvent) Clone() *ScheduledEvent {
	cp := *e
	if e.Body != nil {
		cp.Body = append([]byte(nil), e.Body...)
	}
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	if e.ProcessingStartedAt != nil {
		t := *e.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	return &cp
}

// ClampPriority bounds a raw priority into the representable range.
func ClampPriority(p int) int {
	if p > MaxPriority {
		return MaxPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	return p
}

// OutcomeKind selects the release path for a claimed entry.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomeRequeue
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Outcome describes how a claimed entry leaves the processing state.
// Succeeded and Failed remove it from the hot tier; Requeue reschedules it
// RequeueDelay into the future with the bumped retry count.
type Outcome struct {
	Kind         OutcomeKind
	RequeueDelay time.Duration
	RetryCount   int    // retry count to persist on requeue
	Reason       string // failure reason, recorded on the entry
}

func Succeeded() Outcome {
	return Outcome{Kind: OutcomeSucceeded}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

func Requeue(delay time.Duration, retryCount int, reason string) Outcome {
	return Outcome{Kind: OutcomeRequeue, RequeueDelay: delay, RetryCount: retryCount, Reason: reason}
}
