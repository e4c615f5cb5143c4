// Package observability registers the Prometheus metric set served on
// /metrics. Metrics are package-level promauto collectors; components record
// into them directly.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsScheduled counts accepted schedule requests by tier.
	EventsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_events_scheduled_total",
		Help: "Scheduled events accepted at ingest, by placement tier",
	}, []string{"tier"})

	// EventsFired counts execution attempts by outcome status.
	EventsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_events_fired_total",
		Help: "Execution attempts by outcome (success, error, timeout, skipped)",
	}, []string{"status"})

	// EventsCancelled counts successful cancellations by tier.
	EventsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_events_cancelled_total",
		Help: "Cancelled pending events, by tier the entry was removed from",
	}, []string{"tier"})

	// ExecutionDelaySeconds is the lateness of each fire past its deadline.
	ExecutionDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ember_execution_delay_seconds",
		Help:    "executed_at minus scheduled_at per attempt",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
	})

	// ProcessingTimeMs is the downstream publish time per attempt.
	ProcessingTimeMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ember_processing_time_ms",
		Help:    "Wall time spent executing one attempt, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms to ~4s
	})

	// TransferBatchSize is the number of entries promoted per transfer pass.
	TransferBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ember_transfer_batch_size",
		Help:    "Cold-to-hot promotions per transfer pass",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
	})

	// PendingHot is the current hot-tier pending queue depth.
	PendingHot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_pending_hot",
		Help: "Pending entries in the hot tier",
	})

	// PendingCold is the current cold-tier pending row count.
	PendingCold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_pending_cold",
		Help: "Pending entries in the cold tier",
	})

	// Processing is the number of claimed entries currently executing.
	Processing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_processing",
		Help: "Entries currently claimed by an execution task",
	})

	// DueNow is the number of hot entries past their deadline.
	DueNow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_due_now",
		Help: "Hot-tier entries whose fire time has passed",
	})

	// StaleClaimsReaped counts processing entries reverted by the reaper.
	StaleClaimsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_stale_claims_reaped_total",
		Help: "Abandoned claims reverted to pending",
	})

	// LeaseHeld reports whether this node holds the named lease.
	LeaseHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ember_lease_held",
		Help: "1 when this node holds the lease, 0 otherwise",
	}, []string{"lease"})

	// BreakerState reports each dependency breaker (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ember_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// AnalyticsDropped counts execution records dropped under pressure or
	// after a failed flush.
	AnalyticsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_analytics_dropped_total",
		Help: "Execution records dropped by the analytics sink",
	})

	// IngestMalformed counts delayed-event records rejected at decode.
	IngestMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_ingest_malformed_total",
		Help: "Malformed delayed-event records committed without scheduling",
	})

	// IngestConflicts counts replayed schedule requests with divergent content.
	IngestConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_ingest_conflicts_total",
		Help: "Schedule requests rejected because the ID exists with different content",
	})

	// HotLoopTicks counts completed hot-loop iterations.
	HotLoopTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_hotloop_ticks_total",
		Help: "Completed hot loop iterations",
	})

	// TransferPasses counts transfer passes by result.
	TransferPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_transfer_passes_total",
		Help: "Transfer passes by result (completed, aborted, no_lease)",
	}, []string{"result"})

	// ColdCleanupRows counts rows removed by cleanup passes.
	ColdCleanupRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_cold_cleanup_rows_total",
		Help: "Terminal cold rows removed past retention",
	})
)
