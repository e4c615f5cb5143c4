package store

import (
	"context"
	"time"
)

// HotStore is the near-term tier: a time-sorted structure with atomic claim
// semantics, polled by the execution loop. Implementations must make Claim a
// single atomic operation against the backing store; when two nodes claim the
// same ID concurrently exactly one wins.
type HotStore interface {
	// Add inserts a pending entry. Idempotent on schedule ID: re-adding
	// equivalent content is a no-op, divergent content returns ErrConflict.
	Add(ctx context.Context, evt *ScheduledEvent) error

	// PeekDue returns up to limit entries with score <= now, score ascending.
	// Read-only; entries stay pending until claimed.
	PeekDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledEvent, error)

	// Claim atomically moves a pending entry to processing under nodeID and
	// returns it. Returns (nil, nil) if another node won or the entry is gone.
	Claim(ctx context.Context, scheduleID, nodeID string, now time.Time) (*ScheduledEvent, error)

	// Release completes a claim: succeeded/failed remove the entry, requeue
	// reschedules it at now + delay with the outcome's retry count.
	Release(ctx context.Context, scheduleID string, out Outcome, now time.Time) error

	// Cancel removes a pending entry. Reports whether it removed anything;
	// a processing entry is not cancellable and reports false.
	Cancel(ctx context.Context, scheduleID string) (bool, error)

	// ReapStale reverts processing entries whose claim is older than the
	// threshold back to pending. Returns the number reverted.
	ReapStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error)

	// Get returns the live entry or ErrNotFound.
	Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error)

	CountPending(ctx context.Context) (int64, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
	CountProcessing(ctx context.Context) (int64, error)

	// Counters returns the monotonic hot-tier counters (scheduled, fired,
	// requeued, skipped, reaped) kept alongside the queue.
	Counters(ctx context.Context) (map[string]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ColdStore is the long-horizon tier: a durable table scanned periodically by
// the transfer pump. Status transitions are guarded updates that fail when
// the current status changed underneath, never blind writes.
type ColdStore interface {
	// Insert stores a pending entry. Idempotent on schedule ID with the same
	// equivalence rule as HotStore.Add.
	Insert(ctx context.Context, evt *ScheduledEvent) error

	// Get returns the entry in any status, or ErrNotFound.
	Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error)

	// ScanDueForTransfer returns pending entries with
	// scheduled_at <= now + horizon, ordered by scheduled_at then priority
	// descending, up to limit.
	ScanDueForTransfer(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*ScheduledEvent, error)

	// MarkTransferring transitions pending -> transferring under nodeID.
	// Reports false when the entry is missing or no longer pending.
	MarkTransferring(ctx context.Context, scheduleID, nodeID string) (bool, error)

	// FinalizeTransferred transitions transferring -> succeeded. The cold row
	// becomes a hand-off audit record; the hot copy is canonical.
	FinalizeTransferred(ctx context.Context, scheduleID string) (bool, error)

	// RevertTransfer transitions transferring -> pending, used when the hot
	// insert fails after marking.
	RevertTransfer(ctx context.Context, scheduleID string) (bool, error)

	// ReapStuckTransfers reverts transferring rows older than the threshold,
	// left behind by a holder that lost its lease mid-pass.
	ReapStuckTransfers(ctx context.Context, now time.Time, threshold time.Duration) (int, error)

	// Cancel transitions pending -> cancelled. Reports false otherwise.
	Cancel(ctx context.Context, scheduleID string) (bool, error)

	// MarkFinal records the terminal outcome of an entry that was promoted to
	// the hot tier. Best-effort audit convergence; the analytics stream stays
	// authoritative.
	MarkFinal(ctx context.Context, scheduleID string, status Status, errMsg string) error

	// CleanupExpired removes terminal rows past the retention window.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)

	// List returns entries by status for monitoring, newest first.
	List(ctx context.Context, status Status, limit int) ([]*ScheduledEvent, error)

	CountPending(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
