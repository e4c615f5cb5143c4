package store

import "fmt"

// Redis key layout. Everything lives under one prefix so an operator can
// inspect or flush the scheduler keyspace without touching neighbours.
const (
	keyPrefix = "ember:sched"

	// PendingIndexKey is the zset of pending schedule IDs scored by fire time.
	PendingIndexKey = keyPrefix + ":pending"

	// ProcessingIndexKey is the zset of claimed IDs scored by claim time,
	// scanned by the stale-claim reaper.
	ProcessingIndexKey = keyPrefix + ":processing"

	// CountersKey is the hash of monotonic hot-tier counters.
	CountersKey = keyPrefix + ":counters"
)

// EventKey is the hash holding one event: the immutable envelope under the
// "data" field plus discrete mutable lifecycle fields.
func EventKey(scheduleID string) string {
	return fmt.Sprintf("%s:event:%s", keyPrefix, scheduleID)
}

// LeaseKey names a distributed lease.
func LeaseKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", keyPrefix, name)
}

// LeaseEpochKey holds the monotonic fencing counter for a lease.
func LeaseEpochKey(name string) string {
	return fmt.Sprintf("%s:lease:%s:epoch", keyPrefix, name)
}
