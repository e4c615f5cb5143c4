// Package engine is the scheduling core: the ingest facade that routes new
// events between tiers, the hot loop that fires due entries, the transfer
// pump that promotes cold entries, and the supervisor that owns them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/analytics"
	"github.com/emberhq/ember/schedulerd/observability"
	"github.com/emberhq/ember/schedulerd/store"
)

// Clock supplies the current time. Injected so tests steer it.
type Clock func() time.Time

// Publisher delivers a fired event to the downstream bus. Errors are
// classified by the bus package as transient or permanent.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, headers map[string]string, body []byte) error
}

// Recorder accepts execution records. Must not block.
type Recorder interface {
	Emit(rec analytics.ExecutionRecord)
}

// Tier identifies the placement of an entry.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// Route decides which tier a new event lands in. Pure: an event due within
// the immediate horizon (or already overdue) goes hot, everything further
// out goes cold. A delay exactly at the horizon is hot.
func Route(evt *store.ScheduledEvent, now time.Time, immediateHorizon time.Duration) Tier {
	if evt.ScheduledAt.Sub(now) <= immediateHorizon {
		return TierHot
	}
	return TierCold
}

// CancelResult distinguishes the three cancel outcomes; callers need to
// tell "too late" apart from "never existed".
type CancelResult string

const (
	CancelCancelled CancelResult = "cancelled"
	CancelNotFound  CancelResult = "not_found"
	CancelTooLate   CancelResult = "too_late"
)

// Config carries the engine-level tunables.
type Config struct {
	ImmediateHorizon time.Duration // routing threshold
	TransferHorizon  time.Duration // promotion window
	HotInterval      time.Duration // hot loop tick
	TransferInterval time.Duration // transfer loop tick
	MaxRetries       int
	RetryDelay       time.Duration
	MaxConcurrent    int
	StaleClaim       time.Duration // reaper threshold
	TransferBatch    int
	TransferRate     float64 // promotions per second, 0 = unpaced
	CleanupEveryN    int     // cleanup co-scheduled every Nth transfer tick
	NodeID           string
}

func (c *Config) applyDefaults() {
	if c.ImmediateHorizon <= 0 {
		c.ImmediateHorizon = 24 * time.Hour
	}
	if c.TransferHorizon <= 0 {
		c.TransferHorizon = time.Hour
	}
	if c.HotInterval <= 0 {
		c.HotInterval = 5 * time.Second
	}
	if c.TransferInterval <= 0 {
		c.TransferInterval = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.StaleClaim <= 0 {
		c.StaleClaim = 2 * c.HotInterval
	}
	if c.TransferBatch <= 0 {
		c.TransferBatch = 500
	}
	if c.CleanupEveryN <= 0 {
		c.CleanupEveryN = 12
	}
}

// Engine is the ingest facade: Schedule, Cancel and Lookup across both
// tiers. The loops are constructed separately and share the stores.
type Engine struct {
	hot   store.HotStore
	cold  store.ColdStore
	cfg   Config
	clock Clock
	log   zerolog.Logger
}

func NewEngine(hot store.HotStore, cold store.ColdStore, cfg Config, clock Clock, log zerolog.Logger) *Engine {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		hot:   hot,
		cold:  cold,
		cfg:   cfg,
		clock: clock,
		log:   log.With().Str("component", "engine").Logger(),
	}
}

// Schedule validates the event, fills defaults, routes it and commits the
// placement in a single store write. Idempotent on schedule ID: an
// equivalent replay returns the same ID, a divergent one store.ErrConflict.
func (e *Engine) Schedule(ctx context.Context, evt *store.ScheduledEvent) (string, error) {
	if evt.Topic == "" {
		return "", fmt.Errorf("schedule: topic is required")
	}
	if evt.ScheduledAt.IsZero() {
		return "", fmt.Errorf("schedule: scheduled_at is required")
	}

	now := e.clock().UTC()
	prepared := evt.Clone()
	if prepared.ScheduleID == "" {
		prepared.ScheduleID = uuid.NewString()
	}
	prepared.ScheduledAt = prepared.ScheduledAt.UTC()
	prepared.Priority = store.ClampPriority(prepared.Priority)
	if prepared.MaxDelaySeconds <= 0 {
		prepared.MaxDelaySeconds = store.DefaultMaxDelaySeconds
	}
	prepared.Status = store.StatusPending
	prepared.Origin = store.OriginDirect
	prepared.RetryCount = 0
	prepared.CreatedAt = now
	prepared.UpdatedAt = now

	tier := Route(prepared, now, e.cfg.ImmediateHorizon)
	var err error
	if tier == TierHot {
		err = e.hot.Add(ctx, prepared)
	} else {
		err = e.cold.Insert(ctx, prepared)
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("schedule %s: %w", prepared.ScheduleID, err)
		}
		return "", fmt.Errorf("schedule %s into %s tier: %w", prepared.ScheduleID, tier, err)
	}

	observability.EventsScheduled.WithLabelValues(string(tier)).Inc()
	e.log.Debug().
		Str("schedule_id", prepared.ScheduleID).
		Str("tier", string(tier)).
		Time("scheduled_at", prepared.ScheduledAt).
		Msg("event scheduled")
	return prepared.ScheduleID, nil
}

// Cancel removes a pending entry from whichever tier holds it. An entry
// already claimed, transferred or terminal reports CancelTooLate; an unknown
// or already-cancelled ID reports CancelNotFound, so cancelling twice reads
// the same as cancelling a stranger.
func (e *Engine) Cancel(ctx context.Context, scheduleID string) (CancelResult, error) {
	removed, err := e.hot.Cancel(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if removed {
		observability.EventsCancelled.WithLabelValues(string(TierHot)).Inc()
		return CancelCancelled, nil
	}

	removed, err = e.cold.Cancel(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if removed {
		observability.EventsCancelled.WithLabelValues(string(TierCold)).Inc()
		return CancelCancelled, nil
	}

	// Neither tier held a cancellable entry: decide between too-late and
	// unknown from the trace the ID left behind. A cancelled tombstone is
	// not too-late; there is nothing left to be late for.
	if evt, err := e.hot.Get(ctx, scheduleID); err == nil && evt != nil {
		if evt.Status == store.StatusCancelled {
			return CancelNotFound, nil
		}
		return CancelTooLate, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if row, err := e.cold.Get(ctx, scheduleID); err == nil {
		if row.Status == store.StatusCancelled {
			return CancelNotFound, nil
		}
		return CancelTooLate, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return CancelNotFound, nil
}

// Lookup returns the live entry from either tier, hot first.
func (e *Engine) Lookup(ctx context.Context, scheduleID string) (*store.ScheduledEvent, error) {
	evt, err := e.hot.Get(ctx, scheduleID)
	if err == nil {
		return evt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return e.cold.Get(ctx, scheduleID)
}
