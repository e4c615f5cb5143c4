package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/analytics"
	"github.com/emberhq/ember/schedulerd/bus"
	"github.com/emberhq/ember/schedulerd/observability"
	"github.com/emberhq/ember/schedulerd/store"
)

// publishTimeout bounds one downstream produce. A timed-out publish is a
// transient failure and goes through the requeue path.
const publishTimeout = 10 * time.Second

// HotLoop is the execution engine: every tick it reaps abandoned claims,
// claims due entries and dispatches them to a bounded pool that publishes
// downstream and records the outcome.
type HotLoop struct {
	hot        store.HotStore
	cold       store.ColdStore
	pub        Publisher
	sink       Recorder
	breaker    *Breaker // downstream publish
	hotBreaker *Breaker // hot store
	cfg        Config
	clock      Clock
	log        zerolog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	lastTick atomic.Int64 // unix micros of the last completed tick
}

func NewHotLoop(hot store.HotStore, cold store.ColdStore, pub Publisher, sink Recorder, breaker, hotBreaker *Breaker, cfg Config, clock Clock, log zerolog.Logger) *HotLoop {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &HotLoop{
		hot:        hot,
		cold:       cold,
		pub:        pub,
		sink:       sink,
		breaker:    breaker,
		hotBreaker: hotBreaker,
		cfg:        cfg,
		clock:      clock,
		log:        log.With().Str("component", "hotloop").Logger(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run ticks until ctx is cancelled, then drains in-flight executions.
func (l *HotLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HotInterval)
	defer ticker.Stop()

	l.log.Info().Dur("interval", l.cfg.HotInterval).Int("pool", l.cfg.MaxConcurrent).Msg("hot loop started")
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.log.Info().Msg("hot loop drained")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// LastTick is the completion time of the most recent tick, for /health.
func (l *HotLoop) LastTick() time.Time {
	us := l.lastTick.Load()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// Tick runs one poll/reap/claim/dispatch iteration.
func (l *HotLoop) Tick(ctx context.Context) {
	now := l.clock().UTC()

	// Reaping continues even while the publish breaker is open; a paused
	// loop must not strand another node's abandoned claims.
	if n, err := l.hot.ReapStale(ctx, now, l.cfg.StaleClaim); err != nil {
		l.log.Error().Err(err).Msg("stale claim reap failed")
	} else if n > 0 {
		observability.StaleClaimsReaped.Add(float64(n))
		l.log.Warn().Int("reverted", n).Msg("reaped abandoned claims")
	}

	l.updateGauges(ctx, now)

	// Either open breaker pauses dispatch. A half-open one admits one
	// tick's dispatch as its probe.
	if !l.breaker.Allow() {
		l.finishTick(now)
		return
	}
	if !l.hotBreaker.Allow() {
		// No publish happens this tick, so a just-admitted publish probe
		// goes back; otherwise its slot stays taken and dispatch never
		// resumes after both dependencies recover.
		l.breaker.SkipProbe()
		l.finishTick(now)
		return
	}

	// A tick that publishes nothing resolves no probe; hand the slot back
	// so the half-open publish breaker does not wedge on an idle queue.
	dispatched := 0
	defer func() {
		if dispatched == 0 {
			l.breaker.SkipProbe()
		}
	}()

	candidates, err := l.hot.PeekDue(ctx, now, l.cfg.MaxConcurrent*4)
	if err != nil {
		l.hotBreaker.Failure()
		l.log.Error().Err(err).Msg("peek due failed")
		l.finishTick(now)
		return
	}
	l.hotBreaker.Success()

	for _, evt := range candidates {
		// The score truncates to the second, so a same-second entry can
		// surface slightly early. Nothing fires before its deadline.
		if !evt.Due(now) {
			continue
		}
		select {
		case l.sem <- struct{}{}:
		default:
			// Pool saturated; the rest stays pending for the next tick.
			l.finishTick(now)
			return
		}

		claimed, err := l.hot.Claim(ctx, evt.ScheduleID, l.cfg.NodeID, l.clock().UTC())
		if err != nil {
			<-l.sem
			l.hotBreaker.Failure()
			l.log.Error().Err(err).Str("schedule_id", evt.ScheduleID).Msg("claim failed")
			continue
		}
		if claimed == nil {
			<-l.sem // another node won the claim
			continue
		}

		dispatched++
		l.wg.Add(1)
		go func(evt *store.ScheduledEvent) {
			defer l.wg.Done()
			defer func() { <-l.sem }()
			l.execute(ctx, evt)
		}(claimed)
	}
	l.finishTick(now)
}

func (l *HotLoop) finishTick(now time.Time) {
	l.lastTick.Store(now.UnixMicro())
	observability.HotLoopTicks.Inc()
}

func (l *HotLoop) updateGauges(ctx context.Context, now time.Time) {
	if n, err := l.hot.CountPending(ctx); err == nil {
		observability.PendingHot.Set(float64(n))
	}
	if n, err := l.hot.CountDue(ctx, now); err == nil {
		observability.DueNow.Set(float64(n))
	}
	if n, err := l.hot.CountProcessing(ctx); err == nil {
		observability.Processing.Set(float64(n))
	}
}

// execute runs one claimed entry to an outcome: skipped when stale,
// published downstream otherwise, then released and recorded.
func (l *HotLoop) execute(ctx context.Context, evt *store.ScheduledEvent) {
	executedAt := l.clock().UTC()
	rec := analytics.ExecutionRecord{
		ExecutionID:   uuid.NewString(),
		ScheduleID:    evt.ScheduleID,
		CorrelationID: evt.CorrelationID,
		Topic:         evt.Topic,
		EntityType:    evt.EntityType,
		Action:        evt.Action,
		ScheduledAt:   evt.ScheduledAt,
		ExecutedAt:    executedAt,
		DelaySeconds:  evt.DelaySeconds(executedAt),
		RetryCount:    evt.RetryCount,
		NodeID:        l.cfg.NodeID,
	}

	if evt.Stale(executedAt) {
		// Past the delivery tolerance: never published, never re-fired.
		// Released as succeeded so the entry leaves the queue for good.
		rec.Status = analytics.ExecSkipped
		rec.ErrorMessage = "exceeded max_delay_seconds"
		l.release(ctx, evt, store.Succeeded(), rec)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	start := l.clock()
	err := l.pub.Publish(pubCtx, evt.Topic, evt.ScheduleID, publishHeaders(evt), evt.Body)
	cancel()
	rec.ProcessingMs = l.clock().Sub(start).Milliseconds()

	if err == nil {
		l.breaker.Success()
		rec.Status = analytics.ExecSuccess
		l.release(ctx, evt, store.Succeeded(), rec)
		return
	}

	l.breaker.Failure()
	rec.Status = analytics.ExecError
	if errors.Is(err, context.DeadlineExceeded) {
		rec.Status = analytics.ExecTimeout
	}
	rec.ErrorMessage = err.Error()

	switch {
	case errors.Is(err, bus.ErrPublishPermanent):
		l.log.Error().Err(err).Str("schedule_id", evt.ScheduleID).Msg("permanent publish failure")
		l.release(ctx, evt, store.Failed(rec.ErrorMessage), rec)
	case evt.RetryCount < l.cfg.MaxRetries:
		delay := retryBackoff(l.cfg.RetryDelay, evt.RetryCount)
		l.log.Warn().Err(err).Str("schedule_id", evt.ScheduleID).
			Int("retry", evt.RetryCount+1).Dur("backoff", delay).Msg("transient publish failure; requeued")
		l.release(ctx, evt, store.Requeue(delay, evt.RetryCount+1, rec.ErrorMessage), rec)
	default:
		l.log.Error().Err(err).Str("schedule_id", evt.ScheduleID).
			Int("retries", evt.RetryCount).Msg("retries exhausted")
		l.release(ctx, evt, store.Failed(rec.ErrorMessage), rec)
	}
}

// release completes the claim, emits the record, and for transferred entries
// writes the terminal outcome back to the cold row. The analytics stream
// stays authoritative; the write-back only converges cold audit queries.
func (l *HotLoop) release(ctx context.Context, evt *store.ScheduledEvent, out store.Outcome, rec analytics.ExecutionRecord) {
	if err := l.hot.Release(ctx, evt.ScheduleID, out, l.clock().UTC()); err != nil {
		// The claim stays in processing; the stale reaper reverts it and a
		// later attempt supersedes this one, so the record is not emitted.
		l.log.Error().Err(err).Str("schedule_id", evt.ScheduleID).
			Str("outcome", out.Kind.String()).Msg("release failed; reaper will recover")
		return
	}
	l.sink.Emit(rec)

	if evt.Origin == store.OriginTransfer && out.Kind != store.OutcomeRequeue {
		final := store.StatusSucceeded
		if out.Kind == store.OutcomeFailed {
			final = store.StatusFailed
		}
		if err := l.cold.MarkFinal(ctx, evt.ScheduleID, final, rec.ErrorMessage); err != nil {
			l.log.Warn().Err(err).Str("schedule_id", evt.ScheduleID).Msg("cold final-status write-back failed")
		}
	}
}

// publishHeaders merges the event's pass-through headers with the routing
// labels the downstream consumer keys on.
func publishHeaders(evt *store.ScheduledEvent) map[string]string {
	headers := make(map[string]string, len(evt.Headers)+4)
	for k, v := range evt.Headers {
		headers[k] = v
	}
	headers["schedule_id"] = evt.ScheduleID
	if evt.CorrelationID != "" {
		headers["correlation_id"] = evt.CorrelationID
	}
	if evt.EntityType != "" {
		headers["entity_type"] = evt.EntityType
	}
	if evt.Action != "" {
		headers["action"] = evt.Action
	}
	return headers
}
