package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/emberhq/ember/schedulerd/coordination"
	"github.com/emberhq/ember/schedulerd/observability"
	"github.com/emberhq/ember/schedulerd/store"
)

// ErrLeaseHeld means another node holds the lease for the requested pass.
// Not a failure; exactly one node runs each pass per interval.
var ErrLeaseHeld = errors.New("lease held by another node")

// ErrBreakerOpen means the cold-store breaker is open and transfers are
// paused until the backend recovers.
var ErrBreakerOpen = errors.New("cold store breaker open")

// renewEvery is the number of promoted entries between lease renewals
// inside one transfer pass.
const renewEvery = 50

// TransferLoop is the promotion pump: under a fleet-wide lease it scans the
// cold tier for entries entering the transfer horizon and hands them to the
// hot tier through the transferring status. Every CleanupEveryN ticks it also
// runs cold-tier retention cleanup under its own lease.
type TransferLoop struct {
	hot     store.HotStore
	cold    store.ColdStore
	locks   *coordination.LockManager
	breaker *Breaker
	cfg     Config
	clock   Clock
	log     zerolog.Logger

	limiter      *rate.Limiter
	lastTransfer atomic.Int64 // unix micros of the last completed pass
}

func NewTransferLoop(hot store.HotStore, cold store.ColdStore, locks *coordination.LockManager, breaker *Breaker, cfg Config, clock Clock, log zerolog.Logger) *TransferLoop {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	l := &TransferLoop{
		hot:     hot,
		cold:    cold,
		locks:   locks,
		breaker: breaker,
		cfg:     cfg,
		clock:   clock,
		log:     log.With().Str("component", "transferloop").Logger(),
	}
	if cfg.TransferRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.TransferRate), 1)
	}
	return l
}

// Run ticks until ctx is cancelled.
func (l *TransferLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TransferInterval)
	defer ticker.Stop()

	l.log.Info().Dur("interval", l.cfg.TransferInterval).
		Dur("horizon", l.cfg.TransferHorizon).Msg("transfer loop started")
	tick := 0
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("transfer loop stopped")
			return
		case <-ticker.C:
			tick++
			if _, err := l.TransferPass(ctx); err != nil {
				switch {
				case errors.Is(err, ErrLeaseHeld):
				case errors.Is(err, ErrBreakerOpen):
					l.log.Warn().Msg("transfers paused; cold store breaker open")
				default:
					l.log.Error().Err(err).Msg("transfer pass failed")
				}
			}
			if tick%l.cfg.CleanupEveryN == 0 {
				if err := l.CleanupPass(ctx); err != nil && !errors.Is(err, ErrLeaseHeld) {
					l.log.Error().Err(err).Msg("cleanup pass failed")
				}
			}
		}
	}
}

// LastTransfer is the completion time of the most recent pass on this node.
func (l *TransferLoop) LastTransfer() time.Time {
	us := l.lastTransfer.Load()
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// LeaseHolder reports which node currently holds the transfer lease.
func (l *TransferLoop) LeaseHolder(ctx context.Context) (string, error) {
	return l.locks.Holder(ctx, coordination.TransferLease)
}

// TransferPass runs one lease-guarded promotion sweep and returns the number
// of entries promoted. Returns ErrLeaseHeld when another node has the lease
// and ErrBreakerOpen while the cold-store breaker pauses transfers.
func (l *TransferLoop) TransferPass(ctx context.Context) (int, error) {
	// A half-open breaker admits one pass as its probe.
	if !l.breaker.Allow() {
		observability.TransferPasses.WithLabelValues("paused").Inc()
		return 0, ErrBreakerOpen
	}

	lease, err := l.locks.Acquire(ctx, coordination.TransferLease, 2*l.cfg.TransferInterval)
	if err != nil {
		l.breaker.SkipProbe() // no cold round trip happened
		observability.TransferPasses.WithLabelValues("aborted").Inc()
		return 0, fmt.Errorf("acquire transfer lease: %w", err)
	}
	if lease == nil {
		l.breaker.SkipProbe()
		observability.TransferPasses.WithLabelValues("no_lease").Inc()
		return 0, ErrLeaseHeld
	}
	observability.LeaseHeld.WithLabelValues(coordination.TransferLease).Set(1)
	defer func() {
		lease.Release(ctx)
		observability.LeaseHeld.WithLabelValues(coordination.TransferLease).Set(0)
	}()

	now := l.clock().UTC()
	batch, err := l.cold.ScanDueForTransfer(ctx, now, l.cfg.TransferHorizon, l.cfg.TransferBatch)
	if err != nil {
		l.breaker.Failure()
		observability.TransferPasses.WithLabelValues("aborted").Inc()
		return 0, fmt.Errorf("scan cold tier: %w", err)
	}
	// The scan is the pass's representative cold round trip; it settles a
	// half-open probe even when the later per-entry writes abort the pass.
	l.breaker.Success()

	promoted := 0
	for i, evt := range batch {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				observability.TransferPasses.WithLabelValues("aborted").Inc()
				return promoted, err
			}
		}
		if i > 0 && i%renewEvery == 0 {
			if err := lease.Renew(ctx); err != nil {
				// Another holder may already be mid-pass; whatever this one
				// left in transferring is reverted by the stuck-transfer reaper.
				observability.TransferPasses.WithLabelValues("aborted").Inc()
				return promoted, fmt.Errorf("transfer pass: %w", err)
			}
		}

		ok, err := l.cold.MarkTransferring(ctx, evt.ScheduleID, l.cfg.NodeID)
		if err != nil {
			l.breaker.Failure()
			observability.TransferPasses.WithLabelValues("aborted").Inc()
			return promoted, fmt.Errorf("mark transferring %s: %w", evt.ScheduleID, err)
		}
		if !ok {
			continue // cancelled or already picked up since the scan
		}

		hotCopy := evt.Clone()
		hotCopy.Status = store.StatusPending
		hotCopy.Origin = store.OriginTransfer
		if err := l.hot.Add(ctx, hotCopy); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Already promoted by an earlier pass that died before
				// finalizing; converge the cold row and move on.
				if _, ferr := l.cold.FinalizeTransferred(ctx, evt.ScheduleID); ferr != nil {
					l.log.Warn().Err(ferr).Str("schedule_id", evt.ScheduleID).Msg("finalize after conflict failed")
				}
				continue
			}
			if _, rerr := l.cold.RevertTransfer(ctx, evt.ScheduleID); rerr != nil {
				l.log.Error().Err(rerr).Str("schedule_id", evt.ScheduleID).Msg("revert after hot add failure failed")
			}
			observability.TransferPasses.WithLabelValues("aborted").Inc()
			return promoted, fmt.Errorf("promote %s: %w", evt.ScheduleID, err)
		}

		if ok, err := l.cold.FinalizeTransferred(ctx, evt.ScheduleID); err != nil || !ok {
			// The hot copy is live either way; the stuck-transfer reaper or a
			// later conflict path converges the cold row.
			l.log.Warn().Err(err).Bool("finalized", ok).
				Str("schedule_id", evt.ScheduleID).Msg("finalize transferred did not land")
		}
		promoted++
		observability.EventsScheduled.WithLabelValues(string(TierHot)).Inc()
	}

	observability.TransferBatchSize.Observe(float64(promoted))
	observability.TransferPasses.WithLabelValues("completed").Inc()
	l.lastTransfer.Store(l.clock().UTC().UnixMicro())
	if n, err := l.cold.CountPending(ctx); err == nil {
		observability.PendingCold.Set(float64(n))
	}
	if promoted > 0 {
		l.log.Info().Int("promoted", promoted).Int("scanned", len(batch)).Msg("transfer pass completed")
	}
	return promoted, nil
}

// CleanupPass runs lease-guarded cold-tier maintenance: reverting transfers
// stuck from a dead holder and deleting terminal rows past retention.
func (l *TransferLoop) CleanupPass(ctx context.Context) error {
	lease, err := l.locks.Acquire(ctx, coordination.CleanupLease, time.Minute)
	if err != nil {
		return fmt.Errorf("acquire cleanup lease: %w", err)
	}
	if lease == nil {
		return ErrLeaseHeld
	}
	defer lease.Release(ctx)

	now := l.clock().UTC()
	if n, err := l.cold.ReapStuckTransfers(ctx, now, 2*l.cfg.TransferInterval); err != nil {
		l.log.Error().Err(err).Msg("stuck transfer reap failed")
	} else if n > 0 {
		l.log.Warn().Int("reverted", n).Msg("reverted stuck transfers")
	}

	rows, err := l.cold.CleanupExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("cleanup expired: %w", err)
	}
	observability.ColdCleanupRows.Add(float64(rows))
	if rows > 0 {
		l.log.Info().Int64("rows", rows).Msg("expired cold rows removed")
	}
	return nil
}
