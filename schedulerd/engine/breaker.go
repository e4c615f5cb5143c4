package engine

import (
	"sync"
	"time"

	"github.com/emberhq/ember/schedulerd/observability"
)

// BreakerState is the admission state of one dependency breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a consecutive-failure circuit breaker around one external
// dependency. It opens after threshold consecutive failures, half-opens
// after the cooldown to admit one probe, and closes on the probe's success.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(name string, threshold int, cooldown time.Duration, clock func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown, clock: clock}
	observability.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		b.setState(BreakerHalfOpen)
		b.probing = false
	}
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// Success records a successful call, closing a half-open breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// SkipProbe returns a half-open breaker to the waiting state when the
// admitted probe produced no call, so the next Allow admits a fresh probe.
func (b *Breaker) SkipProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Failure records a failed call. A half-open probe failure re-opens
// immediately; in the closed state the breaker opens at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.failures = 0
	b.openedAt = b.clock()
	b.setState(BreakerOpen)
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observability.BreakerState.WithLabelValues(b.name).Set(float64(s))
}
