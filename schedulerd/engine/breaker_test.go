package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := NewBreaker("dep", 3, 30*time.Second, clock.Now)

	assert.True(t, b.Allow())
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "below threshold")
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := NewBreaker("dep", 3, 30*time.Second, clock.Now)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "the streak restarted after a success")
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := NewBreaker("dep", 1, 30*time.Second, clock.Now)

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow(), "cooldown elapsed; one probe admitted")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe until its outcome lands")

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSkipProbeFreesTheSlot(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := NewBreaker("dep", 1, 30*time.Second, clock.Now)

	b.Failure()
	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())

	// The admitted caller found no work; without the hand-back the breaker
	// would stay half-open with its probe slot taken forever.
	b.SkipProbe()
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow(), "a fresh probe is admitted")
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock(time.Now())
	b := NewBreaker("dep", 1, 30*time.Second, clock.Now)

	b.Failure()
	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "cooldown restarts from the probe failure")

	clock.Advance(31 * time.Second)
	assert.True(t, b.Allow())
}
