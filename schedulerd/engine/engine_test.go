package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember/schedulerd/analytics"
	"github.com/emberhq/ember/schedulerd/store"
)

// fakeClock is a steerable clock shared by the component under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishCall struct {
	Topic   string
	Key     string
	Headers map[string]string
	Body    []byte
}

// scriptedPublisher returns the scripted errors in order, then nil.
type scriptedPublisher struct {
	mu    sync.Mutex
	errs  []error
	calls []publishCall
}

func (p *scriptedPublisher) Publish(ctx context.Context, topic, key string, headers map[string]string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{Topic: topic, Key: key, Headers: headers, Body: body})
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func (p *scriptedPublisher) Calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []analytics.ExecutionRecord
}

func (r *captureRecorder) Emit(rec analytics.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *captureRecorder) Records() []analytics.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]analytics.ExecutionRecord(nil), r.recs...)
}

func testEvent(id string, at time.Time) *store.ScheduledEvent {
	return &store.ScheduledEvent{
		ScheduleID:  id,
		Topic:       "orders.events",
		EntityType:  "order",
		Action:      "expire",
		Body:        []byte(`{"order_id":1}`),
		ScheduledAt: at,
	}
}

func TestRoute(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	horizon := 24 * time.Hour

	cases := []struct {
		name string
		at   time.Time
		want Tier
	}{
		{"overdue", now.Add(-time.Hour), TierHot},
		{"imminent", now.Add(time.Minute), TierHot},
		{"exactly at horizon", now.Add(horizon), TierHot},
		{"just past horizon", now.Add(horizon + time.Second), TierCold},
		{"far future", now.Add(30 * 24 * time.Hour), TierCold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Route(testEvent("e", tc.at), now, horizon))
		})
	}
}

func newTestEngine(clock *fakeClock) (*Engine, *store.MemoryHotStore, *store.MemoryColdStore) {
	hot := store.NewMemoryHotStore()
	cold := store.NewMemoryColdStore(7 * 24 * time.Hour)
	eng := NewEngine(hot, cold, Config{NodeID: "node-a"}, clock.Now, zerolog.Nop())
	return eng, hot, cold
}

func TestScheduleRoutesByHorizon(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	eng, hot, cold := newTestEngine(clock)

	nearID, err := eng.Schedule(ctx, testEvent("near", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	farID, err := eng.Schedule(ctx, testEvent("far", clock.Now().Add(48*time.Hour)))
	require.NoError(t, err)

	evt, err := hot.Get(ctx, nearID)
	require.NoError(t, err)
	assert.Equal(t, store.OriginDirect, evt.Origin)
	assert.Equal(t, store.StatusPending, evt.Status)

	_, err = hot.Get(ctx, farID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	row, err := cold.Get(ctx, farID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, row.Status)
}

func TestScheduleValidation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Now())
	eng, _, _ := newTestEngine(clock)

	evt := testEvent("v", clock.Now().Add(time.Minute))
	evt.Topic = ""
	_, err := eng.Schedule(ctx, evt)
	assert.Error(t, err)

	evt = testEvent("v", time.Time{})
	_, err = eng.Schedule(ctx, evt)
	assert.Error(t, err)
}

func TestScheduleAssignsIDAndDefaults(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	eng, _, _ := newTestEngine(clock)

	evt := testEvent("", clock.Now().Add(time.Minute))
	evt.Priority = 5000
	id, err := eng.Schedule(ctx, evt)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := eng.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.MaxPriority, got.Priority, "priority clamped")
	assert.Equal(t, store.DefaultMaxDelaySeconds, got.MaxDelaySeconds)
	assert.Empty(t, evt.ScheduleID, "caller's event is not mutated")
}

func TestScheduleIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	eng, _, _ := newTestEngine(clock)

	at := clock.Now().Add(time.Hour)
	id1, err := eng.Schedule(ctx, testEvent("dup", at))
	require.NoError(t, err)
	id2, err := eng.Schedule(ctx, testEvent("dup", at))
	require.NoError(t, err, "equivalent replay is a no-op")
	assert.Equal(t, id1, id2)

	divergent := testEvent("dup", at)
	divergent.Body = []byte(`{"order_id":2}`)
	_, err = eng.Schedule(ctx, divergent)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCancelOutcomes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	eng, hot, _ := newTestEngine(clock)

	hotID, err := eng.Schedule(ctx, testEvent("hot-pending", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	coldID, err := eng.Schedule(ctx, testEvent("cold-pending", clock.Now().Add(48*time.Hour)))
	require.NoError(t, err)
	claimedID, err := eng.Schedule(ctx, testEvent("claimed", clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	_, err = hot.Claim(ctx, claimedID, "node-a", clock.Now())
	require.NoError(t, err)

	res, err := eng.Cancel(ctx, hotID)
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, res)

	res, err = eng.Cancel(ctx, coldID)
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, res)

	res, err = eng.Cancel(ctx, claimedID)
	require.NoError(t, err)
	assert.Equal(t, CancelTooLate, res, "a claimed entry is past the point of no return")

	res, err = eng.Cancel(ctx, hotID)
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res, "cancelling twice finds nothing left to cancel")

	res, err = eng.Cancel(ctx, coldID)
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res, "same for a cancelled cold row")

	res, err = eng.Cancel(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res)
}

func TestLookupPrefersHotTier(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	eng, _, _ := newTestEngine(clock)

	id, err := eng.Schedule(ctx, testEvent("near", clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	got, err := eng.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ScheduleID)

	farID, err := eng.Schedule(ctx, testEvent("far", clock.Now().Add(48*time.Hour)))
	require.NoError(t, err)
	got, err = eng.Lookup(ctx, farID)
	require.NoError(t, err)
	assert.Equal(t, farID, got.ScheduleID)

	_, err = eng.Lookup(ctx, "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
