package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisHot(t *testing.T) *RedisHotStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := NewRedisHotStoreFromClient(context.Background(), client)
	require.NoError(t, err)
	return s
}

func hotEvent(id string, at time.Time) *ScheduledEvent {
	now := time.Now().UTC()
	return &ScheduledEvent{
		ScheduleID:      id,
		Topic:           "orders.events",
		EntityType:      "order",
		Action:          "expire",
		Body:            []byte(`{"order_id":1}`),
		Headers:         map[string]string{"trace_id": "abc"},
		ScheduledAt:     at.UTC(),
		MaxDelaySeconds: 86400,
		Status:          StatusPending,
		Origin:          OriginDirect,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestRedisHotAddAndGet(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Add(ctx, hotEvent("e1", at)))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "orders.events", got.Topic)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, OriginDirect, got.Origin)
	assert.True(t, got.ScheduledAt.Equal(at))
	assert.Equal(t, map[string]string{"trace_id": "abc"}, got.Headers)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisHotAddIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	at := time.Now().Add(time.Hour)

	require.NoError(t, s.Add(ctx, hotEvent("dup", at)))
	require.NoError(t, s.Add(ctx, hotEvent("dup", at)), "equivalent replay is a no-op")

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	divergent := hotEvent("dup", at)
	divergent.Body = []byte(`{"order_id":2}`)
	assert.ErrorIs(t, s.Add(ctx, divergent), ErrConflict)
}

func TestRedisHotPeekDueOrdering(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()

	early := hotEvent("early", now.Add(-2*time.Minute))
	late := hotEvent("late", now.Add(-time.Minute))
	future := hotEvent("future", now.Add(time.Hour))
	urgent := hotEvent("urgent", now.Add(-time.Minute))
	urgent.Priority = 10

	for _, evt := range []*ScheduledEvent{late, future, early, urgent} {
		require.NoError(t, s.Add(ctx, evt))
	}

	due, err := s.PeekDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3, "future entry is not due")
	assert.Equal(t, "early", due[0].ScheduleID)
	assert.Equal(t, "urgent", due[1].ScheduleID, "priority wins within the same second")
	assert.Equal(t, "late", due[2].ScheduleID)

	n, err := s.CountDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisHotClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()
	require.NoError(t, s.Add(ctx, hotEvent("contested", now.Add(-time.Minute))))

	const claimers = 8
	var wg sync.WaitGroup
	winners := make(chan *ScheduledEvent, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			evt, err := s.Claim(ctx, "contested", fmt.Sprintf("node-%d", n), now)
			assert.NoError(t, err)
			if evt != nil {
				winners <- evt
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []*ScheduledEvent
	for evt := range winners {
		won = append(won, evt)
	}
	require.Len(t, won, 1, "exactly one claimer wins")
	assert.Equal(t, StatusProcessing, won[0].Status)
	assert.NotNil(t, won[0].ProcessingStartedAt)

	n, err := s.CountProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisHotReleaseSucceededLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()
	require.NoError(t, s.Add(ctx, hotEvent("done", now.Add(-time.Minute))))
	_, err := s.Claim(ctx, "done", "node-a", now)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "done", Succeeded(), now))

	got, err := s.Get(ctx, "done")
	require.NoError(t, err, "tombstone still readable for dedup and cancel discrimination")
	assert.Equal(t, StatusSucceeded, got.Status)

	pending, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	processing, err := s.CountProcessing(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestRedisHotReleaseRequeue(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()
	require.NoError(t, s.Add(ctx, hotEvent("again", now.Add(-time.Minute))))
	_, err := s.Claim(ctx, "again", "node-a", now)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "again", Requeue(30*time.Second, 1, "broker down"), now))

	got, err := s.Get(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "broker down", got.Error)

	due, err := s.PeekDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "requeued past its backoff delay")

	due, err = s.PeekDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "again", due[0].ScheduleID)
}

func TestRedisHotCancel(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()
	require.NoError(t, s.Add(ctx, hotEvent("victim", now.Add(time.Hour))))

	removed, err := s.Cancel(ctx, "victim")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err := s.Get(ctx, "victim")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	removed, err = s.Cancel(ctx, "victim")
	require.NoError(t, err)
	assert.False(t, removed, "not pending anymore")

	removed, err = s.Cancel(ctx, "never-existed")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisHotCancelClaimedEntry(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()
	require.NoError(t, s.Add(ctx, hotEvent("busy", now.Add(-time.Minute))))
	_, err := s.Claim(ctx, "busy", "node-a", now)
	require.NoError(t, err)

	removed, err := s.Cancel(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, removed, "a claimed entry is not cancellable")

	got, err := s.Get(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestRedisHotReapStale(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()

	require.NoError(t, s.Add(ctx, hotEvent("orphan", now.Add(-time.Minute))))
	require.NoError(t, s.Add(ctx, hotEvent("fresh", now.Add(-time.Minute))))

	// One claim long ago, one just now.
	_, err := s.Claim(ctx, "orphan", "node-dead", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.Claim(ctx, "fresh", "node-live", now)
	require.NoError(t, err)

	reaped, err := s.ReapStale(ctx, now, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := s.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.NodeID)

	got, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "fresh claim untouched")

	due, err := s.PeekDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "orphan", due[0].ScheduleID, "reaped entry keeps its original slot")
}

func TestRedisHotCounters(t *testing.T) {
	ctx := context.Background()
	s := newRedisHot(t)
	now := time.Now().UTC()

	require.NoError(t, s.Add(ctx, hotEvent("c1", now.Add(-time.Minute))))
	require.NoError(t, s.Add(ctx, hotEvent("c2", now.Add(time.Hour))))
	_, err := s.Claim(ctx, "c1", "node-a", now)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "c1", Succeeded(), now))
	_, err = s.Cancel(ctx, "c2")
	require.NoError(t, err)

	counters, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["scheduled"])
	assert.Equal(t, int64(1), counters["succeeded"])
	assert.Equal(t, int64(1), counters["cancelled"])
}
