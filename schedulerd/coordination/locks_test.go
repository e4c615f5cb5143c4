package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, nodeID string) (*LockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLockManager(client, nodeID, zerolog.Nop()), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, "node-a")
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	m2 := NewLockManager(client2, "node-b", zerolog.Nop())

	lease, err := m.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	other, err := m2.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	require.Nil(t, other, "second acquirer must be refused")

	holder, err := m2.Holder(ctx, TransferLease)
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)

	lease.Release(ctx)

	reacquired, err := m2.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reacquired, "released lease must be acquirable")
}

func TestFencingEpochsIncrease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "node-a")

	first, err := m.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	first.Release(ctx)

	second, err := m.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	require.Greater(t, second.Epoch(), first.Epoch())
}

func TestRenewKeepsLease(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, "node-a")

	lease, err := m.Acquire(ctx, CleanupLease, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mr.FastForward(50 * time.Millisecond)
	require.NoError(t, lease.Renew(ctx))

	mr.FastForward(80 * time.Millisecond)
	holder, err := m.Holder(ctx, CleanupLease)
	require.NoError(t, err)
	require.Equal(t, "node-a", holder, "renew must have reset the TTL")
}

func TestRenewAfterExpiryReportsLost(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, "node-a")

	lease, err := m.Acquire(ctx, TransferLease, 50*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	require.ErrorIs(t, lease.Renew(ctx), ErrLeaseLost)
	// Once lost, the lease stays lost.
	require.ErrorIs(t, lease.Renew(ctx), ErrLeaseLost)
}

func TestReleaseOnlyWhenOwned(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t, "node-a")
	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	m2 := NewLockManager(client2, "node-b", zerolog.Nop())

	stale, err := m.Acquire(ctx, TransferLease, 50*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(time.Second)

	current, err := m2.Acquire(ctx, TransferLease, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, current)

	// The stale holder's release must not take down the new holder's lease.
	stale.Release(ctx)
	holder, err := m.Holder(ctx, TransferLease)
	require.NoError(t, err)
	require.Equal(t, "node-b", holder)
}
