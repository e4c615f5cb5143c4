// Package coordination provides fenced TTL leases on Redis for the
// fleet-wide single-flight tasks: the transfer pump and cold-tier cleanup.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/store"
)

// ErrLeaseLost means the holder discovered its lease expired or was taken
// over. The current pass must abort; whatever was left half-done is repaired
// by the next holder.
var ErrLeaseLost = errors.New("lease lost")

// Well-known lease names.
const (
	TransferLease = "transfer"
	CleanupLease  = "cleanup"
)

// leaseValue is the JSON stored under the lease key. Renew and release
// compare the whole serialized value, so a lease acquired by another holder
// (different epoch) never matches.
type leaseValue struct {
	Holder     string    `json:"holder"`
	Epoch      int64     `json:"epoch"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// renewScript extends the TTL only when the stored value still matches ours.
// KEYS[1]=lease key, ARGV[1]=expected value, ARGV[2]=ttl millis
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the lease only when we still own it.
// KEYS[1]=lease key, ARGV[1]=expected value
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// LockManager hands out named leases backed by Redis. Each acquisition draws
// a fencing epoch from a monotonic counter, so a holder resurfacing after a
// pause can be told apart from the current one.
type LockManager struct {
	client *redis.Client
	nodeID string
	log    zerolog.Logger
}

func NewLockManager(client *redis.Client, nodeID string, log zerolog.Logger) *LockManager {
	return &LockManager{
		client: client,
		nodeID: nodeID,
		log:    log.With().Str("component", "locks").Logger(),
	}
}

// Lease is a held named lease. Not safe for concurrent use; a lease belongs
// to the single loop that acquired it.
type Lease struct {
	m     *LockManager
	name  string
	ttl   time.Duration
	epoch int64
	value string
	lost  bool
}

// Acquire attempts to take the named lease. Returns (nil, nil) when another
// holder has it; that is the normal case on all but one node.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	epoch, err := m.client.Incr(ctx, store.LeaseEpochKey(name)).Result()
	if err != nil {
		return nil, store.Transient(fmt.Errorf("lease epoch: %w", err))
	}
	val, err := json.Marshal(leaseValue{
		Holder:     m.nodeID,
		Epoch:      epoch,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	ok, err := m.client.SetNX(ctx, store.LeaseKey(name), string(val), ttl).Result()
	if err != nil {
		return nil, store.Transient(fmt.Errorf("lease setnx: %w", err))
	}
	if !ok {
		return nil, nil
	}
	m.log.Debug().Str("lease", name).Int64("epoch", epoch).Msg("lease acquired")
	return &Lease{m: m, name: name, ttl: ttl, epoch: epoch, value: string(val)}, nil
}

// Holder returns the node ID currently holding the named lease, or empty
// when the lease is free.
func (m *LockManager) Holder(ctx context.Context, name string) (string, error) {
	raw, err := m.client.Get(ctx, store.LeaseKey(name)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", store.Transient(err)
	}
	var v leaseValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", nil
	}
	return v.Holder, nil
}

func (m *LockManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Epoch is the fencing token drawn at acquisition. Strictly increases across
// successive holders of the same lease name.
func (l *Lease) Epoch() int64 { return l.epoch }

// Renew extends the lease TTL. Returns ErrLeaseLost when the lease expired
// or was taken by someone else; the caller must abort its pass.
func (l *Lease) Renew(ctx context.Context) error {
	if l.lost {
		return ErrLeaseLost
	}
	res, err := l.m.client.Eval(ctx, renewScript,
		[]string{store.LeaseKey(l.name)}, l.value, l.ttl.Milliseconds()).Result()
	if err != nil {
		return store.Transient(fmt.Errorf("lease renew: %w", err))
	}
	if n, _ := res.(int64); n == 0 {
		l.lost = true
		l.m.log.Warn().Str("lease", l.name).Int64("epoch", l.epoch).Msg("lease lost during renew")
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up if still held. Safe to call after a lost renew.
func (l *Lease) Release(ctx context.Context) {
	if l.lost {
		return
	}
	l.lost = true
	if _, err := l.m.client.Eval(ctx, releaseScript,
		[]string{store.LeaseKey(l.name)}, l.value).Result(); err != nil {
		l.m.log.Warn().Err(err).Str("lease", l.name).Msg("lease release failed; will expire by TTL")
	}
}
