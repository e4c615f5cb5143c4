package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// terminalTombstoneTTL keeps finished entries around briefly so a replayed
// schedule request for an already-fired ID dedups instead of re-firing.
const terminalTombstoneTTL = time.Hour

// Lua scripts for the hot tier. Each runs as a single instruction from the
// Redis perspective, which is what makes claim/release safe across nodes.

// addScript inserts a pending entry if the ID is free, no-ops on an
// equivalent replay, and rejects divergent content.
// KEYS[1]=event hash, KEYS[2]=pending zset, KEYS[3]=counters hash
// ARGV[1]=id, ARGV[2]=envelope JSON, ARGV[3]=score, ARGV[4]=retry_count,
// ARGV[5]=origin, ARGV[6]=created_at_us, ARGV[7]=now_us, ARGV[8]=ttl_seconds
// Returns 1 on insert or idempotent replay, 0 on conflict.
const addScript = `
local existing = redis.call("HGET", KEYS[1], "data")
if existing then
    if existing == ARGV[2] then
        return 1
    end
    return 0
end
redis.call("HSET", KEYS[1],
    "data", ARGV[2],
    "score", ARGV[3],
    "status", "pending",
    "retry_count", ARGV[4],
    "origin", ARGV[5],
    "created_at_us", ARGV[6],
    "updated_at_us", ARGV[7],
    "node_id", "",
    "error", "")
redis.call("EXPIRE", KEYS[1], ARGV[8])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("HINCRBY", KEYS[3], "scheduled", 1)
return 1
`

// claimScript atomically moves a pending entry to processing. The ZREM is
// the linearization point: exactly one concurrent claimer sees 1.
// KEYS[1]=event hash, KEYS[2]=pending zset, KEYS[3]=processing zset
// ARGV[1]=id, ARGV[2]=node_id, ARGV[3]=now_us
// Returns the full event hash, or false when the entry was taken or gone.
const claimScript = `
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
    return false
end
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
redis.call("HSET", KEYS[1],
    "status", "processing",
    "node_id", ARGV[2],
    "processing_started_at_us", ARGV[3],
    "updated_at_us", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return redis.call("HGETALL", KEYS[1])
`

// releaseScript completes a claim. Terminal outcomes leave a short-lived
// tombstone; requeue rewrites the score and returns the entry to pending.
// KEYS[1]=event hash, KEYS[2]=pending zset, KEYS[3]=processing zset,
// KEYS[4]=counters hash
// ARGV[1]=id, ARGV[2]=mode (succeeded|failed|requeue), ARGV[3]=now_us,
// ARGV[4]=requeue score, ARGV[5]=retry_count, ARGV[6]=reason,
// ARGV[7]=tombstone ttl seconds
const releaseScript = `
redis.call("ZREM", KEYS[3], ARGV[1])
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
if ARGV[2] == "requeue" then
    redis.call("HSET", KEYS[1],
        "status", "pending",
        "score", ARGV[4],
        "retry_count", ARGV[5],
        "error", ARGV[6],
        "updated_at_us", ARGV[3],
        "node_id", "")
    redis.call("HDEL", KEYS[1], "processing_started_at_us")
    redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
    redis.call("HINCRBY", KEYS[4], "requeued", 1)
    return 1
end
redis.call("HSET", KEYS[1],
    "status", ARGV[2],
    "error", ARGV[6],
    "updated_at_us", ARGV[3],
    "node_id", "")
redis.call("HDEL", KEYS[1], "processing_started_at_us")
redis.call("EXPIRE", KEYS[1], ARGV[7])
redis.call("HINCRBY", KEYS[4], ARGV[2], 1)
return 1
`

// cancelScript removes a pending entry, leaving a cancelled tombstone.
// KEYS[1]=event hash, KEYS[2]=pending zset, KEYS[3]=counters hash
// ARGV[1]=id, ARGV[2]=now_us, ARGV[3]=tombstone ttl seconds
// Returns 1 when cancelled, 0 when not pending here.
const cancelScript = `
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "status", "cancelled", "updated_at_us", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("HINCRBY", KEYS[3], "cancelled", 1)
return 1
`

// reapScript reverts processing entries whose claim stamp is older than the
// cutoff. Entries keep their original score so an overdue entry goes back to
// the front of the queue.
// KEYS[1]=processing zset, KEYS[2]=pending zset, KEYS[3]=counters hash
// ARGV[1]=cutoff claim stamp (us), ARGV[2]=event key prefix, ARGV[3]=now_us,
// ARGV[4]=batch limit
// Returns the number of entries reverted.
const reapScript = `
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[4]))
local n = 0
for _, id in ipairs(stale) do
    redis.call("ZREM", KEYS[1], id)
    local ek = ARGV[2] .. id
    if redis.call("EXISTS", ek) == 1 then
        local score = redis.call("HGET", ek, "score")
        redis.call("HSET", ek,
            "status", "pending",
            "node_id", "",
            "updated_at_us", ARGV[3])
        redis.call("HDEL", ek, "processing_started_at_us")
        redis.call("ZADD", KEYS[2], tonumber(score), id)
        n = n + 1
    end
end
if n > 0 then
    redis.call("HINCRBY", KEYS[3], "reaped", n)
end
return n
`

var hotScripts = map[string]string{
	"add":     addScript,
	"claim":   claimScript,
	"release": releaseScript,
	"cancel":  cancelScript,
	"reap":    reapScript,
}

// envelope is the immutable portion of an event, stored as one JSON blob in
// the hash. Equality of this blob is the idempotency test, so lifecycle
// fields (status, retries, timestamps, origin) must stay out of it.
type envelope struct {
	ScheduleID    string            `json:"schedule_id"`
	Topic         string            `json:"topic"`
	EntityType    string            `json:"entity_type,omitempty"`
	Action        string            `json:"action,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ScheduledAtUs int64             `json:"scheduled_at_us"`
	Priority      int               `json:"priority"`
	MaxDelaySec   int               `json:"max_delay_seconds"`
}

// RedisHotStore implements HotStore on a Redis sorted set plus one hash per
// event. All multi-key transitions run as preloaded Lua scripts.
type RedisHotStore struct {
	client *redis.Client
	shas   map[string]string
}

// NewRedisHotStore connects, verifies the connection, and preloads the
// claim/release scripts so the hot path sends only SHAs.
func NewRedisHotStore(addr, password string, db int) (*RedisHotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &RedisHotStore{client: client, shas: make(map[string]string, len(hotScripts))}
	for name, src := range hotScripts {
		sha, err := client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return nil, fmt.Errorf("preload %s script: %w", name, err)
		}
		s.shas[name] = sha
	}
	return s, nil
}

// NewRedisHotStoreFromClient wraps an existing client. Used by tests.
func NewRedisHotStoreFromClient(ctx context.Context, client *redis.Client) (*RedisHotStore, error) {
	s := &RedisHotStore{client: client, shas: make(map[string]string, len(hotScripts))}
	for name, src := range hotScripts {
		sha, err := client.ScriptLoad(ctx, src).Result()
		if err != nil {
			return nil, fmt.Errorf("preload %s script: %w", name, err)
		}
		s.shas[name] = sha
	}
	return s, nil
}

// run executes a preloaded script, reloading it once if Redis restarted and
// lost the script cache.
func (s *RedisHotStore) run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.client.EvalSha(ctx, s.shas[name], keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		sha, lerr := s.client.ScriptLoad(ctx, hotScripts[name]).Result()
		if lerr != nil {
			return nil, lerr
		}
		s.shas[name] = sha
		res, err = s.client.EvalSha(ctx, sha, keys, args...).Result()
	}
	return res, err
}

func (s *RedisHotStore) Add(ctx context.Context, evt *ScheduledEvent) error {
	env := envelope{
		ScheduleID:    evt.ScheduleID,
		Topic:         evt.Topic,
		EntityType:    evt.EntityType,
		Action:        evt.Action,
		Body:          evt.Body,
		CorrelationID: evt.CorrelationID,
		Headers:       evt.Headers,
		ScheduledAtUs: evt.ScheduledAt.UTC().UnixMicro(),
		Priority:      evt.Priority,
		MaxDelaySec:   evt.MaxDelaySeconds,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// The value must outlive its fire time plus the delivery tolerance;
	// anything still around after that is an orphan Redis may drop.
	ttl := time.Until(evt.ScheduledAt) + time.Duration(evt.MaxDelaySeconds)*time.Second + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}

	res, err := s.run(ctx, "add",
		[]string{EventKey(evt.ScheduleID), PendingIndexKey, CountersKey},
		evt.ScheduleID,
		string(data),
		evt.Score(),
		evt.RetryCount,
		string(evt.Origin),
		evt.CreatedAt.UTC().UnixMicro(),
		evt.UpdatedAt.UTC().UnixMicro(),
		int(ttl.Seconds()),
	)
	if err != nil {
		return Transient(err)
	}
	if v, ok := res.(int64); ok && v == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisHotStore) PeekDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledEvent, error) {
	ids, err := s.client.ZRangeByScore(ctx, PendingIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(dueScoreMax(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, Transient(err)
	}
	events := make([]*ScheduledEvent, 0, len(ids))
	for _, id := range ids {
		evt, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue // value expired under the index entry
			}
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisHotStore) Claim(ctx context.Context, scheduleID, nodeID string, now time.Time) (*ScheduledEvent, error) {
	res, err := s.run(ctx, "claim",
		[]string{EventKey(scheduleID), PendingIndexKey, ProcessingIndexKey},
		scheduleID, nodeID, now.UTC().UnixMicro(),
	)
	if err != nil {
		if err == redis.Nil {
			return nil, nil // lost the race or entry is gone
		}
		return nil, Transient(err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, nil
	}
	return eventFromHashSlice(fields)
}

func (s *RedisHotStore) Release(ctx context.Context, scheduleID string, out Outcome, now time.Time) error {
	mode := out.Kind.String()
	var requeueScore int64
	if out.Kind == OutcomeRequeue {
		at := now.Add(out.RequeueDelay)
		requeueScore = at.UTC().Truncate(time.Second).UnixMicro()
	}
	_, err := s.run(ctx, "release",
		[]string{EventKey(scheduleID), PendingIndexKey, ProcessingIndexKey, CountersKey},
		scheduleID,
		mode,
		now.UTC().UnixMicro(),
		requeueScore,
		out.RetryCount,
		out.Reason,
		int(terminalTombstoneTTL.Seconds()),
	)
	if err != nil {
		return Transient(err)
	}
	return nil
}

func (s *RedisHotStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	res, err := s.run(ctx, "cancel",
		[]string{EventKey(scheduleID), PendingIndexKey, CountersKey},
		scheduleID,
		time.Now().UTC().UnixMicro(),
		int(terminalTombstoneTTL.Seconds()),
	)
	if err != nil {
		return false, Transient(err)
	}
	v, _ := res.(int64)
	return v == 1, nil
}

func (s *RedisHotStore) ReapStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold).UTC().UnixMicro()
	res, err := s.run(ctx, "reap",
		[]string{ProcessingIndexKey, PendingIndexKey, CountersKey},
		cutoff,
		EventKey(""),
		now.UTC().UnixMicro(),
		1000,
	)
	if err != nil {
		return 0, Transient(err)
	}
	n, _ := res.(int64)
	return int(n), nil
}

func (s *RedisHotStore) Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error) {
	fields, err := s.client.HGetAll(ctx, EventKey(scheduleID)).Result()
	if err != nil {
		return nil, Transient(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return eventFromHashMap(fields)
}

func (s *RedisHotStore) CountPending(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, PendingIndexKey).Result()
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

func (s *RedisHotStore) CountDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, PendingIndexKey, "-inf", strconv.FormatInt(dueScoreMax(now), 10)).Result()
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

func (s *RedisHotStore) CountProcessing(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, ProcessingIndexKey).Result()
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

func (s *RedisHotStore) Counters(ctx context.Context) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, CountersKey).Result()
	if err != nil {
		return nil, Transient(err)
	}
	out := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (s *RedisHotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisHotStore) Close() error {
	return s.client.Close()
}

// dueScoreMax is the highest score an entry due at now can carry: the floor
// of the current second plus the largest negative-priority shift.
func dueScoreMax(now time.Time) int64 {
	return now.UTC().Truncate(time.Second).UnixMicro() + MaxPriority*PriorityWeight
}

func eventFromHashSlice(fields []interface{}) (*ScheduledEvent, error) {
	m := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		k, kok := fields[i].(string)
		v, vok := fields[i+1].(string)
		if kok && vok {
			m[k] = v
		}
	}
	return eventFromHashMap(m)
}

func eventFromHashMap(m map[string]string) (*ScheduledEvent, error) {
	raw, ok := m["data"]
	if !ok {
		return nil, fmt.Errorf("event hash missing data field")
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	evt := &ScheduledEvent{
		ScheduleID:      env.ScheduleID,
		Topic:           env.Topic,
		EntityType:      env.EntityType,
		Action:          env.Action,
		Body:            env.Body,
		CorrelationID:   env.CorrelationID,
		Headers:         env.Headers,
		ScheduledAt:     time.UnixMicro(env.ScheduledAtUs).UTC(),
		Priority:        env.Priority,
		MaxDelaySeconds: env.MaxDelaySec,
		Status:          Status(m["status"]),
		Origin:          Origin(m["origin"]),
		NodeID:          m["node_id"],
		Error:           m["error"],
	}
	if v, err := strconv.Atoi(m["retry_count"]); err == nil {
		evt.RetryCount = v
	}
	if us, err := strconv.ParseInt(m["created_at_us"], 10, 64); err == nil {
		evt.CreatedAt = time.UnixMicro(us).UTC()
	}
	if us, err := strconv.ParseInt(m["updated_at_us"], 10, 64); err == nil {
		evt.UpdatedAt = time.UnixMicro(us).UTC()
	}
	if v, ok := m["processing_started_at_us"]; ok && v != "" {
		if us, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMicro(us).UTC()
			evt.ProcessingStartedAt = &t
		}
	}
	return evt, nil
}

var _ HotStore = (*RedisHotStore)(nil)
