package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryHotStore is an in-process HotStore for tests and single-node dev
// runs. Same semantics as the Redis implementation, minus key expiry.
type MemoryHotStore struct {
	mu       sync.RWMutex
	events   map[string]*ScheduledEvent // live entries and terminal tombstones
	scores   map[string]int64           // current queue score per live entry
	pending  map[string]struct{}
	claimed  map[string]int64 // schedule ID -> claim stamp (unix micros)
	counters map[string]int64
}

func NewMemoryHotStore() *MemoryHotStore {
	return &MemoryHotStore{
		events:   make(map[string]*ScheduledEvent),
		scores:   make(map[string]int64),
		pending:  make(map[string]struct{}),
		claimed:  make(map[string]int64),
		counters: make(map[string]int64),
	}
}

func (s *MemoryHotStore) Add(ctx context.Context, evt *ScheduledEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[evt.ScheduleID]; ok {
		if existing.Equivalent(evt) {
			return nil
		}
		return ErrConflict
	}
	cp := evt.Clone()
	cp.Status = StatusPending
	s.events[evt.ScheduleID] = cp
	s.scores[evt.ScheduleID] = evt.Score()
	s.pending[evt.ScheduleID] = struct{}{}
	s.counters["scheduled"]++
	return nil
}

func (s *MemoryHotStore) PeekDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := dueScoreMax(now)
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		if s.scores[id] <= max {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := s.scores[ids[i]], s.scores[ids[j]]
		if si != sj {
			return si < sj
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*ScheduledEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.events[id].Clone())
	}
	return out, nil
}

func (s *MemoryHotStore) Claim(ctx context.Context, scheduleID, nodeID string, now time.Time) (*ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[scheduleID]; !ok {
		return nil, nil
	}
	delete(s.pending, scheduleID)
	evt := s.events[scheduleID]
	started := now.UTC()
	evt.Status = StatusProcessing
	evt.NodeID = nodeID
	evt.ProcessingStartedAt = &started
	evt.UpdatedAt = started
	s.claimed[scheduleID] = started.UnixMicro()
	return evt.Clone(), nil
}

func (s *MemoryHotStore) Release(ctx context.Context, scheduleID string, out Outcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claimed, scheduleID)
	evt, ok := s.events[scheduleID]
	if !ok {
		return nil
	}
	evt.ProcessingStartedAt = nil
	evt.NodeID = ""
	evt.UpdatedAt = now.UTC()

	switch out.Kind {
	case OutcomeRequeue:
		evt.Status = StatusPending
		evt.RetryCount = out.RetryCount
		evt.Error = out.Reason
		s.scores[scheduleID] = now.Add(out.RequeueDelay).UTC().Truncate(time.Second).UnixMicro()
		s.pending[scheduleID] = struct{}{}
		s.counters["requeued"]++
	case OutcomeSucceeded:
		evt.Status = StatusSucceeded
		delete(s.scores, scheduleID)
		s.counters["succeeded"]++
	case OutcomeFailed:
		evt.Status = StatusFailed
		evt.Error = out.Reason
		delete(s.scores, scheduleID)
		s.counters["failed"]++
	}
	return nil
}

func (s *MemoryHotStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[scheduleID]; !ok {
		return false, nil
	}
	delete(s.pending, scheduleID)
	delete(s.scores, scheduleID)
	evt := s.events[scheduleID]
	evt.Status = StatusCancelled
	evt.UpdatedAt = time.Now().UTC()
	s.counters["cancelled"]++
	return true, nil
}

func (s *MemoryHotStore) ReapStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-threshold).UTC().UnixMicro()
	n := 0
	for id, stamp := range s.claimed {
		if stamp > cutoff {
			continue
		}
		delete(s.claimed, id)
		evt := s.events[id]
		evt.Status = StatusPending
		evt.NodeID = ""
		evt.ProcessingStartedAt = nil
		evt.UpdatedAt = now.UTC()
		s.pending[id] = struct{}{}
		n++
	}
	if n > 0 {
		s.counters["reaped"] += int64(n)
	}
	return n, nil
}

func (s *MemoryHotStore) Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[scheduleID]
	if !ok {
		return nil, ErrNotFound
	}
	return evt.Clone(), nil
}

func (s *MemoryHotStore) CountPending(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pending)), nil
}

func (s *MemoryHotStore) CountDue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := dueScoreMax(now)
	var n int64
	for id := range s.pending {
		if s.scores[id] <= max {
			n++
		}
	}
	return n, nil
}

func (s *MemoryHotStore) CountProcessing(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.claimed)), nil
}

func (s *MemoryHotStore) Counters(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryHotStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryHotStore) Close() error                   { return nil }

// MemoryColdStore is an in-process ColdStore for tests and the memory cold
// backend in dev mode.
type MemoryColdStore struct {
	mu        sync.RWMutex
	rows      map[string]*ScheduledEvent
	retention time.Duration
}

func NewMemoryColdStore(retention time.Duration) *MemoryColdStore {
	return &MemoryColdStore{
		rows:      make(map[string]*ScheduledEvent),
		retention: retention,
	}
}

func (s *MemoryColdStore) Insert(ctx context.Context, evt *ScheduledEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[evt.ScheduleID]; ok {
		if existing.Equivalent(evt) {
			return nil
		}
		return ErrConflict
	}
	cp := evt.Clone()
	cp.Status = StatusPending
	s.rows[evt.ScheduleID] = cp
	return nil
}

func (s *MemoryColdStore) Get(ctx context.Context, scheduleID string) (*ScheduledEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[scheduleID]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryColdStore) ScanDueForTransfer(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*ScheduledEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline := now.Add(horizon)
	var due []*ScheduledEvent
	for _, row := range s.rows {
		if row.Status == StatusPending && !row.ScheduledAt.After(deadline) {
			due = append(due, row.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduleID < due[j].ScheduleID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryColdStore) MarkTransferring(ctx context.Context, scheduleID, nodeID string) (bool, error) {
	return s.transition(scheduleID, StatusPending, StatusTransferring, nodeID)
}

func (s *MemoryColdStore) FinalizeTransferred(ctx context.Context, scheduleID string) (bool, error) {
	return s.transition(scheduleID, StatusTransferring, StatusSucceeded, "")
}

func (s *MemoryColdStore) RevertTransfer(ctx context.Context, scheduleID string) (bool, error) {
	return s.transition(scheduleID, StatusTransferring, StatusPending, "")
}

func (s *MemoryColdStore) transition(scheduleID string, from, to Status, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[scheduleID]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	row.UpdatedAt = time.Now().UTC()
	if nodeID != "" {
		row.NodeID = nodeID
	} else if to == StatusPending {
		row.NodeID = ""
	}
	return true, nil
}

func (s *MemoryColdStore) ReapStuckTransfers(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-threshold)
	n := 0
	for _, row := range s.rows {
		if row.Status == StatusTransferring && row.UpdatedAt.Before(cutoff) {
			row.Status = StatusPending
			row.NodeID = ""
			row.UpdatedAt = now.UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryColdStore) Cancel(ctx context.Context, scheduleID string) (bool, error) {
	return s.transition(scheduleID, StatusPending, StatusCancelled, "")
}

func (s *MemoryColdStore) MarkFinal(ctx context.Context, scheduleID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[scheduleID]
	if !ok || row.Status == StatusCancelled {
		return nil
	}
	row.Status = status
	row.Error = errMsg
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryColdStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.retention)
	var n int64
	for id, row := range s.rows {
		if (row.Status == StatusSucceeded || row.Status == StatusFailed || row.Status == StatusCancelled) &&
			row.UpdatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryColdStore) List(ctx context.Context, status Status, limit int) ([]*ScheduledEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledEvent
	for _, row := range s.rows {
		if status == "" || row.Status == status {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryColdStore) CountPending(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, row := range s.rows {
		if row.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryColdStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryColdStore) Close() error                   { return nil }

var (
	_ HotStore  = (*MemoryHotStore)(nil)
	_ ColdStore = (*MemoryColdStore)(nil)
)
