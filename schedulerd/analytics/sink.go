package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/observability"
)

// Writer persists a batch of records. A failed batch is logged and dropped;
// the sink never retries and never pushes back on the caller.
type Writer interface {
	WriteBatch(ctx context.Context, records []ExecutionRecord) error
}

// Broadcaster receives each record as it is emitted, for live streaming.
// Implementations must not block.
type Broadcaster interface {
	Broadcast(rec ExecutionRecord)
}

// SinkConfig tunes the batching behavior.
type SinkConfig struct {
	BatchSize     int           // flush when the buffer reaches this size
	FlushInterval time.Duration // flush at least this often
	QueueSize     int           // Emit drops once this many records are queued
}

func (c *SinkConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.BatchSize * 10
	}
}

// Sink buffers execution records and writes them in batches, flushing at
// batch size or max age, whichever comes first. Emit is non-blocking: under
// pressure records are counted and dropped rather than stalling executions.
type Sink struct {
	writer      Writer
	broadcaster Broadcaster
	cfg         SinkConfig
	log         zerolog.Logger

	queue   chan ExecutionRecord
	done    chan struct{}
	stopped sync.Once

	mu      sync.Mutex
	dropped int64
}

func NewSink(writer Writer, broadcaster Broadcaster, cfg SinkConfig, log zerolog.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{
		writer:      writer,
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         log.With().Str("component", "analytics").Logger(),
		queue:       make(chan ExecutionRecord, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Emit enqueues one record. Never blocks; drops when the queue is full.
func (s *Sink) Emit(rec ExecutionRecord) {
	observability.EventsFired.WithLabelValues(string(rec.Status)).Inc()
	observability.ExecutionDelaySeconds.Observe(rec.DelaySeconds)
	observability.ProcessingTimeMs.Observe(float64(rec.ProcessingMs))
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(rec)
	}
	select {
	case s.queue <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		observability.AnalyticsDropped.Inc()
	}
}

// Dropped returns the number of records dropped under pressure.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run drains the queue until ctx is cancelled, then performs a final flush.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ExecutionRecord, 0, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.drainInto(&batch)
			s.flush(batch)
			s.stopped.Do(func() { close(s.done) })
			return
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// Done closes after the final flush has completed.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) drainInto(batch *[]ExecutionRecord) {
	for {
		select {
		case rec := <-s.queue:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (s *Sink) flush(batch []ExecutionRecord) {
	if len(batch) == 0 || s.writer == nil {
		return
	}
	// Detached context: a shutdown must not cancel the final write mid-flight.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.writer.WriteBatch(ctx, batch); err != nil {
		s.log.Error().Err(err).Int("records", len(batch)).Msg("analytics flush failed; batch dropped")
		observability.AnalyticsDropped.Add(float64(len(batch)))
	}
}
