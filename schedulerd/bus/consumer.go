package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/emberhq/ember/schedulerd/observability"
	"github.com/emberhq/ember/schedulerd/store"
)

// Header names of the delayed-events contract. Producers (the cron subsystem
// and other upstream services) attach these to each record on the delayed
// topic; the record value is the payload to deliver verbatim.
const (
	HeaderDeliveryTime  = "delivery_time"
	HeaderOriginalTopic = "original_topic"
	HeaderCorrelationID = "correlation_id"
	HeaderEntityType    = "entity_type"
	HeaderAction        = "action"
	HeaderPriority      = "priority"
	HeaderMaxDelay      = "max_delay_seconds"
)

// scheduleIDNamespace seeds deterministic IDs for records without a key, so
// a redelivered keyless record dedups to the same schedule.
var scheduleIDNamespace = uuid.MustParse("9a1c8e52-7d4b-4f6e-9b0a-5de4f2c3a881")

// Scheduler is the ingest facade the consumer feeds.
type Scheduler interface {
	Schedule(ctx context.Context, evt *store.ScheduledEvent) (string, error)
}

// IngestConsumer reads the delayed-events topic and schedules each record.
// Offsets are committed manually: a malformed record is committed so it can
// never wedge the partition, while a transient scheduling failure leaves the
// offset uncommitted for group redelivery.
type IngestConsumer struct {
	client    *kgo.Client
	scheduler Scheduler
	log       zerolog.Logger
}

func NewIngestConsumer(brokers []string, group, topic string, scheduler Scheduler, log zerolog.Logger) (*IngestConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}
	return &IngestConsumer{
		client:    client,
		scheduler: scheduler,
		log:       log.With().Str("component", "ingest").Str("topic", topic).Logger(),
	}, nil
}

// Run polls until ctx is cancelled.
func (c *IngestConsumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return
			}
			c.log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
		}

		var commit []*kgo.Record
		stalled := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if stalled {
				return // an earlier record in this poll hit a transient error; redeliver from there
			}
			if c.handle(ctx, rec) {
				commit = append(commit, rec)
			} else {
				stalled = true
			}
		})
		if len(commit) > 0 {
			if err := c.client.CommitRecords(ctx, commit...); err != nil {
				c.log.Error().Err(err).Int("records", len(commit)).Msg("offset commit failed")
			}
		}
		if stalled {
			// Back off briefly before the redelivery poll hits the same entry.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// handle schedules one record. Reports whether the offset may be committed.
func (c *IngestConsumer) handle(ctx context.Context, rec *kgo.Record) bool {
	evt, err := decodeDelayedRecord(rec)
	if err != nil {
		observability.IngestMalformed.Inc()
		c.log.Warn().Err(err).Int64("offset", rec.Offset).Int32("partition", rec.Partition).
			Msg("malformed delayed record dropped")
		return true // poison messages are committed, never redelivered
	}

	_, err = c.scheduler.Schedule(ctx, evt)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrConflict):
		// Same ID, different content. Redelivery cannot fix it.
		observability.IngestConflicts.Inc()
		c.log.Warn().Str("schedule_id", evt.ScheduleID).Msg("conflicting replay dropped")
		return true
	default:
		c.log.Error().Err(err).Str("schedule_id", evt.ScheduleID).Msg("schedule failed; leaving offset for redelivery")
		return false
	}
}

func (c *IngestConsumer) Close() error {
	c.client.Close()
	return nil
}

// decodeDelayedRecord maps a Kafka record onto a ScheduledEvent. Missing
// delivery_time or original_topic makes the record malformed.
func decodeDelayedRecord(rec *kgo.Record) (*store.ScheduledEvent, error) {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}

	rawTime, ok := headers[HeaderDeliveryTime]
	if !ok || rawTime == "" {
		return nil, fmt.Errorf("missing %s header", HeaderDeliveryTime)
	}
	scheduledAt, err := parseDeliveryTime(rawTime)
	if err != nil {
		return nil, fmt.Errorf("bad %s header %q: %w", HeaderDeliveryTime, rawTime, err)
	}

	topic := headers[HeaderOriginalTopic]
	if topic == "" {
		return nil, fmt.Errorf("missing %s header", HeaderOriginalTopic)
	}

	evt := &store.ScheduledEvent{
		ScheduleID:      string(rec.Key),
		Topic:           topic,
		EntityType:      headers[HeaderEntityType],
		Action:          headers[HeaderAction],
		Body:            rec.Value,
		CorrelationID:   headers[HeaderCorrelationID],
		ScheduledAt:     scheduledAt,
		MaxDelaySeconds: store.DefaultMaxDelaySeconds,
	}
	if raw := headers[HeaderPriority]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad %s header %q", HeaderPriority, raw)
		}
		evt.Priority = store.ClampPriority(p)
	}
	if raw := headers[HeaderMaxDelay]; raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad %s header %q", HeaderMaxDelay, raw)
		}
		evt.MaxDelaySeconds = d
	}

	// The routing headers ride along to the downstream publish.
	passthrough := make(map[string]string)
	for k, v := range headers {
		switch k {
		case HeaderDeliveryTime, HeaderOriginalTopic, HeaderPriority, HeaderMaxDelay,
			HeaderCorrelationID, HeaderEntityType, HeaderAction:
		default:
			passthrough[k] = v
		}
	}
	if len(passthrough) > 0 {
		evt.Headers = passthrough
	}

	if evt.ScheduleID == "" {
		evt.ScheduleID = deterministicScheduleID(evt)
	}
	return evt, nil
}

// parseDeliveryTime accepts RFC3339 or unix seconds.
func parseDeliveryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.UnixMicro(int64(secs * 1e6)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("not RFC3339 or unix seconds")
}

// deterministicScheduleID derives a stable ID from the record content, so a
// keyless record replayed by the upstream at-least-once consumer dedups.
func deterministicScheduleID(evt *store.ScheduledEvent) string {
	seed := fmt.Sprintf("%s|%s|%s|%d|%s",
		evt.Topic, evt.EntityType, evt.Action,
		evt.ScheduledAt.UnixMicro(), evt.Body)
	return uuid.NewSHA1(scheduleIDNamespace, []byte(seed)).String()
}
