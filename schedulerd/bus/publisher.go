package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher emits fired events to their target topics. Produces are
// synchronous: the hot loop needs a definitive outcome per attempt before it
// releases the claim.
type KafkaPublisher struct {
	client *kgo.Client
	log    zerolog.Logger
}

func NewKafkaPublisher(brokers []string, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(3),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}
	return &KafkaPublisher{
		client: client,
		log:    log.With().Str("component", "publisher").Logger(),
	}, nil
}

// Publish sends one record and waits for the broker ack. The returned error,
// when non-nil, wraps ErrPublishTransient or ErrPublishPermanent.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, headers map[string]string, body []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Value: body,
	}
	if key != "" {
		record.Key = []byte(key)
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		classified := classifyPublishError(err)
		p.log.Warn().Err(err).Str("topic", topic).Str("key", key).Msg("publish failed")
		return classified
	}
	return nil
}

// Ping verifies broker reachability.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
