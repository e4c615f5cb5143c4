// Package bus connects the scheduler to Kafka: a producer for fired events
// and a group consumer for the delayed-events ingest topic.
package bus

import (
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
)

var (
	// ErrPublishTransient means the publish may succeed on retry. The hot
	// loop requeues the entry with backoff.
	ErrPublishTransient = errors.New("transient publish failure")

	// ErrPublishPermanent means no retry can help (bad topic, record too
	// large, authorization). The entry is marked failed.
	ErrPublishPermanent = errors.New("permanent publish failure")
)

// classifyPublishError wraps a raw produce error as transient or permanent.
// Broker errors carry their own retriability; anything else (timeouts,
// connection loss, caller cancellation during shutdown) is treated as
// transient, so only the broker's own verdict can mark an entry failed.
func classifyPublishError(err error) error {
	if err == nil {
		return nil
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && !ke.Retriable {
		return errors.Join(ErrPublishPermanent, err)
	}
	return errors.Join(ErrPublishTransient, err)
}
