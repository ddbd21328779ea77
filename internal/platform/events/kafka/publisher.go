// Package kafka publishes events to a Kafka topic via franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"idproof/internal/platform/events"
	"idproof/internal/platform/logger"
)

// Publisher writes events to one topic, keyed by user so per-user ordering
// holds within a partition. Produce is async; delivery failures are logged
// rather than surfaced, since event loss must not fail a proofing operation.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// New dials the brokers (comma separated) and returns a ready publisher.
func New(brokers, topic string, log *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic, log: log}, nil
}

func (p *Publisher) Emit(ctx context.Context, event events.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.UserID),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Error("event publish failed", "action", event.Action, logger.Err(err))
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
