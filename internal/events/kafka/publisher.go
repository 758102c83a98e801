// Package kafka publishes settlement events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

// Publisher writes one message per committed settlement. Delivery failures are
// logged and dropped; settlement never waits on the broker.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher connects a writer for the given brokers and topic.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// PublishSettlement implements ledger.EventPublisher. Messages are keyed by
// account id so one account's events stay ordered within a partition.
func (publisher *Publisher) PublishSettlement(ctx context.Context, event ledger.SettlementEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		publisher.logger.Error("settlement event marshal failed", zap.Error(err))
		return
	}
	err = publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AccountID),
		Value: payload,
	})
	if err != nil {
		publisher.logger.Error("settlement event publish failed",
			zap.String("account_id", event.AccountID),
			zap.String("entry_id", event.EntryID),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}
