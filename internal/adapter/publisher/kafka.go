package publisher

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/asset-store/internal/core/domain"
)

const (
	headerEventID = "event_id"
	headerTopic   = "event_type"
)

// KafkaPublisher writes every outbox message to one topic, keyed by order id
// so events for the same order land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokersCSV, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(splitBrokers(brokersCSV)...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Time:  msg.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(msg.EventID)},
			{Key: headerTopic, Value: []byte(msg.Topic)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func splitBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
