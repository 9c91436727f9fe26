package publisher

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rl1809/asset-store/internal/core/domain"
)

// RabbitPublisher sends outbox messages to a durable queue through the
// default exchange.
type RabbitPublisher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &RabbitPublisher{conn: conn, queue: queue, ch: ch}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(
		ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.EventID,
			Type:         msg.Topic,
			Timestamp:    msg.CreatedAt.UTC(),
			Headers:      amqp.Table{"order_id": msg.Key},
			Body:         msg.Payload,
		},
	)
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
