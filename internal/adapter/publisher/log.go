package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
)

// LogPublisher writes notifications to the service log. Used when no broker
// is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.logger.Info("order notification",
		zap.String("event_id", msg.EventID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
