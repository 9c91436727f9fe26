package port

import (
	"context"

	"github.com/rl1809/asset-store/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
	Close() error
}
