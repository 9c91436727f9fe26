package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/metrics"
	"github.com/rl1809/asset-store/internal/port"
)

type RelayConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
}

// OutboxRelay drains the outbox into the event publisher. Delivery is at
// least once: a message is marked sent only after Publish succeeds.
type OutboxRelay struct {
	repo      port.OutboxRepository
	publisher port.EventPublisher
	cfg       RelayConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewOutboxRelay(repo port.OutboxRepository, publisher port.EventPublisher, cfg RelayConfig, m *metrics.Metrics, logger *zap.Logger) *OutboxRelay {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Int("workers", r.cfg.Workers))
	for {
		if _, err := r.RelayBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}

// RelayBatch publishes one batch of pending messages across the worker pool
// and returns how many were marked sent.
func (r *OutboxRelay) RelayBatch(ctx context.Context) (int, error) {
	pending, err := r.repo.FetchPendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	queue := make(chan domain.OutboxMessage)
	var sent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.workerLoop(ctx, id, queue, &sent)
		}(i)
	}

	for _, msg := range pending {
		select {
		case queue <- msg:
		case <-ctx.Done():
		}
	}
	close(queue)
	wg.Wait()

	return int(sent.Load()), nil
}

func (r *OutboxRelay) workerLoop(ctx context.Context, id int, queue <-chan domain.OutboxMessage, sent *atomic.Int32) {
	for msg := range queue {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.metrics.OutboxPublish("error")
			r.logger.Warn("outbox publish failed",
				zap.Int("worker", id), zap.String("event_id", msg.EventID), zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}

		if err := r.repo.MarkOutboxSent(ctx, msg.ID, r.now().UTC()); err != nil {
			// published but not marked: the next poll publishes it again
			r.metrics.OutboxPublish("unmarked")
			r.logger.Error("outbox mark sent failed",
				zap.Int("worker", id), zap.String("event_id", msg.EventID), zap.Error(err))
			continue
		}

		r.metrics.OutboxPublish("ok")
		sent.Add(1)
	}
}
