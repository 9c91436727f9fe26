package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/metrics"
	"github.com/rl1809/asset-store/internal/port"
)

type GrantIssuer struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewGrantIssuer(m *metrics.Metrics, logger *zap.Logger) *GrantIssuer {
	return &GrantIssuer{metrics: m, logger: logger, now: time.Now}
}

// GrantDownloads inserts one grant per line item of order. Grants that
// already exist are left alone, so repeated calls are harmless.
func (g *GrantIssuer) GrantDownloads(ctx context.Context, repo port.GrantRepository, order domain.Order) error {
	if len(order.Items) == 0 {
		return nil
	}

	now := g.now().UTC()
	grants := make([]domain.DownloadGrant, 0, len(order.Items))
	for _, item := range order.Items {
		grants = append(grants, domain.DownloadGrant{
			OrderID:       order.ID,
			CatalogItemID: item.CatalogItemID,
			CustomerEmail: order.Customer.Email,
			CreatedAt:     now,
		})
	}

	if err := repo.InsertGrants(ctx, grants); err != nil {
		return fmt.Errorf("%w: insert download grants for order %s: %v", domain.ErrPersistence, order.ID, err)
	}

	g.metrics.GrantsIssuedAdd(len(grants))
	g.logger.Info("download grants issued", zap.String("order_id", order.ID), zap.Int("grants", len(grants)))
	return nil
}
