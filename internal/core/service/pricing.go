package service

import (
	"context"
	"fmt"
	"math"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

// maxLineQuantity bounds a single cart line. It also keeps quantity within
// the INT column that stores it.
const maxLineQuantity = 1000

// BuildSnapshot prices lines against a catalog view taken once by the caller.
func BuildSnapshot(lines []domain.CartLine, catalog map[string]domain.CatalogItem) (domain.Snapshot, error) {
	if len(lines) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}

	seen := make(map[string]struct{}, len(lines))
	snapshot := domain.Snapshot{Items: make([]domain.OrderItem, 0, len(lines))}

	for _, line := range lines {
		if line.CatalogItemID == "" {
			return domain.Snapshot{}, fmt.Errorf("%w: item id is required", domain.ErrValidation)
		}
		if line.Quantity <= 0 {
			return domain.Snapshot{}, fmt.Errorf("%w: quantity for %s must be positive", domain.ErrValidation, line.CatalogItemID)
		}
		if line.Quantity > maxLineQuantity {
			return domain.Snapshot{}, fmt.Errorf("%w: quantity for %s exceeds %d", domain.ErrValidation, line.CatalogItemID, maxLineQuantity)
		}
		if _, dup := seen[line.CatalogItemID]; dup {
			return domain.Snapshot{}, fmt.Errorf("%w: item %s listed more than once", domain.ErrValidation, line.CatalogItemID)
		}
		seen[line.CatalogItemID] = struct{}{}

		item, ok := catalog[line.CatalogItemID]
		if !ok || !item.Active {
			return domain.Snapshot{}, fmt.Errorf("%w: some items not found or inactive", domain.ErrValidation)
		}

		if item.Price < 0 || (item.Price > 0 && int64(line.Quantity) > math.MaxInt64/item.Price) {
			return domain.Snapshot{}, fmt.Errorf("%w: amount for %s out of range", domain.ErrValidation, item.ID)
		}

		orderItem := domain.OrderItem{
			CatalogItemID: item.ID,
			Quantity:      line.Quantity,
			UnitPrice:     item.Price,
			Title:         item.Title,
			PreviewURL:    item.PreviewURL,
		}
		subtotal := orderItem.Subtotal()
		if snapshot.TotalAmount > math.MaxInt64-subtotal {
			return domain.Snapshot{}, fmt.Errorf("%w: order total out of range", domain.ErrValidation)
		}
		snapshot.Items = append(snapshot.Items, orderItem)
		snapshot.TotalAmount += subtotal
	}

	return snapshot, nil
}

type PricingService struct {
	catalog port.CatalogRepository
}

func NewPricingService(catalog port.CatalogRepository) *PricingService {
	return &PricingService{catalog: catalog}
}

// Price reads the referenced catalog items in one query and builds the snapshot.
func (s *PricingService) Price(ctx context.Context, lines []domain.CartLine) (domain.Snapshot, error) {
	if len(lines) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.CatalogItemID)
	}

	catalog, err := s.catalog.GetCatalogItems(ctx, ids)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: load catalog: %v", domain.ErrPersistence, err)
	}

	return BuildSnapshot(lines, catalog)
}
