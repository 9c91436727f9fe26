package port

import (
	"context"
	"time"

	"github.com/rl1809/asset-store/internal/core/domain"
)

type CatalogRepository interface {
	// GetCatalogItems returns the items with the given ids, active or not, keyed by id
	GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error)
}

type OrderRepository interface {
	// CreateOrder persists the order and its items atomically.
	// Returns domain.ErrDuplicateOrder on an order number or token collision.
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns nil, nil when the order does not exist
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// FindOrderByPaymentRef returns nil, nil when no order carries the reference
	FindOrderByPaymentRef(ctx context.Context, paymentRef string) (*domain.Order, error)

	// FindOrders returns matching orders newest first, with items.
	// Token lookups only match orders whose expiry is after now.
	FindOrders(ctx context.Context, filter domain.OrderFilter, now time.Time) ([]domain.Order, error)

	// TransitionStatus moves a PENDING order to status and stores the payment
	// method. Returns false when the order was not PENDING.
	TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentMethod string) (bool, error)

	// RecordPaymentMethod stores the method on a PENDING order, no-op otherwise
	RecordPaymentMethod(ctx context.Context, orderID, paymentMethod string) error

	// AttachPaymentReference sets the processor reference on a PENDING order.
	// Returns false when the order was not PENDING or does not exist.
	AttachPaymentReference(ctx context.Context, orderID, paymentRef string) (bool, error)
}

type GrantRepository interface {
	// InsertGrants inserts grants, silently skipping ones that already exist
	InsertGrants(ctx context.Context, grants []domain.DownloadGrant) error

	ListGrants(ctx context.Context, orderID string) ([]domain.DownloadGrant, error)

	// GetGrant returns nil, nil when no grant exists for the pair
	GetGrant(ctx context.Context, orderID, catalogItemID string) (*domain.DownloadGrant, error)
}

type OutboxRepository interface {
	AppendOutbox(ctx context.Context, msg domain.OutboxMessage) error
	FetchPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error
}

// LedgerRepository is the full storage surface, usable inside or outside a transaction.
type LedgerRepository interface {
	CatalogRepository
	OrderRepository
	GrantRepository
	OutboxRepository
}

type DatabaseRepository interface {
	LedgerRepository

	// WithTx runs fn inside a single transaction. The repository passed to fn
	// is bound to that transaction; fn returning an error rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, repo LedgerRepository) error) error

	Ping(ctx context.Context) error
}
