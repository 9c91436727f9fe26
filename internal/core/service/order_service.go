package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

const createOrderAttempts = 3

type OrderServiceConfig struct {
	OrderTTL       time.Duration
	PaymentLinkTTL time.Duration
	Currency       string
	StoreName      string
	// StoreBaseURL is where the processor redirects the customer after paying
	StoreBaseURL string
}

// Transition is the result of a status update. Order holds the state after
// the call; Changed is true only for the call that moved it out of PENDING.
type Transition struct {
	Order   domain.Order
	Changed bool
}

type OrderService struct {
	db      port.DatabaseRepository
	pricing *PricingService
	gateway port.PaymentGateway
	grants  *GrantIssuer
	cfg     OrderServiceConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewOrderService(
	db port.DatabaseRepository,
	gateway port.PaymentGateway,
	grants *GrantIssuer,
	cfg OrderServiceConfig,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		db:      db,
		pricing: NewPricingService(db),
		gateway: gateway,
		grants:  grants,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Checkout prices the cart and stores a PENDING order with its line items.
func (s *OrderService) Checkout(ctx context.Context, customer domain.Customer, lines []domain.CartLine) (*domain.Order, error) {
	customer, err := normalizeCustomer(customer)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.pricing.Price(ctx, lines)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= createOrderAttempts; attempt++ {
		order, err := s.newOrder(customer, snapshot)
		if err != nil {
			return nil, err
		}

		err = s.db.CreateOrder(ctx, order)
		if errors.Is(err, domain.ErrDuplicateOrder) {
			s.logger.Warn("order identifier collision, retrying",
				zap.String("order_number", order.Number), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: create order: %v", domain.ErrPersistence, err)
		}

		s.logger.Info("order created",
			zap.String("order_id", order.ID),
			zap.String("order_number", order.Number),
			zap.Int64("total_amount", order.TotalAmount),
			zap.Int("items", len(order.Items)))
		return &order, nil
	}

	return nil, fmt.Errorf("%w: could not allocate a unique order number", domain.ErrPersistence)
}

func (s *OrderService) newOrder(customer domain.Customer, snapshot domain.Snapshot) (domain.Order, error) {
	now := s.now().UTC()

	number, err := newOrderNumber(now)
	if err != nil {
		return domain.Order{}, fmt.Errorf("generate order number: %w", err)
	}
	token, err := newDownloadToken()
	if err != nil {
		return domain.Order{}, fmt.Errorf("generate download token: %w", err)
	}

	return domain.Order{
		ID:            uuid.NewString(),
		Number:        number,
		Customer:      customer,
		Items:         snapshot.Items,
		TotalAmount:   snapshot.TotalAmount,
		DownloadToken: token,
		Status:        domain.OrderStatusPending,
		ExpiresAt:     now.Add(s.cfg.OrderTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func normalizeCustomer(c domain.Customer) (domain.Customer, error) {
	c.Email = strings.TrimSpace(c.Email)
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)

	if c.Email == "" || c.Name == "" {
		return c, fmt.Errorf("%w: missing required fields", domain.ErrValidation)
	}
	addr, err := mail.ParseAddress(c.Email)
	if err != nil || addr.Address != c.Email {
		return c, fmt.Errorf("%w: invalid customer email", domain.ErrValidation)
	}
	return c, nil
}

// FindOrders looks orders up by download token or, failing that, by email.
// No match is an empty slice.
func (s *OrderService) FindOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	filter.Email = strings.TrimSpace(filter.Email)
	filter.Token = strings.TrimSpace(filter.Token)

	switch {
	case filter.Token != "":
		filter.Email = ""
	case filter.Email != "":
	default:
		return nil, fmt.Errorf("%w: email or token required", domain.ErrValidation)
	}

	orders, err := s.db.FindOrders(ctx, filter, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: find orders: %v", domain.ErrPersistence, err)
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

func (s *OrderService) OrderByPaymentRef(ctx context.Context, paymentRef string) (*domain.Order, error) {
	order, err := s.db.FindOrderByPaymentRef(ctx, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("%w: find order by payment ref: %v", domain.ErrPersistence, err)
	}
	return order, nil
}

// UpdateStatus moves a PENDING order to PAID or FAILED. Calls against an
// order that already left PENDING change nothing and report Changed=false.
// The call that performs the PAID transition issues download grants and
// queues the notification in the same transaction.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentMethod string) (Transition, error) {
	if !status.Terminal() {
		return Transition{}, fmt.Errorf("%w: cannot transition to %s", domain.ErrValidation, status)
	}

	var result Transition
	err := s.db.WithTx(ctx, func(ctx context.Context, repo port.LedgerRepository) error {
		order, err := repo.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("%w: load order: %v", domain.ErrPersistence, err)
		}
		if order == nil {
			return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
		}

		changed, err := repo.TransitionStatus(ctx, orderID, status, paymentMethod)
		if err != nil {
			return fmt.Errorf("%w: transition order: %v", domain.ErrPersistence, err)
		}
		if !changed {
			result = Transition{Order: *order}
			return nil
		}

		order.Status = status
		order.PaymentMethod = paymentMethod
		order.UpdatedAt = s.now().UTC()

		if status == domain.OrderStatusPaid {
			if err := s.grants.GrantDownloads(ctx, repo, *order); err != nil {
				return err
			}
		}
		if err := s.queueNotification(ctx, repo, *order); err != nil {
			return err
		}

		result = Transition{Order: *order, Changed: true}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	if !result.Changed {
		// the snapshot read inside the transaction may predate a concurrent winner
		if current, err := s.db.GetOrder(ctx, orderID); err == nil && current != nil {
			result.Order = *current
		}
		return result, nil
	}

	s.logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("status", string(status)),
		zap.String("payment_method", paymentMethod))
	return result, nil
}

func (s *OrderService) queueNotification(ctx context.Context, repo port.OutboxRepository, order domain.Order) error {
	topic := domain.TopicOrderFailed
	if order.Status == domain.OrderStatusPaid {
		topic = domain.TopicOrderPaid
	}

	itemIDs := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		itemIDs = append(itemIDs, item.CatalogItemID)
	}

	payload, err := json.Marshal(domain.OrderNotification{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		CustomerEmail: order.Customer.Email,
		CustomerName:  order.Customer.Name,
		Status:        string(order.Status),
		TotalAmount:   order.TotalAmount,
		ItemIDs:       itemIDs,
		OccurredAt:    order.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	err = repo.AppendOutbox(ctx, domain.OutboxMessage{
		EventID:   uuid.NewString(),
		Topic:     topic,
		Key:       order.ID,
		Payload:   payload,
		CreatedAt: order.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: append outbox: %v", domain.ErrPersistence, err)
	}
	return nil
}

// RecordPaymentMethod stores the method reported by the processor while the
// order is still PENDING.
func (s *OrderService) RecordPaymentMethod(ctx context.Context, orderID, paymentMethod string) error {
	if paymentMethod == "" {
		return nil
	}
	if err := s.db.RecordPaymentMethod(ctx, orderID, paymentMethod); err != nil {
		return fmt.Errorf("%w: record payment method: %v", domain.ErrPersistence, err)
	}
	return nil
}

// AttachPaymentReference stores the processor reference on a PENDING order.
// A decided order keeps its existing reference and yields ErrConflict.
func (s *OrderService) AttachPaymentReference(ctx context.Context, orderID, paymentRef string) error {
	if paymentRef == "" {
		return fmt.Errorf("%w: payment reference is required", domain.ErrValidation)
	}

	ok, err := s.db.AttachPaymentReference(ctx, orderID, paymentRef)
	if err != nil {
		return fmt.Errorf("%w: attach payment reference: %v", domain.ErrPersistence, err)
	}
	if ok {
		return nil
	}

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%w: load order: %v", domain.ErrPersistence, err)
	}
	if order == nil {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return fmt.Errorf("%w: order already processed", domain.ErrConflict)
}

// CreatePaymentLink requests a hosted payment page for a PENDING order and
// records the processor reference on it.
func (s *OrderService) CreatePaymentLink(ctx context.Context, orderID string) (domain.PaymentLink, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("%w: load order: %v", domain.ErrPersistence, err)
	}
	if order == nil {
		return domain.PaymentLink{}, fmt.Errorf("%w: order not found", domain.ErrNotFound)
	}
	if order.Status != domain.OrderStatusPending {
		return domain.PaymentLink{}, fmt.Errorf("%w: order already processed", domain.ErrConflict)
	}

	link, err := s.gateway.CreatePaymentLink(ctx, s.paymentLinkRequest(*order))
	if err != nil {
		s.logger.Error("payment link creation failed", zap.String("order_id", order.ID), zap.Error(err))
		if errors.Is(err, domain.ErrUpstream) {
			return domain.PaymentLink{}, err
		}
		return domain.PaymentLink{}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	if err := s.AttachPaymentReference(ctx, order.ID, link.ID); err != nil {
		// the processor holds a link we could not record; cleaned up out of band
		s.logger.Error("orphaned payment link",
			zap.String("order_id", order.ID),
			zap.String("payment_ref", link.ID),
			zap.Error(err))
		return domain.PaymentLink{}, err
	}

	s.logger.Info("payment link created", zap.String("order_id", order.ID), zap.String("payment_ref", link.ID))
	return link, nil
}

func (s *OrderService) paymentLinkRequest(order domain.Order) domain.PaymentLinkRequest {
	redirect := strings.TrimRight(s.cfg.StoreBaseURL, "/") + "/payment/success?token=" + url.QueryEscape(order.DownloadToken)

	return domain.PaymentLinkRequest{
		Name:        fmt.Sprintf("%s - Order %s", s.cfg.StoreName, order.Number),
		Description: fmt.Sprintf("Purchase of %d item(s)", len(order.Items)),
		Currency:    s.cfg.Currency,
		AmountCents: order.TotalAmount,
		RedirectURL: redirect,
		ExpiresAt:   s.now().UTC().Add(s.cfg.PaymentLinkTTL),
		Customer:    order.Customer,
	}
}
