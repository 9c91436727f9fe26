package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/metrics"
	"github.com/rl1809/asset-store/internal/port"
)

const webhookKeyPrefix = "webhook:"

// Reconciliation results, also used as the webhook metric label.
const (
	ResultUnauthenticated = "unauthenticated"
	ResultMalformed       = "malformed"
	ResultIgnoredEvent    = "ignored_event"
	ResultDuplicate       = "duplicate"
	ResultOrderNotFound   = "order_not_found"
	ResultNoOp            = "noop"
	ResultAlreadyFinal    = "already_final"
	ResultPaid            = "paid"
	ResultFailed          = "failed"
	ResultError           = "error"
)

type WebhookResult struct {
	Result  string
	OrderID string
}

// Reconciler turns verified processor webhooks into order transitions.
type Reconciler struct {
	secret  []byte
	gateway port.PaymentGateway
	orders  *OrderService
	guard   port.CacheRepository // optional
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewReconciler(
	secret []byte,
	gateway port.PaymentGateway,
	orders *OrderService,
	guard port.CacheRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		secret:  secret,
		gateway: gateway,
		orders:  orders,
		guard:   guard,
		metrics: m,
		logger:  logger,
	}
}

// HandleEvent verifies and applies one webhook delivery. Anything other than
// a bad signature or a storage fault is acknowledged with a nil error so the
// processor stops retrying.
func (r *Reconciler) HandleEvent(ctx context.Context, body []byte, signature, timestamp string) (WebhookResult, error) {
	res, err := r.handle(ctx, body, signature, timestamp)
	if err != nil && res.Result == "" {
		res.Result = ResultError
	}
	r.metrics.WebhookEvent(res.Result)
	return res, err
}

func (r *Reconciler) handle(ctx context.Context, body []byte, signature, timestamp string) (WebhookResult, error) {
	if err := VerifySignature(r.secret, body, timestamp, signature); err != nil {
		r.logger.Warn("webhook signature rejected")
		return WebhookResult{Result: ResultUnauthenticated}, err
	}

	event, err := r.gateway.DecodeEvent(body)
	if err != nil {
		r.logger.Warn("webhook body could not be decoded", zap.Error(err))
		return WebhookResult{Result: ResultMalformed}, nil
	}
	if event.Kind != domain.EventKindTransactionUpdated {
		r.logger.Debug("webhook event ignored", zap.String("event", event.Name))
		return WebhookResult{Result: ResultIgnoredEvent}, nil
	}
	if event.PaymentRef == "" {
		r.logger.Warn("transaction event without payment reference", zap.String("transaction_id", event.TransactionID))
		return WebhookResult{Result: ResultMalformed}, nil
	}

	key, seen := r.seenDelivery(ctx, event, body)
	if seen {
		return WebhookResult{Result: ResultDuplicate}, nil
	}

	res, err := r.apply(ctx, event)
	if err == nil && key != "" {
		r.recordDelivery(context.WithoutCancel(ctx), key)
	}
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, event domain.PaymentEvent) (WebhookResult, error) {
	order, err := r.orders.OrderByPaymentRef(ctx, event.PaymentRef)
	if err != nil {
		r.logger.Error("webhook order lookup failed", zap.String("payment_ref", event.PaymentRef), zap.Error(err))
		return WebhookResult{}, err
	}
	if order == nil {
		r.logger.Info("webhook for unknown payment reference", zap.String("payment_ref", event.PaymentRef))
		return WebhookResult{Result: ResultOrderNotFound}, nil
	}

	log := r.logger.With(
		zap.String("order_id", order.ID),
		zap.String("payment_ref", event.PaymentRef),
		zap.String("transaction_id", event.TransactionID),
		zap.String("outcome", event.Outcome.String()))

	target, ok := event.Outcome.TargetStatus()
	if !ok {
		if err := r.orders.RecordPaymentMethod(ctx, order.ID, event.PaymentMethod); err != nil {
			log.Error("failed to record payment method", zap.Error(err))
			return WebhookResult{OrderID: order.ID}, err
		}
		log.Info("transaction status leaves order unchanged", zap.String("status", event.RawStatus))
		return WebhookResult{Result: ResultNoOp, OrderID: order.ID}, nil
	}

	tr, err := r.orders.UpdateStatus(ctx, order.ID, target, event.PaymentMethod)
	if err != nil {
		log.Error("order transition failed", zap.Error(err))
		return WebhookResult{OrderID: order.ID}, err
	}
	if !tr.Changed {
		log.Info("order already decided", zap.String("status", string(tr.Order.Status)))
		return WebhookResult{Result: ResultAlreadyFinal, OrderID: order.ID}, nil
	}

	if target == domain.OrderStatusPaid {
		return WebhookResult{Result: ResultPaid, OrderID: order.ID}, nil
	}
	return WebhookResult{Result: ResultFailed, OrderID: order.ID}, nil
}

// seenDelivery reports whether the (transaction, status) pair was already
// applied. The key is only written by recordDelivery after the ledger
// committed, so an interrupted delivery never blocks its retry. An empty key
// means no guard is configured or the cache is unreachable; the ledger alone
// keeps processing idempotent.
func (r *Reconciler) seenDelivery(ctx context.Context, event domain.PaymentEvent, body []byte) (string, bool) {
	if r.guard == nil {
		return "", false
	}

	var key string
	if event.TransactionID != "" {
		key = fmt.Sprintf("%s%s:%s", webhookKeyPrefix, event.TransactionID, event.RawStatus)
	} else {
		sum := sha256.Sum256(body)
		key = webhookKeyPrefix + hex.EncodeToString(sum[:])
	}

	seen, err := r.guard.HasIdempotency(ctx, key)
	if err != nil {
		r.logger.Warn("webhook replay guard unavailable", zap.Error(err))
		return "", false
	}
	return key, seen
}

func (r *Reconciler) recordDelivery(ctx context.Context, key string) {
	if _, err := r.guard.SetIdempotency(ctx, key); err != nil {
		r.logger.Warn("failed to record webhook key", zap.String("key", key), zap.Error(err))
	}
}
