package port

import (
	"context"

	"github.com/rl1809/asset-store/internal/core/domain"
)

type PaymentGateway interface {
	// CreatePaymentLink asks the processor for a hosted payment page
	CreatePaymentLink(ctx context.Context, req domain.PaymentLinkRequest) (domain.PaymentLink, error)

	// DecodeEvent parses an already verified webhook body
	DecodeEvent(body []byte) (domain.PaymentEvent, error)
}
