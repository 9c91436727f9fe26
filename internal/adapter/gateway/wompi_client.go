package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

const (
	eventTransactionUpdated = "transaction.updated"
	checkoutLinkBase        = "https://checkout.wompi.co/l/"
	maxErrorBody            = 4 << 10
)

// WompiClient creates hosted payment links and decodes transaction webhooks.
type WompiClient struct {
	baseURL    string
	privateKey string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ port.PaymentGateway = (*WompiClient)(nil)

func NewWompiClient(baseURL, privateKey string, timeout time.Duration, logger *zap.Logger) *WompiClient {
	return &WompiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type billingData struct {
	CustomerEmail       string `json:"customer_email"`
	CustomerFullName    string `json:"customer_full_name"`
	CustomerPhoneNumber string `json:"customer_phone_number,omitempty"`
}

type paymentLinkBody struct {
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	SingleUse       bool        `json:"single_use"`
	CollectShipping bool        `json:"collect_shipping"`
	Currency        string      `json:"currency"`
	AmountInCents   int64       `json:"amount_in_cents"`
	RedirectURL     string      `json:"redirect_url"`
	ExpireAt        string      `json:"expire_at"`
	BillingData     billingData `json:"billing_data"`
}

type paymentLinkResponse struct {
	Data struct {
		ID        string `json:"id"`
		Permalink string `json:"permalink"`
	} `json:"data"`
}

func (c *WompiClient) CreatePaymentLink(ctx context.Context, req domain.PaymentLinkRequest) (domain.PaymentLink, error) {
	payload, err := json.Marshal(paymentLinkBody{
		Name:          req.Name,
		Description:   req.Description,
		Currency:      req.Currency,
		AmountInCents: req.AmountCents,
		RedirectURL:   req.RedirectURL,
		ExpireAt:      req.ExpiresAt.UTC().Format(time.RFC3339),
		BillingData: billingData{
			CustomerEmail:       req.Customer.Email,
			CustomerFullName:    req.Customer.Name,
			CustomerPhoneNumber: req.Customer.Phone,
		},
	})
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("encode payment link: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment_links", bytes.NewReader(payload))
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("build payment link request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.privateKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("%w: payment link request: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("payment processor rejected link request",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return domain.PaymentLink{}, fmt.Errorf("%w: payment processor returned %d", domain.ErrUpstream, resp.StatusCode)
	}

	var out paymentLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.PaymentLink{}, fmt.Errorf("%w: decode payment link: %v", domain.ErrUpstream, err)
	}
	if out.Data.ID == "" {
		return domain.PaymentLink{}, fmt.Errorf("%w: payment link response without id", domain.ErrUpstream)
	}

	url := out.Data.Permalink
	if url == "" {
		url = checkoutLinkBase + out.Data.ID
	}
	return domain.PaymentLink{ID: out.Data.ID, URL: url}, nil
}

type webhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Transaction *struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			PaymentLinkID string `json:"payment_link_id"`
			PaymentMethod struct {
				Type string `json:"type"`
			} `json:"payment_method"`
			PaymentMethodType string `json:"payment_method_type"`
		} `json:"transaction"`
	} `json:"data"`
}

// DecodeEvent maps a webhook body onto the closed event variants. Unknown
// events decode to EventKindOther; unknown statuses to OutcomeOther.
func (c *WompiClient) DecodeEvent(body []byte) (domain.PaymentEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("decode webhook: %w", err)
	}

	event := domain.PaymentEvent{Name: env.Event}
	if env.Event != eventTransactionUpdated {
		return event, nil
	}
	tx := env.Data.Transaction
	if tx == nil {
		return domain.PaymentEvent{}, fmt.Errorf("decode webhook: %s without transaction", env.Event)
	}

	event.Kind = domain.EventKindTransactionUpdated
	event.TransactionID = tx.ID
	event.PaymentRef = tx.PaymentLinkID
	event.RawStatus = tx.Status
	event.Outcome = outcomeFor(tx.Status)
	event.PaymentMethod = tx.PaymentMethod.Type
	if event.PaymentMethod == "" {
		event.PaymentMethod = tx.PaymentMethodType
	}
	return event, nil
}

func outcomeFor(status string) domain.PaymentOutcome {
	switch strings.ToUpper(status) {
	case "APPROVED":
		return domain.OutcomeApproved
	case "DECLINED":
		return domain.OutcomeDeclined
	case "ERROR":
		return domain.OutcomeErrored
	default:
		return domain.OutcomeOther
	}
}
