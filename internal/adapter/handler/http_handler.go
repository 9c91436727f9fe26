package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/core/service"
)

const maxWebhookBody = 1 << 20

type HTTPHandler struct {
	orders     *service.OrderService
	reconciler *service.Reconciler
	downloads  *service.DownloadService
	ping       func(ctx context.Context) error
	logger     *zap.Logger
}

func NewHTTPHandler(
	orders *service.OrderService,
	reconciler *service.Reconciler,
	downloads *service.DownloadService,
	ping func(ctx context.Context) error,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orders:     orders,
		reconciler: reconciler,
		downloads:  downloads,
		ping:       ping,
		logger:     logger,
	}
}

type CheckoutItem struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type CheckoutHTTPRequest struct {
	CustomerEmail string         `json:"customerEmail"`
	CustomerName  string         `json:"customerName"`
	CustomerPhone string         `json:"customerPhone"`
	Items         []CheckoutItem `json:"items"`
}

type CheckoutHTTPResponse struct {
	OrderID       string `json:"orderId"`
	OrderNumber   string `json:"orderNumber"`
	TotalAmount   int64  `json:"totalAmount"`
	DownloadToken string `json:"downloadToken"`
}

type CatalogSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PreviewURL string `json:"previewUrl"`
}

type OrderItemResponse struct {
	ItemID   string         `json:"itemId"`
	Quantity int            `json:"quantity"`
	Price    int64          `json:"price"`
	Item     CatalogSummary `json:"item"`
}

type OrderResponse struct {
	ID            string              `json:"id"`
	OrderNumber   string              `json:"orderNumber"`
	CustomerEmail string              `json:"customerEmail"`
	CustomerName  string              `json:"customerName"`
	CustomerPhone string              `json:"customerPhone,omitempty"`
	TotalAmount   int64               `json:"totalAmount"`
	Status        domain.OrderStatus  `json:"status"`
	PaymentID     string              `json:"paymentId,omitempty"`
	PaymentMethod string              `json:"paymentMethod,omitempty"`
	DownloadToken string              `json:"downloadToken,omitempty"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	CreatedAt     time.Time           `json:"createdAt"`
	Items         []OrderItemResponse `json:"items"`
}

type PaymentLinkHTTPRequest struct {
	OrderID string `json:"orderId"`
}

type PaymentLinkHTTPResponse struct {
	PaymentURL string `json:"paymentUrl"`
	PaymentID  string `json:"paymentId"`
}

type DownloadResponse struct {
	ItemID      string    `json:"itemId"`
	Title       string    `json:"title"`
	PreviewURL  string    `json:"previewUrl"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	lines := make([]domain.CartLine, len(req.Items))
	for i, item := range req.Items {
		lines[i] = domain.CartLine{CatalogItemID: item.ItemID, Quantity: item.Quantity}
	}

	order, err := h.orders.Checkout(r.Context(), domain.Customer{
		Email: req.CustomerEmail,
		Name:  req.CustomerName,
		Phone: req.CustomerPhone,
	}, lines)
	if err != nil {
		h.fail(w, r, err, "failed to create order")
		return
	}

	writeJSON(w, r, http.StatusCreated, CheckoutHTTPResponse{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		TotalAmount:   order.TotalAmount,
		DownloadToken: order.DownloadToken,
	})
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := domain.OrderFilter{
		Email: r.URL.Query().Get("email"),
		Token: r.URL.Query().Get("token"),
	}

	orders, err := h.orders.FindOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err, "failed to fetch orders")
		return
	}

	out := make([]OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = toOrderResponse(o, filter.Token != "")
	}
	writeJSON(w, r, http.StatusOK, out)
}

func toOrderResponse(o domain.Order, withToken bool) OrderResponse {
	resp := OrderResponse{
		ID:            o.ID,
		OrderNumber:   o.Number,
		CustomerEmail: o.Customer.Email,
		CustomerName:  o.Customer.Name,
		CustomerPhone: o.Customer.Phone,
		TotalAmount:   o.TotalAmount,
		Status:        o.Status,
		PaymentID:     o.PaymentRef,
		PaymentMethod: o.PaymentMethod,
		ExpiresAt:     o.ExpiresAt,
		CreatedAt:     o.CreatedAt,
		Items:         make([]OrderItemResponse, len(o.Items)),
	}
	if withToken {
		resp.DownloadToken = o.DownloadToken
	}
	for i, item := range o.Items {
		resp.Items[i] = OrderItemResponse{
			ItemID:   item.CatalogItemID,
			Quantity: item.Quantity,
			Price:    item.UnitPrice,
			Item: CatalogSummary{
				ID:         item.CatalogItemID,
				Title:      item.Title,
				PreviewURL: item.PreviewURL,
			},
		}
	}
	return resp
}

func (h *HTTPHandler) CreatePaymentLink(w http.ResponseWriter, r *http.Request) {
	var req PaymentLinkHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeError(w, r, http.StatusBadRequest, "orderId is required")
		return
	}

	link, err := h.orders.CreatePaymentLink(r.Context(), req.OrderID)
	if err != nil {
		h.fail(w, r, err, "failed to create payment link")
		return
	}

	writeJSON(w, r, http.StatusOK, PaymentLinkHTTPResponse{PaymentURL: link.URL, PaymentID: link.ID})
}

// Webhook needs the raw body: the signature covers the exact bytes sent.
func (h *HTTPHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	_, err = h.reconciler.HandleEvent(r.Context(), body, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp"))
	if err != nil {
		h.fail(w, r, err, "webhook processing failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

func (h *HTTPHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	downloads, err := h.downloads.ListDownloads(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.fail(w, r, err, "failed to fetch downloads")
		return
	}

	out := make([]DownloadResponse, len(downloads))
	for i, d := range downloads {
		out[i] = DownloadResponse{
			ItemID:      d.CatalogItemID,
			Title:       d.Title,
			PreviewURL:  d.PreviewURL,
			DownloadURL: "/api/downloads/" + d.Link,
			ExpiresAt:   d.LinkExpiresAt,
		}
	}
	writeJSON(w, r, http.StatusOK, map[string][]DownloadResponse{"downloads": out})
}

func (h *HTTPHandler) ResolveDownload(w http.ResponseWriter, r *http.Request) {
	target, err := h.downloads.ResolveDownload(r.Context(), chi.URLParam(r, "link"))
	if err != nil {
		h.fail(w, r, err, "failed to resolve download")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps a service error onto a status code. Client errors carry their
// message; everything else gets the generic fallback.
func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAuthentication):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error(fallback, zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	render.Status(r, status)
	render.JSON(w, r, data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, ErrorResponse{Error: message})
}
