package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

type grantKey struct {
	orderID string
	itemID  string
}

// Mock DatabaseRepository. WithTx serializes transactions and restores the
// previous state when fn fails.
type mockLedger struct {
	mu   sync.Mutex
	txMu sync.Mutex

	catalog map[string]domain.CatalogItem
	orders  map[string]domain.Order
	grants  map[grantKey]domain.DownloadGrant
	outbox  []domain.OutboxMessage
	nextID  int64

	duplicateCreates  int
	insertGrantsErr   error
	appendOutboxErr   error
	attachErr         error
	fetchErr          error
	markErr           error
	panicOnTransition bool
}

func newMockLedger(items ...domain.CatalogItem) *mockLedger {
	m := &mockLedger{
		catalog: make(map[string]domain.CatalogItem),
		orders:  make(map[string]domain.Order),
		grants:  make(map[grantKey]domain.DownloadGrant),
	}
	for _, item := range items {
		m.catalog[item.ID] = item
	}
	return m
}

var _ port.DatabaseRepository = (*mockLedger)(nil)

func (m *mockLedger) WithTx(ctx context.Context, fn func(ctx context.Context, repo port.LedgerRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	orders := make(map[string]domain.Order, len(m.orders))
	for k, v := range m.orders {
		orders[k] = v
	}
	grants := make(map[grantKey]domain.DownloadGrant, len(m.grants))
	for k, v := range m.grants {
		grants[k] = v
	}
	outbox := append([]domain.OutboxMessage(nil), m.outbox...)
	nextID := m.nextID
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.orders, m.grants, m.outbox, m.nextID = orders, grants, outbox, nextID
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockLedger) Ping(ctx context.Context) error { return nil }

func (m *mockLedger) GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.CatalogItem, len(ids))
	for _, id := range ids {
		if item, ok := m.catalog[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (m *mockLedger) setPrice(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.catalog[id]
	item.Price = price
	m.catalog[id] = item
}

func (m *mockLedger) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.duplicateCreates > 0 {
		m.duplicateCreates--
		return domain.ErrDuplicateOrder
	}
	for _, o := range m.orders {
		if o.Number == order.Number || o.DownloadToken == order.DownloadToken {
			return domain.ErrDuplicateOrder
		}
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	m.orders[order.ID] = order
	return nil
}

func (m *mockLedger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *mockLedger) FindOrderByPaymentRef(ctx context.Context, paymentRef string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if paymentRef != "" && o.PaymentRef == paymentRef {
			return &o, nil
		}
	}
	return nil, nil
}

func (m *mockLedger) FindOrders(ctx context.Context, filter domain.OrderFilter, now time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Order
	for _, o := range m.orders {
		switch {
		case filter.Token != "":
			if o.DownloadToken == filter.Token && o.ExpiresAt.After(now) {
				out = append(out, o)
			}
		case filter.Email != "":
			if o.Customer.Email == filter.Email {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Number > out[j].Number
	})
	return out, nil
}

func (m *mockLedger) TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentMethod string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.panicOnTransition {
		panic("ledger connection lost")
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.Status = status
	if paymentMethod != "" {
		o.PaymentMethod = paymentMethod
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return true, nil
}

func (m *mockLedger) RecordPaymentMethod(ctx context.Context, orderID, paymentMethod string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if ok && o.Status == domain.OrderStatusPending {
		o.PaymentMethod = paymentMethod
		m.orders[orderID] = o
	}
	return nil
}

func (m *mockLedger) AttachPaymentReference(ctx context.Context, orderID, paymentRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attachErr != nil {
		return false, m.attachErr
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.PaymentRef = paymentRef
	m.orders[orderID] = o
	return true, nil
}

func (m *mockLedger) InsertGrants(ctx context.Context, grants []domain.DownloadGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertGrantsErr != nil {
		return m.insertGrantsErr
	}
	for _, g := range grants {
		key := grantKey{g.OrderID, g.CatalogItemID}
		if _, exists := m.grants[key]; !exists {
			m.grants[key] = g
		}
	}
	return nil
}

func (m *mockLedger) ListGrants(ctx context.Context, orderID string) ([]domain.DownloadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.DownloadGrant
	for key, g := range m.grants {
		if key.orderID == orderID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CatalogItemID < out[j].CatalogItemID })
	return out, nil
}

func (m *mockLedger) GetGrant(ctx context.Context, orderID, catalogItemID string) (*domain.DownloadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantKey{orderID, catalogItemID}]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *mockLedger) grantCount(orderID string) int {
	grants, _ := m.ListGrants(context.Background(), orderID)
	return len(grants)
}

func (m *mockLedger) AppendOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendOutboxErr != nil {
		return m.appendOutboxErr
	}
	m.nextID++
	msg.ID = m.nextID
	m.outbox = append(m.outbox, msg)
	return nil
}

func (m *mockLedger) FetchPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []domain.OutboxMessage
	for _, msg := range m.outbox {
		if msg.SentAt == nil && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockLedger) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markErr != nil {
		return m.markErr
	}
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			t := sentAt
			m.outbox[i].SentAt = &t
		}
	}
	return nil
}

func (m *mockLedger) outboxTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, len(m.outbox))
	for i, msg := range m.outbox {
		topics[i] = msg.Topic
	}
	return topics
}

// Mock PaymentGateway. Webhook bodies use a flat test format:
// {"event":..., "tx":..., "ref":..., "status":..., "method":...}
type mockGateway struct {
	mu       sync.Mutex
	linkID   string
	err      error
	requests []domain.PaymentLinkRequest
}

func (g *mockGateway) CreatePaymentLink(ctx context.Context, req domain.PaymentLinkRequest) (domain.PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.err != nil {
		return domain.PaymentLink{}, g.err
	}
	return domain.PaymentLink{ID: g.linkID, URL: "https://checkout.test/l/" + g.linkID}, nil
}

type testEvent struct {
	Event  string `json:"event"`
	Tx     string `json:"tx"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Method string `json:"method"`
}

func (g *mockGateway) DecodeEvent(body []byte) (domain.PaymentEvent, error) {
	var ev testEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.PaymentEvent{}, err
	}
	event := domain.PaymentEvent{Name: ev.Event}
	if ev.Event != "transaction.updated" {
		return event, nil
	}
	event.Kind = domain.EventKindTransactionUpdated
	event.TransactionID = ev.Tx
	event.PaymentRef = ev.Ref
	event.RawStatus = ev.Status
	event.PaymentMethod = ev.Method
	switch ev.Status {
	case "APPROVED":
		event.Outcome = domain.OutcomeApproved
	case "DECLINED":
		event.Outcome = domain.OutcomeDeclined
	case "ERROR":
		event.Outcome = domain.OutcomeErrored
	}
	return event, nil
}

// Mock CacheRepository
type mockCache struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMockCache() *mockCache {
	return &mockCache{keys: make(map[string]bool)}
}

func (c *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return false, c.err
	}
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func (c *mockCache) HasIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return false, c.err
	}
	return c.keys[key], nil
}

func (c *mockCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key]
}

func (c *mockCache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu        sync.Mutex
	published []domain.OutboxMessage
	failures  map[string]bool // by event id
}

func (p *mockPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures[msg.EventID] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *mockPublisher) Close() error { return nil }
