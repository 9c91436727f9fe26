package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLAdapter is the ledger store. An adapter returned inside WithTx is bound
// to that transaction; the root adapter runs each call on the pool.
type SQLAdapter struct {
	db      *sql.DB
	q       querier
	inTx    bool
	dialect dialect
}

var _ port.DatabaseRepository = (*SQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db, q: db, dialect: mysqlDialect}
}

func NewSQLiteAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db, q: db, dialect: sqliteDialect}
}

// NewSQLAdapter picks the dialect from the database/sql driver name.
func NewSQLAdapter(db *sql.DB, driver string) (*SQLAdapter, error) {
	switch driver {
	case DriverMySQL:
		return NewMySQLAdapter(db), nil
	case DriverSQLite:
		return NewSQLiteAdapter(db), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates the schema if it does not exist yet.
func (m *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range m.dialect.schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", m.dialect.name, err)
		}
	}
	return nil
}

func (m *SQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *SQLAdapter) WithTx(ctx context.Context, fn func(ctx context.Context, repo port.LedgerRepository) error) error {
	if m.inTx {
		return fn(ctx, m)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &SQLAdapter{db: m.db, q: tx, inTx: true, dialect: m.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// atomic runs fn on the current transaction, or a new one when there is none.
func (m *SQLAdapter) atomic(ctx context.Context, fn func(q querier) error) error {
	if m.inTx {
		return fn(m.q)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *SQLAdapter) GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error) {
	items := make(map[string]domain.CatalogItem, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	rows, err := m.q.QueryContext(ctx, `
		SELECT id, title, preview_url, full_res_url, price, active
		FROM catalog_items WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.CatalogItem
		if err := rows.Scan(&item.ID, &item.Title, &item.PreviewURL, &item.FullResURL, &item.Price, &item.Active); err != nil {
			return nil, fmt.Errorf("scan catalog item: %w", err)
		}
		items[item.ID] = item
	}
	return items, rows.Err()
}

func (m *SQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	err := m.atomic(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO orders (id, order_number, customer_email, customer_name, customer_phone,
				total_amount, download_token, payment_ref, payment_method, status,
				expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.Number, order.Customer.Email, order.Customer.Name, order.Customer.Phone,
			order.TotalAmount, order.DownloadToken, nullString(order.PaymentRef), nullString(order.PaymentMethod), order.Status,
			dbTime(order.ExpiresAt), dbTime(order.CreatedAt), dbTime(order.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err := q.ExecContext(ctx, `
				INSERT INTO order_items (order_id, catalog_item_id, quantity, unit_price)
				VALUES (?, ?, ?, ?)`,
				order.ID, item.CatalogItemID, item.Quantity, item.UnitPrice,
			)
			if err != nil {
				return fmt.Errorf("insert order item %s: %w", item.CatalogItemID, err)
			}
		}
		return nil
	})
	if err != nil && m.dialect.isDuplicate(err) {
		return fmt.Errorf("%w: %v", domain.ErrDuplicateOrder, err)
	}
	return err
}

const orderColumns = `
	o.id, o.order_number, o.customer_email, o.customer_name, o.customer_phone,
	o.total_amount, o.download_token, o.payment_ref, o.payment_method, o.status,
	o.expires_at, o.created_at, o.updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o             domain.Order
		paymentRef    sql.NullString
		paymentMethod sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.Customer.Email, &o.Customer.Name, &o.Customer.Phone,
		&o.TotalAmount, &o.DownloadToken, &paymentRef, &paymentMethod, &o.Status,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.PaymentRef = paymentRef.String
	o.PaymentMethod = paymentMethod.String
	return o, nil
}

func (m *SQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return m.getOrderWhere(ctx, `o.id = ?`, orderID)
}

func (m *SQLAdapter) FindOrderByPaymentRef(ctx context.Context, paymentRef string) (*domain.Order, error) {
	if paymentRef == "" {
		return nil, nil
	}
	return m.getOrderWhere(ctx, `o.payment_ref = ?`, paymentRef)
}

func (m *SQLAdapter) getOrderWhere(ctx context.Context, where string, arg any) (*domain.Order, error) {
	order, err := scanOrder(m.q.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o WHERE `+where+`
		ORDER BY o.created_at DESC LIMIT 1`, arg,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	items, err := m.loadItems(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return &order, nil
}

func (m *SQLAdapter) FindOrders(ctx context.Context, filter domain.OrderFilter, now time.Time) ([]domain.Order, error) {
	var (
		where string
		args  []any
	)
	switch {
	case filter.Token != "":
		where, args = `o.download_token = ? AND o.expires_at > ?`, []any{filter.Token, dbTime(now)}
	case filter.Email != "":
		where, args = `o.customer_email = ?`, []any{filter.Email}
	default:
		return nil, nil
	}

	rows, err := m.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o WHERE `+where+`
		ORDER BY o.created_at DESC, o.order_number DESC`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := m.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (m *SQLAdapter) loadItems(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := m.q.QueryContext(ctx, `
		SELECT oi.order_id, oi.catalog_item_id, oi.quantity, oi.unit_price,
			COALESCE(c.title, ''), COALESCE(c.preview_url, '')
		FROM order_items oi
		LEFT JOIN catalog_items c ON c.id = oi.catalog_item_id
		WHERE oi.order_id IN (`+placeholders(len(orderIDs))+`)
		ORDER BY oi.order_id, oi.catalog_item_id`,
		stringArgs(orderIDs)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.CatalogItemID, &item.Quantity, &item.UnitPrice, &item.Title, &item.PreviewURL); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items[orderID] = append(items[orderID], item)
	}
	return items, rows.Err()
}

func (m *SQLAdapter) TransitionStatus(ctx context.Context, orderID string, status domain.OrderStatus, paymentMethod string) (bool, error) {
	result, err := m.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, payment_method = COALESCE(?, payment_method), updated_at = ?
		WHERE id = ? AND status = ?`,
		status, nullString(paymentMethod), dbTime(time.Now()), orderID, domain.OrderStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return affectedOne(result)
}

func (m *SQLAdapter) RecordPaymentMethod(ctx context.Context, orderID, paymentMethod string) error {
	_, err := m.q.ExecContext(ctx, `
		UPDATE orders SET payment_method = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		paymentMethod, dbTime(time.Now()), orderID, domain.OrderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update payment method: %w", err)
	}
	return nil
}

func (m *SQLAdapter) AttachPaymentReference(ctx context.Context, orderID, paymentRef string) (bool, error) {
	result, err := m.q.ExecContext(ctx, `
		UPDATE orders SET payment_ref = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		paymentRef, dbTime(time.Now()), orderID, domain.OrderStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("update payment ref: %w", err)
	}
	return affectedOne(result)
}

func (m *SQLAdapter) InsertGrants(ctx context.Context, grants []domain.DownloadGrant) error {
	return m.atomic(ctx, func(q querier) error {
		for _, g := range grants {
			_, err := q.ExecContext(ctx, m.dialect.insertGrant,
				g.OrderID, g.CatalogItemID, g.CustomerEmail, dbTime(g.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert grant %s/%s: %w", g.OrderID, g.CatalogItemID, err)
			}
		}
		return nil
	})
}

func (m *SQLAdapter) ListGrants(ctx context.Context, orderID string) ([]domain.DownloadGrant, error) {
	rows, err := m.q.QueryContext(ctx, `
		SELECT order_id, catalog_item_id, customer_email, created_at
		FROM download_grants WHERE order_id = ?
		ORDER BY catalog_item_id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var grants []domain.DownloadGrant
	for rows.Next() {
		var g domain.DownloadGrant
		if err := rows.Scan(&g.OrderID, &g.CatalogItemID, &g.CustomerEmail, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (m *SQLAdapter) GetGrant(ctx context.Context, orderID, catalogItemID string) (*domain.DownloadGrant, error) {
	var g domain.DownloadGrant
	err := m.q.QueryRowContext(ctx, `
		SELECT order_id, catalog_item_id, customer_email, created_at
		FROM download_grants WHERE order_id = ? AND catalog_item_id = ?`,
		orderID, catalogItemID,
	).Scan(&g.OrderID, &g.CatalogItemID, &g.CustomerEmail, &g.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}
	return &g, nil
}

func (m *SQLAdapter) AppendOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := m.q.ExecContext(ctx, `
		INSERT INTO outbox (event_id, topic, msg_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.EventID, msg.Topic, msg.Key, string(msg.Payload), dbTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (m *SQLAdapter) FetchPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := m.q.QueryContext(ctx, `
		SELECT id, event_id, topic, msg_key, payload, created_at
		FROM outbox WHERE sent_at IS NULL
		ORDER BY id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			msg     domain.OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.EventID, &msg.Topic, &msg.Key, &payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		msg.Payload = []byte(payload)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (m *SQLAdapter) MarkOutboxSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := m.q.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, dbTime(sentAt), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

func affectedOne(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// dbTime normalises timestamps so MySQL DATETIME(6) and SQLite text columns
// store and compare the same value.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
