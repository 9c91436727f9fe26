package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

func openSQLite(t *testing.T) (*sql.DB, *SQLAdapter) {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "assetstore.db") + "?_foreign_keys=1&_busy_timeout=5000"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	adapter := NewSQLiteAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, adapter
}

func openMySQL(t *testing.T) (*sql.DB, *SQLAdapter) {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}

	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, adapter
}

// forEachBackend runs fn against SQLite always and MySQL when MYSQL_DSN is set.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *sql.DB, adapter *SQLAdapter)) {
	t.Run("sqlite", func(t *testing.T) {
		db, adapter := openSQLite(t)
		fn(t, db, adapter)
	})
	t.Run("mysql", func(t *testing.T) {
		db, adapter := openMySQL(t)
		fn(t, db, adapter)
	})
}

func seedCatalog(t *testing.T, db *sql.DB, items ...domain.CatalogItem) {
	t.Helper()

	for _, item := range items {
		_, err := db.Exec(`DELETE FROM catalog_items WHERE id = ?`, item.ID)
		if err != nil {
			t.Fatalf("cleanup catalog: %v", err)
		}
		_, err = db.Exec(`
			INSERT INTO catalog_items (id, title, preview_url, full_res_url, price, active)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, item.Title, item.PreviewURL, item.FullResURL, item.Price, item.Active)
		if err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
}

func newTestOrder(email string, created time.Time, items ...domain.OrderItem) domain.Order {
	id := uuid.NewString()
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return domain.Order{
		ID:            id,
		Number:        "WS-" + id[:8],
		Customer:      domain.Customer{Email: email, Name: "Test Buyer"},
		Items:         items,
		TotalAmount:   total,
		DownloadToken: uuid.NewString() + uuid.NewString()[:28],
		Status:        domain.OrderStatusPending,
		ExpiresAt:     created.Add(720 * time.Hour),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestGetCatalogItems(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db,
			domain.CatalogItem{ID: "cat-sunset", Title: "Sunset", FullResURL: "https://cdn.test/sunset.png", Price: 50000, Active: true},
			domain.CatalogItem{ID: "cat-retired", Title: "Retired", Price: 10000, Active: false},
		)

		items, err := adapter.GetCatalogItems(ctx, []string{"cat-sunset", "cat-retired", "cat-missing"})
		if err != nil {
			t.Fatalf("GetCatalogItems failed: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if got := items["cat-sunset"]; got.Price != 50000 || !got.Active || got.FullResURL != "https://cdn.test/sunset.png" {
			t.Errorf("unexpected item: %+v", got)
		}
		if items["cat-retired"].Active {
			t.Error("expected retired item to be inactive")
		}

		empty, err := adapter.GetCatalogItems(ctx, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("expected empty result for no ids, got %v, %v", empty, err)
		}
	})
}

func TestCreateOrder_Roundtrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-forest", Title: "Forest", PreviewURL: "https://cdn.test/forest-sm.png", Price: 50000, Active: true})

		created := time.Now().UTC().Truncate(time.Microsecond)
		order := newTestOrder("buyer@example.com", created,
			domain.OrderItem{CatalogItemID: "cat-forest", Quantity: 2, UnitPrice: 50000})

		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		got, err := adapter.GetOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected order, got nil")
		}
		if got.Status != domain.OrderStatusPending || got.TotalAmount != 100000 {
			t.Errorf("unexpected order: %+v", got)
		}
		if got.PaymentRef != "" || got.PaymentMethod != "" {
			t.Errorf("expected empty payment fields, got %q / %q", got.PaymentRef, got.PaymentMethod)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
		}
		if len(got.Items) != 1 || got.Items[0].Title != "Forest" || got.Items[0].PreviewURL != "https://cdn.test/forest-sm.png" {
			t.Errorf("expected joined item display fields, got %+v", got.Items)
		}
	})
}

func TestCreateOrder_DuplicateNumber(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-dup", Title: "Dup", Price: 1000, Active: true})

		first := newTestOrder("dup@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-dup", Quantity: 1, UnitPrice: 1000})
		if err := adapter.CreateOrder(ctx, first); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		second := newTestOrder("dup@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-dup", Quantity: 1, UnitPrice: 1000})
		second.Number = first.Number

		err := adapter.CreateOrder(ctx, second)
		if !errors.Is(err, domain.ErrDuplicateOrder) {
			t.Fatalf("expected ErrDuplicateOrder, got %v", err)
		}

		got, err := adapter.GetOrder(ctx, second.ID)
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if got != nil {
			t.Error("expected failed order to leave no row")
		}
	})
}

func TestGetOrder_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		order, err := adapter.GetOrder(context.Background(), uuid.NewString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if order != nil {
			t.Error("expected nil for unknown order")
		}
	})
}

func TestFindOrders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-find", Title: "Find", Price: 2000, Active: true})

		email := uuid.NewString() + "@example.com"
		now := time.Now()
		older := newTestOrder(email, now.Add(-time.Hour), domain.OrderItem{CatalogItemID: "cat-find", Quantity: 1, UnitPrice: 2000})
		newer := newTestOrder(email, now, domain.OrderItem{CatalogItemID: "cat-find", Quantity: 3, UnitPrice: 2000})
		expired := newTestOrder(email, now.Add(-2*time.Hour), domain.OrderItem{CatalogItemID: "cat-find", Quantity: 1, UnitPrice: 2000})
		expired.ExpiresAt = now.Add(-time.Minute)

		for _, o := range []domain.Order{older, newer, expired} {
			if err := adapter.CreateOrder(ctx, o); err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}
		}

		byEmail, err := adapter.FindOrders(ctx, domain.OrderFilter{Email: email}, now)
		if err != nil {
			t.Fatalf("FindOrders by email failed: %v", err)
		}
		if len(byEmail) != 3 {
			t.Fatalf("expected 3 orders, got %d", len(byEmail))
		}
		if byEmail[0].ID != newer.ID || byEmail[1].ID != older.ID {
			t.Errorf("expected newest first, got %s, %s", byEmail[0].ID, byEmail[1].ID)
		}
		if len(byEmail[0].Items) != 1 || byEmail[0].Items[0].Quantity != 3 {
			t.Errorf("expected items loaded, got %+v", byEmail[0].Items)
		}

		byToken, err := adapter.FindOrders(ctx, domain.OrderFilter{Token: newer.DownloadToken}, now)
		if err != nil {
			t.Fatalf("FindOrders by token failed: %v", err)
		}
		if len(byToken) != 1 || byToken[0].ID != newer.ID {
			t.Errorf("expected token lookup to return one order, got %+v", byToken)
		}

		expiredLookup, err := adapter.FindOrders(ctx, domain.OrderFilter{Token: expired.DownloadToken}, now)
		if err != nil {
			t.Fatalf("FindOrders by expired token failed: %v", err)
		}
		if len(expiredLookup) != 0 {
			t.Errorf("expected expired token to match nothing, got %d", len(expiredLookup))
		}
	})
}

func TestTransitionStatus_OnlyFromPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-flip", Title: "Flip", Price: 3000, Active: true})

		order := newTestOrder("flip@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-flip", Quantity: 1, UnitPrice: 3000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		changed, err := adapter.TransitionStatus(ctx, order.ID, domain.OrderStatusPaid, "CARD")
		if err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}
		if !changed {
			t.Fatal("expected first transition to apply")
		}

		changed, err = adapter.TransitionStatus(ctx, order.ID, domain.OrderStatusFailed, "NEQUI")
		if err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}
		if changed {
			t.Error("expected terminal order to stay unchanged")
		}

		got, _ := adapter.GetOrder(ctx, order.ID)
		if got.Status != domain.OrderStatusPaid || got.PaymentMethod != "CARD" {
			t.Errorf("expected PAID/CARD, got %s/%s", got.Status, got.PaymentMethod)
		}
	})
}

func TestTransitionStatus_KeepsRecordedMethod(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-method", Title: "Method", Price: 3000, Active: true})

		order := newTestOrder("method@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-method", Quantity: 1, UnitPrice: 3000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		if err := adapter.RecordPaymentMethod(ctx, order.ID, "PSE"); err != nil {
			t.Fatalf("RecordPaymentMethod failed: %v", err)
		}
		if _, err := adapter.TransitionStatus(ctx, order.ID, domain.OrderStatusFailed, ""); err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}

		got, _ := adapter.GetOrder(ctx, order.ID)
		if got.PaymentMethod != "PSE" {
			t.Errorf("expected method PSE to survive, got %q", got.PaymentMethod)
		}
	})
}

func TestAttachPaymentReference(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-ref", Title: "Ref", Price: 3000, Active: true})

		order := newTestOrder("ref@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-ref", Quantity: 1, UnitPrice: 3000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		ref := "lnk_" + uuid.NewString()
		ok, err := adapter.AttachPaymentReference(ctx, order.ID, ref)
		if err != nil || !ok {
			t.Fatalf("expected attach to succeed, got %v, %v", ok, err)
		}

		found, err := adapter.FindOrderByPaymentRef(ctx, ref)
		if err != nil {
			t.Fatalf("FindOrderByPaymentRef failed: %v", err)
		}
		if found == nil || found.ID != order.ID {
			t.Fatalf("expected order %s, got %+v", order.ID, found)
		}

		if _, err := adapter.TransitionStatus(ctx, order.ID, domain.OrderStatusPaid, ""); err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}
		ok, err = adapter.AttachPaymentReference(ctx, order.ID, "lnk_other")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected attach on paid order to be refused")
		}

		missing, err := adapter.FindOrderByPaymentRef(ctx, "lnk_unknown_"+uuid.NewString())
		if err != nil || missing != nil {
			t.Errorf("expected nil for unknown reference, got %+v, %v", missing, err)
		}
	})
}

func TestInsertGrants_Idempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db,
			domain.CatalogItem{ID: "cat-g1", Title: "G1", Price: 1000, Active: true},
			domain.CatalogItem{ID: "cat-g2", Title: "G2", Price: 1000, Active: true},
		)

		order := newTestOrder("grant@example.com", time.Now(),
			domain.OrderItem{CatalogItemID: "cat-g1", Quantity: 1, UnitPrice: 1000},
			domain.OrderItem{CatalogItemID: "cat-g2", Quantity: 1, UnitPrice: 1000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		grants := []domain.DownloadGrant{
			{OrderID: order.ID, CatalogItemID: "cat-g1", CustomerEmail: "grant@example.com", CreatedAt: time.Now()},
			{OrderID: order.ID, CatalogItemID: "cat-g2", CustomerEmail: "grant@example.com", CreatedAt: time.Now()},
		}
		for i := 0; i < 3; i++ {
			if err := adapter.InsertGrants(ctx, grants); err != nil {
				t.Fatalf("InsertGrants attempt %d failed: %v", i+1, err)
			}
		}

		listed, err := adapter.ListGrants(ctx, order.ID)
		if err != nil {
			t.Fatalf("ListGrants failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 grants, got %d", len(listed))
		}

		g, err := adapter.GetGrant(ctx, order.ID, "cat-g2")
		if err != nil || g == nil {
			t.Fatalf("expected grant, got %+v, %v", g, err)
		}
		none, err := adapter.GetGrant(ctx, order.ID, "cat-missing")
		if err != nil || none != nil {
			t.Errorf("expected nil grant, got %+v, %v", none, err)
		}
	})
}

func TestWithTx_RollbackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-tx", Title: "Tx", Price: 1000, Active: true})

		order := newTestOrder("tx@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-tx", Quantity: 1, UnitPrice: 1000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		boom := errors.New("boom")
		err := adapter.WithTx(ctx, func(ctx context.Context, repo port.LedgerRepository) error {
			if _, err := repo.TransitionStatus(ctx, order.ID, domain.OrderStatusPaid, "CARD"); err != nil {
				return err
			}
			if err := repo.InsertGrants(ctx, []domain.DownloadGrant{
				{OrderID: order.ID, CatalogItemID: "cat-tx", CustomerEmail: "tx@example.com", CreatedAt: time.Now()},
			}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		got, _ := adapter.GetOrder(ctx, order.ID)
		if got.Status != domain.OrderStatusPending {
			t.Errorf("expected rollback to keep PENDING, got %s", got.Status)
		}
		grants, _ := adapter.ListGrants(ctx, order.ID)
		if len(grants) != 0 {
			t.Errorf("expected no grants after rollback, got %d", len(grants))
		}
	})
}

func TestOutbox_FetchAndMark(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		if _, err := db.Exec(`DELETE FROM outbox`); err != nil {
			t.Fatalf("cleanup outbox: %v", err)
		}

		for i := 0; i < 3; i++ {
			err := adapter.AppendOutbox(ctx, domain.OutboxMessage{
				EventID:   uuid.NewString(),
				Topic:     domain.TopicOrderPaid,
				Key:       "order-1",
				Payload:   []byte(`{"order_id":"order-1"}`),
				CreatedAt: time.Now(),
			})
			if err != nil {
				t.Fatalf("AppendOutbox failed: %v", err)
			}
		}

		pending, err := adapter.FetchPendingOutbox(ctx, 2)
		if err != nil {
			t.Fatalf("FetchPendingOutbox failed: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(pending))
		}
		if pending[0].ID >= pending[1].ID {
			t.Error("expected ascending ids")
		}
		if string(pending[0].Payload) != `{"order_id":"order-1"}` {
			t.Errorf("unexpected payload %s", pending[0].Payload)
		}

		if err := adapter.MarkOutboxSent(ctx, pending[0].ID, time.Now()); err != nil {
			t.Fatalf("MarkOutboxSent failed: %v", err)
		}

		rest, err := adapter.FetchPendingOutbox(ctx, 10)
		if err != nil {
			t.Fatalf("FetchPendingOutbox failed: %v", err)
		}
		if len(rest) != 2 {
			t.Errorf("expected 2 pending after mark, got %d", len(rest))
		}
	})
}

func TestTransitionStatus_ConcurrentSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *sql.DB, adapter *SQLAdapter) {
		ctx := context.Background()
		seedCatalog(t, db, domain.CatalogItem{ID: "cat-race", Title: "Race", Price: 1000, Active: true})

		order := newTestOrder("race@example.com", time.Now(), domain.OrderItem{CatalogItemID: "cat-race", Quantity: 1, UnitPrice: 1000})
		if err := adapter.CreateOrder(ctx, order); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				changed, err := adapter.TransitionStatus(ctx, order.ID, domain.OrderStatusPaid, "CARD")
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if changed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if winners != 1 {
			t.Errorf("expected exactly 1 winner, got %d", winners)
		}
	})
}
