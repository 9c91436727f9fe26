package storage

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"

	mysqlDuplicateEntry = 1062
)

// dialect holds the statements that differ between MySQL and SQLite.
type dialect struct {
	name        string
	schema      []string
	insertGrant string
	isDuplicate func(error) bool
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS catalog_items (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			preview_url VARCHAR(1024) NOT NULL DEFAULT '',
			full_res_url VARCHAR(1024) NOT NULL DEFAULT '',
			price BIGINT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS orders (
			id CHAR(36) NOT NULL PRIMARY KEY,
			order_number VARCHAR(32) NOT NULL,
			customer_email VARCHAR(255) NOT NULL,
			customer_name VARCHAR(255) NOT NULL,
			customer_phone VARCHAR(64) NOT NULL DEFAULT '',
			total_amount BIGINT NOT NULL,
			download_token CHAR(64) NOT NULL,
			payment_ref VARCHAR(128) NULL,
			payment_method VARCHAR(64) NULL,
			status VARCHAR(16) NOT NULL,
			expires_at DATETIME(6) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_orders_number (order_number),
			UNIQUE KEY uq_orders_token (download_token),
			KEY idx_orders_payment_ref (payment_ref),
			KEY idx_orders_email_created (customer_email, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id CHAR(36) NOT NULL,
			catalog_item_id VARCHAR(64) NOT NULL,
			quantity INT NOT NULL,
			unit_price BIGINT NOT NULL,
			PRIMARY KEY (order_id, catalog_item_id),
			CONSTRAINT fk_order_items_order FOREIGN KEY (order_id) REFERENCES orders (id) ON DELETE CASCADE,
			CONSTRAINT chk_order_items_quantity CHECK (quantity > 0)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS download_grants (
			order_id CHAR(36) NOT NULL,
			catalog_item_id VARCHAR(64) NOT NULL,
			customer_email VARCHAR(255) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (order_id, catalog_item_id),
			CONSTRAINT fk_download_grants_order FOREIGN KEY (order_id) REFERENCES orders (id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			event_id CHAR(36) NOT NULL,
			topic VARCHAR(64) NOT NULL,
			msg_key VARCHAR(128) NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			sent_at DATETIME(6) NULL,
			UNIQUE KEY uq_outbox_event (event_id),
			KEY idx_outbox_pending (sent_at, id)
		) ENGINE=InnoDB`,
	},
	insertGrant: `
		INSERT INTO download_grants (order_id, catalog_item_id, customer_email, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE order_id = order_id`,
	isDuplicate: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
	},
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS catalog_items (
			id TEXT NOT NULL PRIMARY KEY,
			title TEXT NOT NULL,
			preview_url TEXT NOT NULL DEFAULT '',
			full_res_url TEXT NOT NULL DEFAULT '',
			price INTEGER NOT NULL,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT NOT NULL PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			customer_email TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			customer_phone TEXT NOT NULL DEFAULT '',
			total_amount INTEGER NOT NULL,
			download_token TEXT NOT NULL UNIQUE,
			payment_ref TEXT NULL,
			payment_method TEXT NULL,
			status TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_payment_ref ON orders (payment_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_email_created ON orders (customer_email, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
			catalog_item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price INTEGER NOT NULL,
			PRIMARY KEY (order_id, catalog_item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS download_grants (
			order_id TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
			catalog_item_id TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (order_id, catalog_item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			msg_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			sent_at DATETIME NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (sent_at, id)`,
	},
	insertGrant: `
		INSERT INTO download_grants (order_id, catalog_item_id, customer_email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (order_id, catalog_item_id) DO NOTHING`,
	isDuplicate: func(err error) bool {
		var liteErr sqlite3.Error
		if !errors.As(err, &liteErr) {
			return false
		}
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	},
}
