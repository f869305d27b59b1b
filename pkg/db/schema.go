package db

import (
	"database/sql"
	"fmt"
)

// Decimal quantities are stored as TEXT and parsed at the boundary so no
// monetary value ever round-trips through a binary float.
const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS orders (
    client_id TEXT PRIMARY KEY,
    exchange_id TEXT,
    product TEXT NOT NULL,
    side TEXT NOT NULL,
    kind TEXT NOT NULL,
    requested_price TEXT NOT NULL DEFAULT '0',
    requested_size TEXT NOT NULL DEFAULT '0',
    stop_price TEXT NOT NULL DEFAULT '0',
    limit_price TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    filled_size TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    parent_position_id TEXT,
    reason TEXT,
    submitted_at DATETIME NOT NULL,
    terminal_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_id);

CREATE TABLE IF NOT EXISTS fills (
    fill_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    position_id TEXT,
    leg TEXT,
    product TEXT NOT NULL,
    side TEXT NOT NULL,
    price TEXT NOT NULL,
    size TEXT NOT NULL,
    fee TEXT NOT NULL DEFAULT '0',
    liquidity TEXT NOT NULL DEFAULT 'TAKER',
    fill_time DATETIME NOT NULL,
    FOREIGN KEY(order_id) REFERENCES orders(client_id)
);

CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id, leg);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    product TEXT NOT NULL,
    status TEXT NOT NULL,
    strategy TEXT,
    stop_order_id TEXT,
    take_profit_order_id TEXT,
    unprotected INTEGER NOT NULL DEFAULT 0,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
    ON positions(product) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS trade_records (
    id TEXT PRIMARY KEY,
    product TEXT NOT NULL,
    entry_time DATETIME NOT NULL,
    exit_time DATETIME NOT NULL,
    avg_entry TEXT NOT NULL,
    avg_exit TEXT NOT NULL,
    size TEXT NOT NULL,
    gross_pnl TEXT NOT NULL,
    fees TEXT NOT NULL,
    net_pnl TEXT NOT NULL,
    pnl_pct TEXT NOT NULL,
    strategy TEXT,
    exit_reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    snap_time DATETIME NOT NULL,
    cash_quote TEXT NOT NULL,
    positions_value TEXT NOT NULL,
    total TEXT NOT NULL,
    open_positions INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bot_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "orders", "parent_position_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "reason", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "unprotected", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "fills", "liquidity", "TEXT NOT NULL DEFAULT 'TAKER'"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
