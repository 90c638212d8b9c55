package db

import (
	"database/sql"
	"fmt"
	"sync"

	"flip-copilot/internal/engine"
	"flip-copilot/internal/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite ledger. A single process-wide mutex serializes all
// reads and writes; multi-row effects run inside one transaction.
type DB struct {
	sql *sql.DB
	mu  sync.Mutex

	tax           engine.Tax
	abortCooldown int64 // seconds
	buyRecTimeout int64 // seconds
}

// Open opens (or creates) the ledger database and runs migrations.
func Open(path string, tax engine.Tax, abortCooldownSeconds, buyRecTimeoutSeconds int) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{
		sql:           sqlDB,
		tax:           tax,
		abortCooldown: int64(abortCooldownSeconds),
		buyRecTimeout: int64(buyRecTimeoutSeconds),
	}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// migrate creates any missing tables and adds newly-required columns to
// older databases in place. It never destroys history.
func (d *DB) migrate() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS lots (
			tx_id         TEXT PRIMARY KEY,
			item_id       INTEGER NOT NULL,
			item_name     TEXT NOT NULL,
			buy_price     INTEGER NOT NULL,
			qty_total     INTEGER NOT NULL,
			qty_remaining INTEGER NOT NULL,
			buy_ts        INTEGER NOT NULL,
			buy_offer_id  INTEGER,
			buy_rec_id    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS offer_instances (
			offer_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			box_id        INTEGER NOT NULL,
			status        TEXT NOT NULL,
			item_id       INTEGER NOT NULL,
			price         INTEGER NOT NULL,
			amount_total  INTEGER NOT NULL,
			start_ts      INTEGER NOT NULL,
			first_fill_ts INTEGER,
			done_ts       INTEGER,
			last_seen_ts  INTEGER NOT NULL,
			last_traded   INTEGER NOT NULL,
			last_trade_ts INTEGER,
			active        INTEGER NOT NULL,
			rec_id        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS buy_fills (
			fill_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id   INTEGER NOT NULL,
			item_name TEXT NOT NULL,
			qty       INTEGER NOT NULL,
			buy_price INTEGER NOT NULL,
			fill_ts   INTEGER NOT NULL,
			offer_id  INTEGER,
			rec_id    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS realized_trades (
			trade_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id       INTEGER NOT NULL,
			item_name     TEXT NOT NULL,
			qty           INTEGER NOT NULL,
			buy_price     INTEGER NOT NULL,
			sell_price    INTEGER NOT NULL,
			buy_ts        INTEGER NOT NULL,
			sell_ts       INTEGER NOT NULL,
			profit        INTEGER NOT NULL,
			sell_offer_id INTEGER,
			sell_rec_id   TEXT,
			buy_rec_id    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			rec_id               TEXT PRIMARY KEY,
			issued_ts            INTEGER NOT NULL,
			rec_type             TEXT NOT NULL,
			box_id               INTEGER NOT NULL,
			item_id              INTEGER NOT NULL,
			item_name            TEXT NOT NULL,
			price                INTEGER NOT NULL,
			qty                  INTEGER NOT NULL,
			expected_profit      REAL NOT NULL,
			expected_duration    REAL NOT NULL,
			note                 TEXT,
			linked_offer_id      INTEGER,
			outcome_status       TEXT NOT NULL,
			buy_first_fill_ts    INTEGER,
			buy_done_ts          INTEGER,
			buy_phase_seconds    INTEGER,
			first_sell_ts        INTEGER,
			last_sell_ts         INTEGER,
			sell_phase_seconds   INTEGER,
			realized_profit      INTEGER,
			realized_cost        INTEGER,
			realized_roi         REAL,
			realized_vs_expected REAL,
			closed_ts            INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS pt_accounts (
			display_name TEXT PRIMARY KEY,
			account_id   INTEGER NOT NULL,
			created_ts   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pt_flips (
			flip_uuid         TEXT PRIMARY KEY,
			display_name      TEXT NOT NULL,
			account_id        INTEGER NOT NULL,
			item_id           INTEGER NOT NULL,
			opened_time       INTEGER NOT NULL,
			opened_qty        INTEGER NOT NULL,
			spent             INTEGER NOT NULL,
			closed_time       INTEGER NOT NULL,
			closed_qty        INTEGER NOT NULL,
			received_post_tax INTEGER NOT NULL,
			profit            INTEGER NOT NULL,
			tax_paid          INTEGER NOT NULL,
			status_ord        INTEGER NOT NULL,
			updated_time      INTEGER NOT NULL,
			deleted           INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pt_transactions (
			tx_id                  TEXT PRIMARY KEY,
			display_name           TEXT NOT NULL,
			account_id             INTEGER NOT NULL,
			flip_uuid              TEXT NOT NULL,
			time                   INTEGER NOT NULL,
			item_id                INTEGER NOT NULL,
			quantity               INTEGER NOT NULL,
			price                  INTEGER NOT NULL,
			box_id                 INTEGER NOT NULL,
			amount_spent           INTEGER NOT NULL,
			was_copilot_suggestion INTEGER NOT NULL,
			copilot_price_used     INTEGER NOT NULL,
			login                  INTEGER NOT NULL,
			raw_json               TEXT
		)`,
	}
	for _, stmt := range tables {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("ensure table: %w", err)
		}
	}

	// Older databases predate some columns; add what is missing in place.
	migrations := []struct{ table, col, def string }{
		{"lots", "buy_offer_id", "INTEGER"},
		{"lots", "buy_rec_id", "TEXT"},
		{"buy_fills", "offer_id", "INTEGER"},
		{"buy_fills", "rec_id", "TEXT"},
		{"realized_trades", "sell_offer_id", "INTEGER"},
		{"realized_trades", "sell_rec_id", "TEXT"},
		{"realized_trades", "buy_rec_id", "TEXT"},
		{"offer_instances", "rec_id", "TEXT"},
		{"offer_instances", "last_trade_ts", "INTEGER"},
		{"recommendations", "linked_offer_id", "INTEGER"},
		{"recommendations", "buy_first_fill_ts", "INTEGER"},
		{"recommendations", "buy_done_ts", "INTEGER"},
		{"recommendations", "buy_phase_seconds", "INTEGER"},
		{"recommendations", "first_sell_ts", "INTEGER"},
		{"recommendations", "last_sell_ts", "INTEGER"},
		{"recommendations", "sell_phase_seconds", "INTEGER"},
		{"recommendations", "realized_profit", "INTEGER"},
		{"recommendations", "realized_cost", "INTEGER"},
		{"recommendations", "realized_roi", "REAL"},
		{"recommendations", "realized_vs_expected", "REAL"},
		{"recommendations", "closed_ts", "INTEGER"},
		{"recommendations", "note", "TEXT"},
		{"pt_transactions", "was_copilot_suggestion", "INTEGER NOT NULL DEFAULT 0"},
		{"pt_transactions", "copilot_price_used", "INTEGER NOT NULL DEFAULT 0"},
		{"pt_transactions", "login", "INTEGER NOT NULL DEFAULT 0"},
		{"pt_transactions", "raw_json", "TEXT"},
	}
	for _, m := range migrations {
		if err := d.ensureColumn(m.table, m.col, m.def); err != nil {
			return err
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_offer_open ON offer_instances(box_id, done_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_offer_item ON offer_instances(item_id, done_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_buyfills_item_ts ON buy_fills(item_id, fill_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_sellts ON realized_trades(sell_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_recs_item_ts ON recommendations(item_id, issued_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_recs_type_box_ts ON recommendations(rec_type, box_id, issued_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_pt_flips_account_updated ON pt_flips(account_id, updated_time)`,
		`CREATE INDEX IF NOT EXISTS idx_pt_tx_display_time ON pt_transactions(display_name, time)`,
	}
	for _, stmt := range indexes {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}

func (d *DB) columns(table string) (map[string]bool, error) {
	rows, err := d.sql.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (d *DB) ensureColumn(table, col, def string) error {
	cols, err := d.columns(table)
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}
	if cols[col] {
		return nil
	}
	if _, err := d.sql.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col, def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col, err)
	}
	logger.Info("DB", fmt.Sprintf("migrated: added column %s.%s %s", table, col, def))
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers can run
// standalone or inside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
