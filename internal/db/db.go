// Package db is the transactional store behind the position keeper: trades,
// position keys, per-basis snapshot/price/history tables, and position configs,
// all in SQLite.
//
// Monetary columns are stored as decimal TEXT, never REAL; values round-trip
// exactly through shopspring/decimal.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"poskeeper/internal/logger"
	"poskeeper/internal/position"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer. SQLite serializes writes anyway, and a second pooled
	// connection to a :memory: database would see its own empty schema.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB, now: time.Now}
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

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS position_configs (
				config_id     INTEGER PRIMARY KEY AUTOINCREMENT,
				config_type   TEXT NOT NULL,
				name          TEXT NOT NULL,
				key_format    TEXT NOT NULL,
				price_methods TEXT NOT NULL,
				scope         TEXT NOT NULL,
				active        INTEGER NOT NULL DEFAULT 1,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL,
				UNIQUE(config_type, key_format, scope)
			);

			CREATE TABLE IF NOT EXISTS position_keys (
				position_id          INTEGER PRIMARY KEY AUTOINCREMENT,
				position_key         TEXT NOT NULL,
				config_id            INTEGER NOT NULL,
				config_type          TEXT NOT NULL,
				config_name          TEXT NOT NULL,
				book                 TEXT,
				counterparty         TEXT,
				instrument           TEXT,
				last_trade_date      TEXT NOT NULL,
				last_settlement_date TEXT NOT NULL,
				created_at           TEXT NOT NULL,
				created_by_sequence  INTEGER NOT NULL,
				UNIQUE(position_key, config_id)
			);

			CREATE TABLE IF NOT EXISTS position_trades (
				sequence_num    INTEGER PRIMARY KEY,
				position_key    TEXT NOT NULL,
				trade_time      TEXT NOT NULL,
				trade_date      TEXT NOT NULL,
				settlement_date TEXT NOT NULL,
				book            TEXT NOT NULL,
				counterparty    TEXT NOT NULL,
				instrument      TEXT NOT NULL,
				signed_quantity INTEGER NOT NULL CHECK (signed_quantity <> 0),
				price           TEXT NOT NULL,
				source          TEXT NOT NULL,
				source_id       TEXT NOT NULL,
				processed_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_trades_key_tdate ON position_trades(position_key, trade_date);
			CREATE INDEX IF NOT EXISTS idx_trades_key_sdate ON position_trades(position_key, settlement_date);
			CREATE INDEX IF NOT EXISTS idx_trades_dims_tdate ON position_trades(book, counterparty, instrument, trade_date);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1 (configs, keys, trades)")
	}

	if version < 2 {
		// Snapshot, price, and history tables exist twice: once per date basis.
		for _, basis := range position.AllBases {
			snap, price, hist := tables(basis)
			_, err := d.sql.Exec(fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %[1]s (
					position_key           TEXT NOT NULL,
					business_date          TEXT NOT NULL,
					net_quantity           INTEGER NOT NULL,
					gross_long             INTEGER NOT NULL CHECK (gross_long >= 0),
					gross_short            INTEGER NOT NULL CHECK (gross_short >= 0),
					trade_count            INTEGER NOT NULL CHECK (trade_count >= 0),
					total_notional         TEXT NOT NULL,
					calculation_version    INTEGER NOT NULL CHECK (calculation_version >= 1),
					calculated_at          TEXT NOT NULL,
					calculation_method     TEXT NOT NULL,
					calculation_request_id TEXT NOT NULL,
					last_sequence_num      INTEGER NOT NULL,
					last_trade_time        TEXT NOT NULL,
					PRIMARY KEY (position_key, business_date)
				);

				CREATE TABLE IF NOT EXISTS %[2]s (
					position_key        TEXT NOT NULL,
					business_date       TEXT NOT NULL,
					price_method        TEXT NOT NULL,
					price               TEXT NOT NULL,
					method_data         TEXT NOT NULL,
					calculation_version INTEGER NOT NULL CHECK (calculation_version >= 1),
					calculated_at       TEXT NOT NULL,
					PRIMARY KEY (position_key, business_date, price_method),
					FOREIGN KEY (position_key, business_date) REFERENCES %[1]s(position_key, business_date)
				);

				CREATE TABLE IF NOT EXISTS %[3]s (
					history_id             INTEGER PRIMARY KEY AUTOINCREMENT,
					position_key           TEXT NOT NULL,
					business_date          TEXT NOT NULL,
					net_quantity           INTEGER NOT NULL,
					gross_long             INTEGER NOT NULL,
					gross_short            INTEGER NOT NULL,
					trade_count            INTEGER NOT NULL,
					total_notional         TEXT NOT NULL,
					calculation_version    INTEGER NOT NULL,
					calculated_at          TEXT NOT NULL,
					superseded_at          TEXT,
					change_reason          TEXT NOT NULL,
					previous_net_quantity  INTEGER,
					calculation_request_id TEXT NOT NULL,
					last_sequence_num      INTEGER NOT NULL,
					last_trade_time        TEXT NOT NULL,
					calculation_method     TEXT NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_%[3]s_coord ON %[3]s(position_key, business_date, calculation_version);
			`, snap, price, hist))
			if err != nil {
				return fmt.Errorf("migration v2 (%s): %w", basis, err)
			}
		}
		if _, err := d.sql.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (2)`); err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("DB", "Applied migration v2 (snapshots, prices, history)")
	}

	if version < 3 {
		// Seed the default OFFICIAL config.
		now := d.now().UTC().Format(time.RFC3339Nano)
		_, err := d.sql.Exec(`
			INSERT OR IGNORE INTO position_configs
				(config_id, config_type, name, key_format, price_methods, scope, active, created_at, updated_at)
			VALUES (1, 'OFFICIAL', 'Official Positions', 'BOOK_COUNTERPARTY_INSTRUMENT', 'WAC', '{"type":"ALL"}', 1, ?, ?)
		`, now, now)
		if err != nil {
			return fmt.Errorf("migration v3: %w", err)
		}
		if _, err := d.sql.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (3)`); err != nil {
			return fmt.Errorf("migration v3: %w", err)
		}
		logger.Info("DB", "Applied migration v3 (seed OFFICIAL config)")
	}

	return nil
}

// tables returns the snapshot, price, and history table names for a basis.
func tables(basis position.DateBasis) (snap, price, hist string) {
	if basis == position.SettlementDateBasis {
		return "position_snapshots_settled", "position_average_prices_settled", "position_snapshots_settled_history"
	}
	return "position_snapshots", "position_average_prices", "position_snapshots_history"
}

// SqlDB returns the underlying *sql.DB for use by other packages.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
