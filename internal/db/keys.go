package db

import (
	"context"
	"database/sql"
	"fmt"

	"poskeeper/internal/position"
)

// UpsertResult carries the surrogate id and the last-seen dates as they stood
// before the upsert. The priors are what the ingestion coordinator classifies
// late trades against; they are nil when the row was just created.
type UpsertResult struct {
	PositionID              int64
	PriorLastTradeDate      *position.Date
	PriorLastSettlementDate *position.Date
}

// UpsertPositionKey inserts the (positionKey, configId) row on first sight or
// advances its cached last dates to the per-upsert maximum. The last dates are
// monotone: they never regress. Runs in one transaction so concurrent upserts
// across partitions keep max semantics.
func (d *DB) UpsertPositionKey(ctx context.Context, k position.Key, tradeDate, settlementDate position.Date, sequenceNum int64) (UpsertResult, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert position key: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var lastTrade, lastSettle string
	err = tx.QueryRowContext(ctx, `
		SELECT position_id, last_trade_date, last_settlement_date
		  FROM position_keys
		 WHERE position_key = ? AND config_id = ?
	`, k.PositionKey, k.ConfigID).Scan(&id, &lastTrade, &lastSettle)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO position_keys (
				position_key, config_id, config_type, config_name,
				book, counterparty, instrument,
				last_trade_date, last_settlement_date, created_at, created_by_sequence
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, k.PositionKey, k.ConfigID, string(k.ConfigType), k.ConfigName,
			k.Dims.Book, k.Dims.Counterparty, k.Dims.Instrument,
			string(tradeDate), string(settlementDate), fmtTime(d.now()), sequenceNum)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert position key %s: %w", k.PositionKey, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert position key %s: %w", k.PositionKey, err)
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("upsert position key: %w", err)
		}
		return UpsertResult{PositionID: id}, nil

	case err != nil:
		return UpsertResult{}, fmt.Errorf("upsert position key %s: %w", k.PositionKey, err)
	}

	// ISO dates compare lexicographically, so MAX works directly in SQL.
	if _, err := tx.ExecContext(ctx, `
		UPDATE position_keys
		   SET last_trade_date      = MAX(last_trade_date, ?),
		       last_settlement_date = MAX(last_settlement_date, ?)
		 WHERE position_id = ?
	`, string(tradeDate), string(settlementDate), id); err != nil {
		return UpsertResult{}, fmt.Errorf("advance position key %s: %w", k.PositionKey, err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("upsert position key: %w", err)
	}

	priorTrade := position.Date(lastTrade)
	priorSettle := position.Date(lastSettle)
	return UpsertResult{
		PositionID:              id,
		PriorLastTradeDate:      &priorTrade,
		PriorLastSettlementDate: &priorSettle,
	}, nil
}

// FindPositionKey loads one (positionKey, configId) row. Returns nil when absent.
func (d *DB) FindPositionKey(ctx context.Context, positionKey string, configID int64) (*position.Key, error) {
	var k position.Key
	var book, counterparty, instrument sql.NullString
	var configType, lastTrade, lastSettle, createdAt string
	err := d.sql.QueryRowContext(ctx, `
		SELECT position_id, position_key, config_id, config_type, config_name,
		       book, counterparty, instrument,
		       last_trade_date, last_settlement_date, created_at, created_by_sequence
		  FROM position_keys
		 WHERE position_key = ? AND config_id = ?
	`, positionKey, configID).Scan(&k.PositionID, &k.PositionKey, &k.ConfigID, &configType, &k.ConfigName,
		&book, &counterparty, &instrument, &lastTrade, &lastSettle, &createdAt, &k.CreatedBySequence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find position key %s: %w", positionKey, err)
	}
	k.ConfigType = position.ConfigType(configType)
	if book.Valid {
		k.Dims.Book = &book.String
	}
	if counterparty.Valid {
		k.Dims.Counterparty = &counterparty.String
	}
	if instrument.Valid {
		k.Dims.Instrument = &instrument.String
	}
	k.LastTradeDate = position.Date(lastTrade)
	k.LastSettlementDate = position.Date(lastSettle)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}
