package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"poskeeper/internal/position"
)

const tradeColumns = `sequence_num, position_key, trade_time, trade_date, settlement_date,
	book, counterparty, instrument, signed_quantity, price, source, source_id`

// InsertTrade stores one trade, keyed by sequence number. Returns true if the
// row was inserted, false if a trade with that sequence already existed.
func (d *DB) InsertTrade(ctx context.Context, t position.Trade) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `
		INSERT OR IGNORE INTO position_trades (`+tradeColumns+`, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.SequenceNum, t.CanonicalKey(), fmtTime(t.TradeTime), string(t.TradeDate), string(t.SettlementDate),
		t.Book, t.Counterparty, t.Instrument, t.SignedQuantity, t.Price.String(), t.Source, t.SourceID,
		fmtTime(d.now()))
	if err != nil {
		return false, fmt.Errorf("insert trade %d: %w", t.SequenceNum, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert trade %d: %w", t.SequenceNum, err)
	}
	return n > 0, nil
}

// BatchInsertTrades stores a batch in a single transaction and returns the
// subset actually inserted, in input order. Trades whose sequence number is
// already present are skipped, not failures.
func (d *DB) BatchInsertTrades(ctx context.Context, trades []position.Trade) ([]position.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO position_trades (` + tradeColumns + `, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("batch insert: %w", err)
	}
	defer stmt.Close()

	processedAt := fmtTime(d.now())
	var inserted []position.Trade
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx, t.SequenceNum, t.CanonicalKey(), fmtTime(t.TradeTime),
			string(t.TradeDate), string(t.SettlementDate),
			t.Book, t.Counterparty, t.Instrument, t.SignedQuantity, t.Price.String(),
			t.Source, t.SourceID, processedAt)
		if err != nil {
			return nil, fmt.Errorf("batch insert trade %d: %w", t.SequenceNum, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch insert commit: %w", err)
	}
	return inserted, nil
}

// dateColumn maps a basis to the trade-table date column it selects on.
func dateColumn(basis position.DateBasis) string {
	if basis == position.SettlementDateBasis {
		return "settlement_date"
	}
	return "trade_date"
}

// dimsFilter builds a WHERE fragment matching the non-nil dimension columns.
func dimsFilter(dims position.Dims) (string, []any) {
	var clauses []string
	var args []any
	if dims.Book != nil {
		clauses = append(clauses, "book = ?")
		args = append(args, *dims.Book)
	}
	if dims.Counterparty != nil {
		clauses = append(clauses, "counterparty = ?")
		args = append(args, *dims.Counterparty)
	}
	if dims.Instrument != nil {
		clauses = append(clauses, "instrument = ?")
		args = append(args, *dims.Instrument)
	}
	if len(clauses) == 0 {
		// Never match everything by accident.
		return "1 = 0", nil
	}
	return strings.Join(clauses, " AND "), args
}

func (d *DB) queryTrades(ctx context.Context, where string, args ...any) ([]position.Trade, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		  FROM position_trades
		 WHERE `+where+`
		 ORDER BY sequence_num ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []position.Trade
	for rows.Next() {
		var t position.Trade
		var posKey, tradeTime, tradeDate, settleDate, price string
		if err := rows.Scan(&t.SequenceNum, &posKey, &tradeTime, &tradeDate, &settleDate,
			&t.Book, &t.Counterparty, &t.Instrument, &t.SignedQuantity, &price,
			&t.Source, &t.SourceID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.TradeTime = parseTime(tradeTime)
		t.TradeDate = position.Date(tradeDate)
		t.SettlementDate = position.Date(settleDate)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %d: bad price %q: %w", t.SequenceNum, price, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return out, nil
}

// FindTradesByPositionKeyAndDate returns all trades for a canonical key and
// business date, in ascending sequence order.
func (d *DB) FindTradesByPositionKeyAndDate(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis) ([]position.Trade, error) {
	return d.queryTrades(ctx, "position_key = ? AND "+dateColumn(basis)+" = ?", positionKey, string(businessDate))
}

// FindTradesByDimensions is the dimensional variant for non-BCI key formats.
func (d *DB) FindTradesByDimensions(ctx context.Context, dims position.Dims, businessDate position.Date, basis position.DateBasis) ([]position.Trade, error) {
	where, args := dimsFilter(dims)
	args = append(args, string(businessDate))
	return d.queryTrades(ctx, where+" AND "+dateColumn(basis)+" = ?", args...)
}

// FindTradesAfterSequence returns the trades newer than afterSeq for one
// coordinate, in ascending sequence order. Same-day incremental feeds on it.
func (d *DB) FindTradesAfterSequence(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis, afterSeq int64) ([]position.Trade, error) {
	return d.queryTrades(ctx, "position_key = ? AND "+dateColumn(basis)+" = ? AND sequence_num > ?",
		positionKey, string(businessDate), afterSeq)
}

// FindTradesByDimensionsAfterSequence is the dimensional variant of
// FindTradesAfterSequence.
func (d *DB) FindTradesByDimensionsAfterSequence(ctx context.Context, dims position.Dims, businessDate position.Date, basis position.DateBasis, afterSeq int64) ([]position.Trade, error) {
	where, args := dimsFilter(dims)
	args = append(args, string(businessDate), afterSeq)
	return d.queryTrades(ctx, where+" AND "+dateColumn(basis)+" = ? AND sequence_num > ?", args...)
}

// AggregateMetrics folds every trade for the coordinate into a TradeMetrics.
// Returns nil when no trades match.
func (d *DB) AggregateMetrics(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis) (*position.TradeMetrics, error) {
	trades, err := d.FindTradesByPositionKeyAndDate(ctx, positionKey, businessDate, basis)
	if err != nil {
		return nil, err
	}
	return foldMetrics(trades), nil
}

// AggregateMetricsByDimensions is the dimensional variant of AggregateMetrics.
func (d *DB) AggregateMetricsByDimensions(ctx context.Context, dims position.Dims, businessDate position.Date, basis position.DateBasis) (*position.TradeMetrics, error) {
	trades, err := d.FindTradesByDimensions(ctx, dims, businessDate, basis)
	if err != nil {
		return nil, err
	}
	return foldMetrics(trades), nil
}

// foldMetrics aggregates in Go rather than SQL so the notional sum stays in
// exact decimal arithmetic.
func foldMetrics(trades []position.Trade) *position.TradeMetrics {
	if len(trades) == 0 {
		return nil
	}
	m := &position.TradeMetrics{TotalNotional: decimal.Zero}
	for _, t := range trades {
		m.Apply(t)
	}
	return m
}
