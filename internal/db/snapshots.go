package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"poskeeper/internal/position"
)

// FindSnapshot returns the current snapshot for a coordinate, or nil.
func (d *DB) FindSnapshot(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis) (*position.Snapshot, error) {
	snap, _, _ := tables(basis)
	row := d.sql.QueryRowContext(ctx, `
		SELECT position_key, business_date, net_quantity, gross_long, gross_short,
		       trade_count, total_notional, calculation_version, calculated_at,
		       calculation_method, calculation_request_id, last_sequence_num, last_trade_time
		  FROM `+snap+`
		 WHERE position_key = ? AND business_date = ?
	`, positionKey, string(businessDate))
	return scanSnapshot(row)
}

// FindSnapshotsForPosition returns the snapshot series for a key ordered by
// business date, optionally bounded by [fromDate, toDate].
func (d *DB) FindSnapshotsForPosition(ctx context.Context, positionKey string, basis position.DateBasis, fromDate, toDate *position.Date) ([]position.Snapshot, error) {
	snap, _, _ := tables(basis)
	query := `
		SELECT position_key, business_date, net_quantity, gross_long, gross_short,
		       trade_count, total_notional, calculation_version, calculated_at,
		       calculation_method, calculation_request_id, last_sequence_num, last_trade_time
		  FROM ` + snap + `
		 WHERE position_key = ?`
	args := []any{positionKey}
	if fromDate != nil {
		query += " AND business_date >= ?"
		args = append(args, string(*fromDate))
	}
	if toDate != nil {
		query += " AND business_date <= ?"
		args = append(args, string(*toDate))
	}
	query += " ORDER BY business_date ASC"

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find snapshots for %s: %w", positionKey, err)
	}
	defer rows.Close()

	var out []position.Snapshot
	for rows.Next() {
		s, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find snapshots for %s: %w", positionKey, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshotFrom(sc rowScanner) (*position.Snapshot, error) {
	var s position.Snapshot
	var businessDate, notional, calculatedAt, method, lastTradeTime string
	err := sc.Scan(&s.PositionKey, &businessDate, &s.NetQuantity, &s.GrossLong, &s.GrossShort,
		&s.TradeCount, &notional, &s.CalculationVersion, &calculatedAt,
		&method, &s.CalculationRequestID, &s.LastSequenceNum, &lastTradeTime)
	if err != nil {
		return nil, err
	}
	s.BusinessDate = position.Date(businessDate)
	if s.TotalNotional, err = decimal.NewFromString(notional); err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: bad notional %q: %w", s.PositionKey, businessDate, notional, err)
	}
	s.CalculatedAt = parseTime(calculatedAt)
	s.CalculationMethod = position.CalcMethod(method)
	s.LastTradeTime = parseTime(lastTradeTime)
	return &s, nil
}

func scanSnapshot(row *sql.Row) (*position.Snapshot, error) {
	s, err := scanSnapshotFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return s, nil
}

func scanSnapshotRows(rows *sql.Rows) (*position.Snapshot, error) {
	s, err := scanSnapshotFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return s, nil
}

// SaveSnapshot upserts the current row for the snapshot's coordinate with the
// full bitemporal bookkeeping, in one transaction:
//
//  1. the open history row (superseded_at IS NULL), if any, is closed with the
//     new calculation instant;
//  2. the current row is replaced with calculation_version = prior + 1
//     (or inserted at version 1);
//  3. a new open history row is appended carrying the change reason and the
//     net quantity it replaces.
func (d *DB) SaveSnapshot(ctx context.Context, s position.Snapshot, basis position.DateBasis, reason position.ChangeReason) (position.Snapshot, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return s, fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	saved, err := d.saveSnapshotTx(ctx, tx, s, basis, reason)
	if err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, fmt.Errorf("save snapshot commit: %w", err)
	}
	return saved, nil
}

func (d *DB) saveSnapshotTx(ctx context.Context, tx *sql.Tx, s position.Snapshot, basis position.DateBasis, reason position.ChangeReason) (position.Snapshot, error) {
	if err := s.CheckInvariants(); err != nil {
		return s, err
	}
	snap, _, hist := tables(basis)

	var priorVersion, priorNet int64
	err := tx.QueryRowContext(ctx, `
		SELECT calculation_version, net_quantity FROM `+snap+`
		 WHERE position_key = ? AND business_date = ?
	`, s.PositionKey, string(s.BusinessDate)).Scan(&priorVersion, &priorNet)

	calculatedAt := fmtTime(s.CalculatedAt)
	var previousNet any
	switch {
	case err == sql.ErrNoRows:
		s.CalculationVersion = 1
		previousNet = nil
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+snap+` (
				position_key, business_date, net_quantity, gross_long, gross_short,
				trade_count, total_notional, calculation_version, calculated_at,
				calculation_method, calculation_request_id, last_sequence_num, last_trade_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.PositionKey, string(s.BusinessDate), s.NetQuantity, s.GrossLong, s.GrossShort,
			s.TradeCount, s.TotalNotional.String(), s.CalculationVersion, calculatedAt,
			string(s.CalculationMethod), s.CalculationRequestID, s.LastSequenceNum, fmtTime(s.LastTradeTime)); err != nil {
			return s, fmt.Errorf("insert snapshot %s/%s: %w", s.PositionKey, s.BusinessDate, err)
		}

	case err != nil:
		return s, fmt.Errorf("save snapshot %s/%s: %w", s.PositionKey, s.BusinessDate, err)

	default:
		s.CalculationVersion = priorVersion + 1
		previousNet = priorNet
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+hist+` SET superseded_at = ?
			 WHERE position_key = ? AND business_date = ? AND superseded_at IS NULL
		`, calculatedAt, s.PositionKey, string(s.BusinessDate)); err != nil {
			return s, fmt.Errorf("supersede history %s/%s: %w", s.PositionKey, s.BusinessDate, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+snap+` SET
				net_quantity = ?, gross_long = ?, gross_short = ?, trade_count = ?,
				total_notional = ?, calculation_version = ?, calculated_at = ?,
				calculation_method = ?, calculation_request_id = ?,
				last_sequence_num = ?, last_trade_time = ?
			 WHERE position_key = ? AND business_date = ?
		`, s.NetQuantity, s.GrossLong, s.GrossShort, s.TradeCount,
			s.TotalNotional.String(), s.CalculationVersion, calculatedAt,
			string(s.CalculationMethod), s.CalculationRequestID,
			s.LastSequenceNum, fmtTime(s.LastTradeTime),
			s.PositionKey, string(s.BusinessDate)); err != nil {
			return s, fmt.Errorf("update snapshot %s/%s: %w", s.PositionKey, s.BusinessDate, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+hist+` (
			position_key, business_date, net_quantity, gross_long, gross_short,
			trade_count, total_notional, calculation_version, calculated_at,
			superseded_at, change_reason, previous_net_quantity,
			calculation_request_id, last_sequence_num, last_trade_time, calculation_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?)
	`, s.PositionKey, string(s.BusinessDate), s.NetQuantity, s.GrossLong, s.GrossShort,
		s.TradeCount, s.TotalNotional.String(), s.CalculationVersion, calculatedAt,
		string(reason), previousNet,
		s.CalculationRequestID, s.LastSequenceNum, fmtTime(s.LastTradeTime), string(s.CalculationMethod)); err != nil {
		return s, fmt.Errorf("append history %s/%s: %w", s.PositionKey, s.BusinessDate, err)
	}
	return s, nil
}

// SaveCalculation commits one calculation result: the snapshot (with its
// history bookkeeping) and every price row, in a single transaction. A calc
// request either lands whole or not at all.
func (d *DB) SaveCalculation(ctx context.Context, s position.Snapshot, prices []position.AveragePrice, basis position.DateBasis, reason position.ChangeReason) (position.Snapshot, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return s, fmt.Errorf("save calculation: %w", err)
	}
	defer tx.Rollback()

	saved, err := d.saveSnapshotTx(ctx, tx, s, basis, reason)
	if err != nil {
		return s, err
	}
	for _, p := range prices {
		if err := d.savePriceTx(ctx, tx, p, basis); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, fmt.Errorf("save calculation commit: %w", err)
	}
	return saved, nil
}
