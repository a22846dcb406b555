package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"poskeeper/internal/position"
)

// FindSnapshotHistory returns the audit trail for one snapshot coordinate in
// ascending calculation-version order.
func (d *DB) FindSnapshotHistory(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis) ([]position.HistoryEntry, error) {
	_, _, hist := tables(basis)
	rows, err := d.sql.QueryContext(ctx, `
		SELECT history_id, position_key, business_date, net_quantity, gross_long, gross_short,
		       trade_count, total_notional, calculation_version, calculated_at, superseded_at,
		       change_reason, previous_net_quantity, calculation_request_id,
		       last_sequence_num, last_trade_time, calculation_method
		  FROM `+hist+`
		 WHERE position_key = ? AND business_date = ?
		 ORDER BY calculation_version ASC
	`, positionKey, string(businessDate))
	if err != nil {
		return nil, fmt.Errorf("find history %s/%s: %w", positionKey, businessDate, err)
	}
	defer rows.Close()

	var out []position.HistoryEntry
	for rows.Next() {
		var e position.HistoryEntry
		var businessDate, notional, calculatedAt, reason, method, lastTradeTime string
		var supersededAt sql.NullString
		var previousNet sql.NullInt64
		if err := rows.Scan(&e.HistoryID, &e.PositionKey, &businessDate, &e.NetQuantity,
			&e.GrossLong, &e.GrossShort, &e.TradeCount, &notional,
			&e.CalculationVersion, &calculatedAt, &supersededAt,
			&reason, &previousNet, &e.CalculationRequestID,
			&e.LastSequenceNum, &lastTradeTime, &method); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.BusinessDate = position.Date(businessDate)
		if e.TotalNotional, err = decimal.NewFromString(notional); err != nil {
			return nil, fmt.Errorf("history %d: bad notional %q: %w", e.HistoryID, notional, err)
		}
		e.CalculatedAt = parseTime(calculatedAt)
		if supersededAt.Valid {
			t := parseTime(supersededAt.String)
			e.SupersededAt = &t
		}
		e.ChangeReason = position.ChangeReason(reason)
		if previousNet.Valid {
			v := previousNet.Int64
			e.PreviousNetQuantity = &v
		}
		e.LastTradeTime = parseTime(lastTradeTime)
		e.CalculationMethod = position.CalcMethod(method)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find history %s/%s: %w", positionKey, businessDate, err)
	}
	return out, nil
}
