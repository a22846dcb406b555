package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"poskeeper/internal/position"
)

// FindPrice returns the average price row for one coordinate, or nil.
func (d *DB) FindPrice(ctx context.Context, positionKey string, businessDate position.Date, method position.PriceMethod, basis position.DateBasis) (*position.AveragePrice, error) {
	_, priceTable, _ := tables(basis)
	row := d.sql.QueryRowContext(ctx, `
		SELECT position_key, business_date, price_method, price, method_data,
		       calculation_version, calculated_at
		  FROM `+priceTable+`
		 WHERE position_key = ? AND business_date = ? AND price_method = ?
	`, positionKey, string(businessDate), string(method))
	p, err := scanPrice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find price %s/%s/%s: %w", positionKey, businessDate, method, err)
	}
	return p, nil
}

// FindPricesForSnapshot returns every price row for a snapshot coordinate.
func (d *DB) FindPricesForSnapshot(ctx context.Context, positionKey string, businessDate position.Date, basis position.DateBasis) ([]position.AveragePrice, error) {
	_, priceTable, _ := tables(basis)
	rows, err := d.sql.QueryContext(ctx, `
		SELECT position_key, business_date, price_method, price, method_data,
		       calculation_version, calculated_at
		  FROM `+priceTable+`
		 WHERE position_key = ? AND business_date = ?
		 ORDER BY price_method ASC
	`, positionKey, string(businessDate))
	if err != nil {
		return nil, fmt.Errorf("find prices %s/%s: %w", positionKey, businessDate, err)
	}
	defer rows.Close()

	var out []position.AveragePrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("find prices %s/%s: %w", positionKey, businessDate, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find prices %s/%s: %w", positionKey, businessDate, err)
	}
	return out, nil
}

func scanPrice(sc rowScanner) (*position.AveragePrice, error) {
	var p position.AveragePrice
	var businessDate, method, price, methodData, calculatedAt string
	err := sc.Scan(&p.PositionKey, &businessDate, &method, &price, &methodData,
		&p.CalculationVersion, &calculatedAt)
	if err != nil {
		return nil, err
	}
	p.BusinessDate = position.Date(businessDate)
	p.PriceMethod = position.PriceMethod(method)
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("bad price %q: %w", price, err)
	}
	// Unknown methodData fields are ignored for forward compatibility.
	if err := json.Unmarshal([]byte(methodData), &p.MethodData); err != nil {
		return nil, fmt.Errorf("bad method data %q: %w", methodData, err)
	}
	p.CalculatedAt = parseTime(calculatedAt)
	return &p, nil
}

// SavePrice upserts one average-price row by coordinate. There is no separate
// price history; the price is a derived per-snapshot artifact.
func (d *DB) SavePrice(ctx context.Context, p position.AveragePrice, basis position.DateBasis) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save price: %w", err)
	}
	defer tx.Rollback()
	if err := d.savePriceTx(ctx, tx, p, basis); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save price commit: %w", err)
	}
	return nil
}

func (d *DB) savePriceTx(ctx context.Context, tx *sql.Tx, p position.AveragePrice, basis position.DateBasis) error {
	_, priceTable, _ := tables(basis)
	methodData, err := json.Marshal(p.MethodData)
	if err != nil {
		return fmt.Errorf("marshal method data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO `+priceTable+` (
			position_key, business_date, price_method, price, method_data,
			calculation_version, calculated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(position_key, business_date, price_method)
		DO UPDATE SET
			price = excluded.price,
			method_data = excluded.method_data,
			calculation_version = `+priceTable+`.calculation_version + 1,
			calculated_at = excluded.calculated_at
	`, p.PositionKey, string(p.BusinessDate), string(p.PriceMethod),
		p.Price.StringFixed(12), string(methodData), fmtTime(p.CalculatedAt)); err != nil {
		return fmt.Errorf("save price %s/%s/%s: %w", p.PositionKey, p.BusinessDate, p.PriceMethod, err)
	}
	return nil
}
