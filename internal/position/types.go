package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable executed-trade fact, identified by its globally unique
// monotonic sequence number. Quantities are signed (sign = direction).
type Trade struct {
	SequenceNum    int64           `json:"sequenceNum"`
	Book           string          `json:"book"`
	Counterparty   string          `json:"counterparty"`
	Instrument     string          `json:"instrument"`
	SignedQuantity int64           `json:"signedQuantity"`
	Price          decimal.Decimal `json:"price"`
	TradeTime      time.Time       `json:"tradeTime"`
	TradeDate      Date            `json:"tradeDate"`
	SettlementDate Date            `json:"settlementDate"`
	Source         string          `json:"source"`
	SourceID       string          `json:"sourceId"`
}

// Validate enforces the trade constraints: non-zero quantity, positive price,
// well-formed dates. A failing trade is rejected individually, never the batch.
func (t Trade) Validate() error {
	if t.SequenceNum <= 0 {
		return fmt.Errorf("trade: sequenceNum must be positive, got %d", t.SequenceNum)
	}
	if t.SignedQuantity == 0 {
		return fmt.Errorf("trade %d: signedQuantity must be non-zero", t.SequenceNum)
	}
	// Guard the abs() taken by notional math. Unreachable with realistic
	// quantities but cheap to reject here.
	if t.SignedQuantity == -1<<63 {
		return fmt.Errorf("trade %d: signedQuantity out of range", t.SequenceNum)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("trade %d: price must be positive, got %s", t.SequenceNum, t.Price)
	}
	if _, err := ParseDate(string(t.TradeDate)); err != nil {
		return fmt.Errorf("trade %d: %w", t.SequenceNum, err)
	}
	if _, err := ParseDate(string(t.SettlementDate)); err != nil {
		return fmt.Errorf("trade %d: %w", t.SequenceNum, err)
	}
	return nil
}

// CanonicalKey returns the trade's canonical BCI key.
func (t Trade) CanonicalKey() string {
	return CanonicalKey(t.Book, t.Counterparty, t.Instrument)
}

// BusinessDate returns the trade's date under the given basis.
func (t Trade) BusinessDate(basis DateBasis) Date {
	if basis == SettlementDateBasis {
		return t.SettlementDate
	}
	return t.TradeDate
}

// Config describes one calculated position view: which dimensions key it,
// which trades feed it, and which price methods run over it.
type Config struct {
	ConfigID     int64         `json:"configId"`
	Type         ConfigType    `json:"type"`
	Name         string        `json:"name"`
	KeyFormat    KeyFormat     `json:"keyFormat"`
	PriceMethods []PriceMethod `json:"priceMethods"`
	Scope        Scope         `json:"scope"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Key is one (positionKey, configId) row with its cached last-seen dates.
// The last dates are monotone: they only ever advance.
type Key struct {
	PositionID         int64      `json:"positionId"`
	PositionKey        string     `json:"positionKey"`
	ConfigID           int64      `json:"configId"`
	ConfigType         ConfigType `json:"configType"`
	ConfigName         string     `json:"configName"`
	Dims               Dims       `json:"-"`
	LastTradeDate      Date       `json:"lastTradeDate"`
	LastSettlementDate Date       `json:"lastSettlementDate"`
	CreatedAt          time.Time  `json:"createdAt"`
	CreatedBySequence  int64      `json:"createdBySequence"`
}

// Snapshot is the current computed position for one
// (positionKey, businessDate, dateBasis) coordinate.
type Snapshot struct {
	PositionKey          string          `json:"positionKey"`
	BusinessDate         Date            `json:"businessDate"`
	NetQuantity          int64           `json:"netQuantity"`
	GrossLong            int64           `json:"grossLong"`
	GrossShort           int64           `json:"grossShort"`
	TradeCount           int64           `json:"tradeCount"`
	TotalNotional        decimal.Decimal `json:"totalNotional"`
	CalculationVersion   int64           `json:"calculationVersion"`
	CalculatedAt         time.Time       `json:"calculatedAt"`
	CalculationMethod    CalcMethod      `json:"calculationMethod"`
	CalculationRequestID string          `json:"calculationRequestId"`
	LastSequenceNum      int64           `json:"lastSequenceNum"`
	LastTradeTime        time.Time       `json:"lastTradeTime"`
}

// CheckInvariants verifies the counting-metric identities before a snapshot
// is committed. A violation is a bug in the calculation, not a user error.
func (s Snapshot) CheckInvariants() error {
	if s.GrossLong < 0 || s.GrossShort < 0 {
		return fmt.Errorf("snapshot %s/%s: negative gross metric (long=%d short=%d)",
			s.PositionKey, s.BusinessDate, s.GrossLong, s.GrossShort)
	}
	if s.NetQuantity != s.GrossLong-s.GrossShort {
		return fmt.Errorf("snapshot %s/%s: netQuantity %d != grossLong %d - grossShort %d",
			s.PositionKey, s.BusinessDate, s.NetQuantity, s.GrossLong, s.GrossShort)
	}
	if s.TradeCount < 0 || s.TotalNotional.IsNegative() {
		return fmt.Errorf("snapshot %s/%s: negative tradeCount or notional", s.PositionKey, s.BusinessDate)
	}
	return nil
}

// MethodData is the method-specific running state stored beside an average
// price. For WAC it carries the cost basis and the last folded sequence.
// Unknown JSON fields are ignored on read for forward compatibility.
type MethodData struct {
	TotalCostBasis      decimal.Decimal `json:"totalCostBasis"`
	LastUpdatedSequence int64           `json:"lastUpdatedSequence"`
}

// AveragePrice is one per (positionKey, businessDate, priceMethod, dateBasis).
type AveragePrice struct {
	PositionKey        string          `json:"positionKey"`
	BusinessDate       Date            `json:"businessDate"`
	PriceMethod        PriceMethod     `json:"priceMethod"`
	Price              decimal.Decimal `json:"price"`
	MethodData         MethodData      `json:"methodData"`
	CalculationVersion int64           `json:"calculationVersion"`
	CalculatedAt       time.Time       `json:"calculatedAt"`
}

// TradeMetrics is the additive aggregate of a set of trades.
type TradeMetrics struct {
	NetQuantity     int64           `json:"netQuantity"`
	GrossLong       int64           `json:"grossLong"`
	GrossShort      int64           `json:"grossShort"`
	TradeCount      int64           `json:"tradeCount"`
	TotalNotional   decimal.Decimal `json:"totalNotional"`
	LastSequenceNum int64           `json:"lastSequenceNum"`
	LastTradeTime   time.Time       `json:"lastTradeTime"`
}

// Apply folds one trade into the metrics. Trades must be applied in ascending
// sequence order.
func (m *TradeMetrics) Apply(t Trade) {
	qty := t.SignedQuantity
	m.NetQuantity += qty
	if qty > 0 {
		m.GrossLong += qty
	} else {
		m.GrossShort += -qty
	}
	m.TradeCount++
	m.TotalNotional = m.TotalNotional.Add(t.Price.Mul(decimal.NewFromInt(qty).Abs()))
	m.LastSequenceNum = t.SequenceNum
	if t.TradeTime.After(m.LastTradeTime) {
		m.LastTradeTime = t.TradeTime
	}
}

// HistoryEntry is one append-only audit row for a snapshot coordinate.
// Exactly zero or one entry per coordinate has SupersededAt == nil, and it is
// the one with the highest calculation version.
type HistoryEntry struct {
	HistoryID            int64        `json:"historyId"`
	PositionKey          string       `json:"positionKey"`
	BusinessDate         Date         `json:"businessDate"`
	NetQuantity          int64        `json:"netQuantity"`
	GrossLong            int64        `json:"grossLong"`
	GrossShort           int64        `json:"grossShort"`
	TradeCount           int64        `json:"tradeCount"`
	TotalNotional        decimal.Decimal `json:"totalNotional"`
	CalculationVersion   int64        `json:"calculationVersion"`
	CalculatedAt         time.Time    `json:"calculatedAt"`
	SupersededAt         *time.Time   `json:"supersededAt,omitempty"`
	ChangeReason         ChangeReason `json:"changeReason"`
	PreviousNetQuantity  *int64       `json:"previousNetQuantity,omitempty"`
	CalculationRequestID string       `json:"calculationRequestId"`
	LastSequenceNum      int64        `json:"lastSequenceNum"`
	LastTradeTime        time.Time    `json:"lastTradeTime"`
	CalculationMethod    CalcMethod   `json:"calculationMethod"`
}

// CalcRequest instructs the engine to (re)compute one snapshot coordinate.
// TriggeringTradeSequence is observability only; processing never gates on it.
type CalcRequest struct {
	RequestID               string        `json:"requestId"`
	PositionID              int64         `json:"positionId"`
	PositionKey             string        `json:"positionKey"`
	DateBasis               DateBasis     `json:"dateBasis"`
	BusinessDate            Date          `json:"businessDate"`
	PriceMethods            []PriceMethod `json:"priceMethods"`
	TriggeringTradeSequence int64         `json:"triggeringTradeSequence"`
	ChangeReason            ChangeReason  `json:"changeReason"`
	KeyFormat               KeyFormat     `json:"keyFormat"`
}

// Validate rejects calc requests with unknown enum values or missing fields.
func (r CalcRequest) Validate() error {
	if r.PositionKey == "" {
		return fmt.Errorf("calc request %s: empty positionKey", r.RequestID)
	}
	if _, err := ParseDateBasis(string(r.DateBasis)); err != nil {
		return fmt.Errorf("calc request %s: %w", r.RequestID, err)
	}
	if _, err := ParseDate(string(r.BusinessDate)); err != nil {
		return fmt.Errorf("calc request %s: %w", r.RequestID, err)
	}
	if _, err := ParseChangeReason(string(r.ChangeReason)); err != nil {
		return fmt.Errorf("calc request %s: %w", r.RequestID, err)
	}
	if _, err := ParseKeyFormat(string(r.KeyFormat)); err != nil {
		return fmt.Errorf("calc request %s: %w", r.RequestID, err)
	}
	for _, m := range r.PriceMethods {
		if _, err := ParsePriceMethod(string(m)); err != nil {
			return fmt.Errorf("calc request %s: %w", r.RequestID, err)
		}
	}
	return nil
}
