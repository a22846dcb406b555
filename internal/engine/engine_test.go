package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poskeeper/internal/bus"
	"poskeeper/internal/db"
	"poskeeper/internal/position"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedTrade(t *testing.T, d *db.DB, seq, qty int64, price string, tradeDate position.Date) position.Trade {
	t.Helper()
	tr := position.Trade{
		SequenceNum:    seq,
		Book:           "EQUITY-DESK-1",
		Counterparty:   "GOLDMAN",
		Instrument:     "AAPL",
		SignedQuantity: qty,
		Price:          decimal.RequireFromString(price),
		TradeTime:      time.Date(2025, 1, 20, 10, 0, 0, int(seq), time.UTC),
		TradeDate:      tradeDate,
		SettlementDate: tradeDate.AddDays(2),
		Source:         "BLOOMBERG",
		SourceID:       "BBG-1",
	}
	if _, err := d.BatchInsertTrades(context.Background(), []position.Trade{tr}); err != nil {
		t.Fatalf("seed trade %d: %v", seq, err)
	}
	return tr
}

const testKey = "EQUITY-DESK-1#GOLDMAN#AAPL"

func calcRequest(date position.Date, reason position.ChangeReason) position.CalcRequest {
	return position.CalcRequest{
		RequestID:    "req-" + string(date) + "-" + string(reason),
		PositionID:   1,
		PositionKey:  testKey,
		DateBasis:    position.TradeDateBasis,
		BusinessDate: date,
		PriceMethods: []position.PriceMethod{position.PriceWAC},
		ChangeReason: reason,
		KeyFormat:    position.KeyBookCounterpartyInstrument,
	}
}

func runCalc(t *testing.T, e *Engine, req position.CalcRequest) {
	t.Helper()
	if err := e.Process(context.Background(), req); err != nil {
		t.Fatalf("Process %s/%s: %v", req.BusinessDate, req.ChangeReason, err)
	}
}

func wantWAC(t *testing.T, d *db.DB, date position.Date, want string) {
	t.Helper()
	p, err := d.FindPrice(context.Background(), testKey, date, position.PriceWAC, position.TradeDateBasis)
	if err != nil {
		t.Fatalf("FindPrice %s: %v", date, err)
	}
	if p == nil {
		t.Fatalf("no WAC price for %s", date)
	}
	if !p.Price.Equal(decimal.RequireFromString(want)) {
		t.Errorf("WAC %s = %s, want %s", date, p.Price, want)
	}
}

func TestEngine_FullRecalcIntraDay(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	seedTrade(t, d, 2, 500, "160", "2025-01-20")
	seedTrade(t, d, 3, -400, "155", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))

	s, err := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if err != nil || s == nil {
		t.Fatalf("FindSnapshot: %v, %v", s, err)
	}
	if s.NetQuantity != 1100 || s.GrossLong != 1500 || s.GrossShort != 400 || s.TradeCount != 3 {
		t.Errorf("metrics = net %d long %d short %d count %d", s.NetQuantity, s.GrossLong, s.GrossShort, s.TradeCount)
	}
	if s.CalculationMethod != position.MethodFullRecalc {
		t.Errorf("method = %s", s.CalculationMethod)
	}
	if s.CalculationVersion != 1 || s.LastSequenceNum != 3 {
		t.Errorf("version = %d, lastSeq = %d", s.CalculationVersion, s.LastSequenceNum)
	}
	wantWAC(t, d, "2025-01-20", "153.333333333333")
}

func TestEngine_SameDayIncrementalMatchesFullRecalc(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	// Position A: recalculated after each trade lands.
	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	seedTrade(t, d, 2, 500, "160", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	seedTrade(t, d, 3, -400, "155", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))

	s, err := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if err != nil || s == nil {
		t.Fatalf("FindSnapshot: %v, %v", s, err)
	}
	if s.CalculationVersion != 3 {
		t.Errorf("version = %d, want 3 (one per request)", s.CalculationVersion)
	}
	if s.CalculationMethod != position.MethodIncremental {
		t.Errorf("method = %s", s.CalculationMethod)
	}
	// Identical to the single full recalc over the same trades.
	if s.NetQuantity != 1100 || s.GrossLong != 1500 || s.GrossShort != 400 || s.TradeCount != 3 {
		t.Errorf("metrics = net %d long %d short %d count %d", s.NetQuantity, s.GrossLong, s.GrossShort, s.TradeCount)
	}
	wantWAC(t, d, "2025-01-20", "153.333333333333")
}

func TestEngine_SameDayNoNewTradesIsNoOp(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))

	s, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if s.CalculationVersion != 1 {
		t.Errorf("version = %d, want 1 (second request saw nothing new)", s.CalculationVersion)
	}
}

func TestEngine_MultiDayBuild(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	seedTrade(t, d, 2, 500, "160", "2025-01-21")
	runCalc(t, e, calcRequest("2025-01-21", position.ReasonInitial))
	seedTrade(t, d, 3, -300, "155", "2025-01-22")
	runCalc(t, e, calcRequest("2025-01-22", position.ReasonInitial))

	day1, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if day1.NetQuantity != 1000 || day1.CalculationMethod != position.MethodFullRecalc {
		t.Errorf("day 1 = net %d method %s", day1.NetQuantity, day1.CalculationMethod)
	}
	wantWAC(t, d, "2025-01-20", "150")

	day2, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-21", position.TradeDateBasis)
	if day2.NetQuantity != 1500 || day2.CalculationMethod != position.MethodIncremental {
		t.Errorf("day 2 = net %d method %s", day2.NetQuantity, day2.CalculationMethod)
	}
	wantWAC(t, d, "2025-01-21", "153.333333333333")

	// Selling toward zero leaves the average untouched.
	day3, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-22", position.TradeDateBasis)
	if day3.NetQuantity != 1200 || day3.CalculationMethod != position.MethodIncremental {
		t.Errorf("day 3 = net %d method %s", day3.NetQuantity, day3.CalculationMethod)
	}
	wantWAC(t, d, "2025-01-22", "153.333333333333")
	if day3.TradeCount != 3 || day3.GrossShort != 300 {
		t.Errorf("day 3 counts = %d trades, short %d", day3.TradeCount, day3.GrossShort)
	}
}

func TestEngine_ZeroCrossAcrossDays(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 500, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	seedTrade(t, d, 2, -800, "160", "2025-01-21")
	runCalc(t, e, calcRequest("2025-01-21", position.ReasonInitial))

	s, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-21", position.TradeDateBasis)
	if s.NetQuantity != -300 {
		t.Errorf("net = %d, want -300", s.NetQuantity)
	}
	wantWAC(t, d, "2025-01-21", "160.000000000000")
}

func TestEngine_CarryForwardEmptyDay(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	runCalc(t, e, calcRequest("2025-01-21", position.ReasonInitial))

	s, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-21", position.TradeDateBasis)
	if s == nil {
		t.Fatal("carry-forward wrote no snapshot")
	}
	if s.NetQuantity != 1000 || s.TradeCount != 1 || s.CalculationMethod != position.MethodIncremental {
		t.Errorf("carry-forward = net %d count %d method %s", s.NetQuantity, s.TradeCount, s.CalculationMethod)
	}
	if s.LastSequenceNum != 1 {
		t.Errorf("lastSeq = %d, want 1 (copied verbatim)", s.LastSequenceNum)
	}
	wantWAC(t, d, "2025-01-21", "150")
}

func TestEngine_EmptyDateNoPriorIsNoOp(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))
	s, err := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if err != nil {
		t.Fatalf("FindSnapshot: %v", err)
	}
	if s != nil {
		t.Errorf("snapshot written for empty date: %+v", s)
	}
}

func TestEngine_LateTradeRebuildsInsteadOfExtending(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 2, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))

	// A late fill with a lower sequence lands on the same day. Same-day
	// incremental would miss it (seq 1 < lastSeq 2); LATE_TRADE forces the
	// rebuild path.
	seedTrade(t, d, 1, 200, "140", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonLateTrade))

	s, _ := d.FindSnapshot(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if s.NetQuantity != 1200 || s.TradeCount != 2 {
		t.Errorf("rebuilt = net %d count %d", s.NetQuantity, s.TradeCount)
	}
	if s.CalculationMethod != position.MethodFullRecalc {
		t.Errorf("method = %s, want FULL_RECALC", s.CalculationMethod)
	}
	if s.CalculationVersion != 2 {
		t.Errorf("version = %d, want 2", s.CalculationVersion)
	}

	hist, err := d.FindSnapshotHistory(context.Background(), testKey, "2025-01-20", position.TradeDateBasis)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[1].ChangeReason != position.ReasonLateTrade {
		t.Fatalf("history = %+v", hist)
	}
	if hist[1].PreviousNetQuantity == nil || *hist[1].PreviousNetQuantity != 1000 {
		t.Errorf("previousNetQuantity = %v", hist[1].PreviousNetQuantity)
	}
}

func TestEngine_HandleRequestDropsBadPayloads(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	if err := e.HandleRequest(context.Background(), bus.Message{Value: []byte("{bad")}); err != nil {
		t.Errorf("unparsable payload returned %v, want nil (drop)", err)
	}
	bad := calcRequest("2025-01-20", "NOT_A_REASON")
	payload := `{"requestId":"x","positionKey":"` + bad.PositionKey + `","dateBasis":"TRADE_DATE","businessDate":"2025-01-20","changeReason":"NOT_A_REASON","keyFormat":"BOOK_COUNTERPARTY_INSTRUMENT"}`
	if err := e.HandleRequest(context.Background(), bus.Message{Value: []byte(payload)}); err != nil {
		t.Errorf("invalid request returned %v, want nil (drop)", err)
	}
}

func TestEngine_DimensionalKeyFormat(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	// Two counterparties roll up into one BOOK_INSTRUMENT position.
	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	other := seedTrade(t, d, 2, 500, "160", "2025-01-20")
	other.SequenceNum = 3
	other.Counterparty = "MORGAN"
	if _, err := d.BatchInsertTrades(context.Background(), []position.Trade{other}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := calcRequest("2025-01-20", position.ReasonInitial)
	req.PositionKey = "EQUITY-DESK-1#AAPL"
	req.KeyFormat = position.KeyBookInstrument
	runCalc(t, e, req)

	s, err := d.FindSnapshot(context.Background(), "EQUITY-DESK-1#AAPL", "2025-01-20", position.TradeDateBasis)
	if err != nil || s == nil {
		t.Fatalf("FindSnapshot: %v, %v", s, err)
	}
	if s.NetQuantity != 2000 || s.TradeCount != 3 {
		t.Errorf("rollup = net %d count %d", s.NetQuantity, s.TradeCount)
	}
}

func TestEngine_CascadeLeavesUnmaterializedDayAbsent(t *testing.T) {
	d := openTestDB(t)
	e := New(d, time.Minute)

	seedTrade(t, d, 1, 1000, "150", "2025-01-20")
	runCalc(t, e, calcRequest("2025-01-20", position.ReasonInitial))

	// The 21st has no trades and was never calculated. A cascade sweeping
	// over it must not carry the 20th forward; only an INITIAL request
	// materializes an empty day.
	runCalc(t, e, calcRequest("2025-01-21", position.ReasonLateTrade))

	s, err := d.FindSnapshot(context.Background(), testKey, "2025-01-21", position.TradeDateBasis)
	if err != nil {
		t.Fatalf("FindSnapshot: %v", err)
	}
	if s != nil {
		t.Errorf("cascade materialized an empty day: %+v", s)
	}
}
