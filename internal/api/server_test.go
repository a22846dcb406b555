package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"poskeeper/internal/bus"
	"poskeeper/internal/db"
	"poskeeper/internal/position"
)

const testKey = "EQUITY-DESK-1#GOLDMAN#AAPL"

func newTestServer(t *testing.T) (*Server, *db.DB, *bus.Topic) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	trades := bus.NewTopic("trades", 1)
	cache := position.NewConfigCache(d.ConfigsActive, time.Minute)
	return NewServer(d, trades, cache, 100), d, trades
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func seedSnapshot(t *testing.T, d *db.DB) {
	t.Helper()
	snap := position.Snapshot{
		PositionKey:          testKey,
		BusinessDate:         "2025-01-20",
		NetQuantity:          1100,
		GrossLong:            1500,
		GrossShort:           400,
		TradeCount:           3,
		TotalNotional:        decimal.RequireFromString("292000"),
		CalculatedAt:         time.Now().UTC(),
		CalculationMethod:    position.MethodFullRecalc,
		CalculationRequestID: "req-1",
		LastSequenceNum:      3,
		LastTradeTime:        time.Now().UTC(),
	}
	prices := []position.AveragePrice{{
		PositionKey:  testKey,
		BusinessDate: "2025-01-20",
		PriceMethod:  position.PriceWAC,
		Price:        decimal.RequireFromString("153.333333333333"),
		MethodData:   position.MethodData{TotalCostBasis: decimal.RequireFromString("168666.666666667"), LastUpdatedSequence: 3},
		CalculatedAt: time.Now().UTC(),
	}}
	if _, err := d.SaveCalculation(context.Background(), snap, prices, position.TradeDateBasis, position.ReasonInitial); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func positionPath(suffix string) string {
	return "/api/positions/" + url.PathEscape(testKey) + "/" + suffix
}

func TestServer_PostTradesPublishes(t *testing.T) {
	s, _, trades := newTestServer(t)
	h := s.Handler()

	got := make(chan []position.Trade, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	trades.Consume(gctx, g, func(_ context.Context, msg bus.Message) error {
		var batch []position.Trade
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			t.Errorf("bad published batch: %v", err)
			return nil
		}
		got <- batch
		return nil
	})

	body := `[{"sequenceNum":1,"book":"EQUITY-DESK-1","counterparty":"GOLDMAN","instrument":"AAPL",
		"signedQuantity":500,"price":"150.25","tradeTime":"2025-01-20T10:30:00Z",
		"tradeDate":"2025-01-20","settlementDate":"2025-01-22","source":"BLOOMBERG","sourceId":"BBG-1"}]`
	w := doJSON(t, h, "POST", "/api/trades", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}

	select {
	case batch := <-got:
		if len(batch) != 1 || batch[0].SequenceNum != 1 {
			t.Errorf("published batch = %+v", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
	}
}

func TestServer_PostTradesRejectsBadBatches(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	if w := doJSON(t, h, "POST", "/api/trades", "[]"); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d", w.Code)
	}
	if w := doJSON(t, h, "POST", "/api/trades", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", w.Code)
	}

	big := make([]string, 101)
	for i := range big {
		big[i] = `{"sequenceNum":1,"signedQuantity":1,"price":"1","tradeDate":"2025-01-20","settlementDate":"2025-01-20"}`
	}
	w := doJSON(t, h, "POST", "/api/trades", "["+strings.Join(big, ",")+"]")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized batch: status = %d", w.Code)
	}
}

func TestServer_GetSnapshot(t *testing.T) {
	s, d, _ := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, "GET", positionPath("snapshot?date=2025-01-20"), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("before seed: status = %d", w.Code)
	}

	seedSnapshot(t, d)
	w = doJSON(t, h, "GET", positionPath("snapshot?date=2025-01-20"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var snap position.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.NetQuantity != 1100 || snap.CalculationVersion != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Settlement basis has its own table set and no data here.
	w = doJSON(t, h, "GET", positionPath("snapshot?date=2025-01-20&basis=SETTLEMENT_DATE"), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("settlement basis: status = %d", w.Code)
	}
	w = doJSON(t, h, "GET", positionPath("snapshot?date=2025-01-20&basis=BOGUS"), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad basis: status = %d", w.Code)
	}
	w = doJSON(t, h, "GET", positionPath("snapshot"), "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing date: status = %d", w.Code)
	}
}

func TestServer_GetPriceAndHistory(t *testing.T) {
	s, d, _ := newTestServer(t)
	h := s.Handler()
	seedSnapshot(t, d)

	w := doJSON(t, h, "GET", positionPath("price?date=2025-01-20"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("price: status = %d, body = %s", w.Code, w.Body)
	}
	var price position.AveragePrice
	if err := json.Unmarshal(w.Body.Bytes(), &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if !price.Price.Equal(decimal.RequireFromString("153.333333333333")) {
		t.Errorf("price = %s", price.Price)
	}
	if price.MethodData.LastUpdatedSequence != 3 {
		t.Errorf("methodData = %+v", price.MethodData)
	}

	w = doJSON(t, h, "GET", positionPath("history?date=2025-01-20"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: status = %d", w.Code)
	}
	var hist struct {
		History []position.HistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.History) != 1 || hist.History[0].ChangeReason != position.ReasonInitial {
		t.Errorf("history = %+v", hist.History)
	}
}

func TestServer_GetSnapshotsRange(t *testing.T) {
	s, d, _ := newTestServer(t)
	h := s.Handler()
	seedSnapshot(t, d)

	w := doJSON(t, h, "GET", positionPath("snapshots?from=2025-01-01&to=2025-01-31"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Snapshots []position.Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Snapshots) != 1 {
		t.Errorf("snapshots = %+v", resp.Snapshots)
	}

	w = doJSON(t, h, "GET", positionPath("snapshots?from=2025-02-01"), "")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Snapshots) != 0 {
		t.Errorf("out-of-range snapshots = %+v", resp.Snapshots)
	}
}

func TestServer_ConfigCRUD(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	// Migration seeds the OFFICIAL config.
	w := doJSON(t, h, "GET", "/api/configs?active=true", "")
	var configs []position.Config
	if err := json.Unmarshal(w.Body.Bytes(), &configs); err != nil {
		t.Fatalf("decode configs: %v", err)
	}
	if len(configs) != 1 || configs[0].Type != position.ConfigOfficial {
		t.Fatalf("seeded configs = %+v", configs)
	}

	body := `{"type":"DESK","name":"Desk Rollup","keyFormat":"BOOK_INSTRUMENT",
		"priceMethods":["WAC"],"scope":{"type":"CRITERIA","criteria":{"BOOK":"EQUITY-DESK-1"}},"active":true}`
	w = doJSON(t, h, "POST", "/api/configs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body)
	}
	var created position.Config
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ConfigID == 0 || created.KeyFormat != position.KeyBookInstrument {
		t.Errorf("created = %+v", created)
	}

	w = doJSON(t, h, "GET", "/api/configs/2", "")
	if w.Code != http.StatusOK {
		t.Errorf("get by id: status = %d", w.Code)
	}
	w = doJSON(t, h, "GET", "/api/configs/99", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id: status = %d", w.Code)
	}

	update := strings.Replace(body, "Desk Rollup", "Desk Rollup v2", 1)
	w = doJSON(t, h, "PUT", "/api/configs/2", update)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Code, w.Body)
	}
	w = doJSON(t, h, "PUT", "/api/configs/99", update)
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing: status = %d", w.Code)
	}

	w = doJSON(t, h, "DELETE", "/api/configs/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: status = %d", w.Code)
	}
	w = doJSON(t, h, "GET", "/api/configs?active=true", "")
	json.Unmarshal(w.Body.Bytes(), &configs)
	if len(configs) != 1 {
		t.Errorf("active configs after deactivate = %+v", configs)
	}
}
