// Package engine computes position snapshots and average prices from calc
// requests. Each request names one (positionKey, businessDate, dateBasis)
// coordinate; the engine picks the cheapest strategy that is still correct,
// computes the new state, and commits it atomically.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"poskeeper/internal/bus"
	"poskeeper/internal/db"
	"poskeeper/internal/logger"
	"poskeeper/internal/position"
	"poskeeper/internal/wac"
)

// Engine consumes the calc-request topic. Requests for the same position land
// on the same partition, so within a position the engine always sees them in
// publish order.
type Engine struct {
	db       *db.DB
	deadline time.Duration
	now      func() time.Time
}

// New creates an Engine. deadline bounds one request; an overrun is returned
// as an error so the log redelivers it.
func New(database *db.DB, deadline time.Duration) *Engine {
	return &Engine{db: database, deadline: deadline, now: time.Now}
}

// HandleRequest is the calc-request topic handler. Unparsable or invalid
// requests are logged and dropped; redelivery could never fix them. Store
// errors propagate so the message retries.
func (e *Engine) HandleRequest(ctx context.Context, msg bus.Message) error {
	var req position.CalcRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.Warn("Calc", fmt.Sprintf("dropping unparsable request (%v): %.256s", err, msg.Value))
		return nil
	}
	if err := req.Validate(); err != nil {
		logger.Warn("Calc", fmt.Sprintf("dropping invalid request: %v", err))
		return nil
	}
	if e.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deadline)
		defer cancel()
	}
	if err := e.Process(ctx, req); err != nil {
		return fmt.Errorf("request %s (%s/%s/%s): %w",
			req.RequestID, req.PositionKey, req.DateBasis, req.BusinessDate, err)
	}
	return nil
}

// Process runs one calc request to completion. Strategy selection:
//
//   - an INITIAL request with an existing same-day snapshot extends it with
//     only the trades newer than its last sequence (same-day incremental);
//     LATE_TRADE never takes this path, because a cascade must rebuild from
//     the already-corrected prior day rather than extend stale state;
//   - otherwise, if the previous calendar day has a snapshot, today is derived
//     from it plus today's trades (cross-day incremental);
//   - otherwise everything for the date is folded from zero (full recalc).
func (e *Engine) Process(ctx context.Context, req position.CalcRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := e.db.FindSnapshot(ctx, req.PositionKey, req.BusinessDate, req.DateBasis)
	if err != nil {
		return err
	}
	previousDate := req.BusinessDate.Prev()
	previous, err := e.db.FindSnapshot(ctx, req.PositionKey, previousDate, req.DateBasis)
	if err != nil {
		return err
	}

	switch {
	case req.ChangeReason == position.ReasonInitial && current != nil:
		return e.sameDayIncremental(ctx, req, current)
	case previous != nil:
		return e.crossDayIncremental(ctx, req, current, previous, previousDate)
	default:
		return e.fullRecalc(ctx, req)
	}
}

// tradesForDate fetches the full ordered trade list for a date. Stored trades
// carry the canonical three-part key; coarser key formats query by their
// dimension projection instead.
func (e *Engine) tradesForDate(ctx context.Context, req position.CalcRequest, date position.Date) ([]position.Trade, error) {
	if req.KeyFormat == position.KeyBookCounterpartyInstrument {
		return e.db.FindTradesByPositionKeyAndDate(ctx, req.PositionKey, date, req.DateBasis)
	}
	dims, err := req.KeyFormat.ParseKey(req.PositionKey)
	if err != nil {
		return nil, err
	}
	return e.db.FindTradesByDimensions(ctx, dims, date, req.DateBasis)
}

func (e *Engine) tradesAfter(ctx context.Context, req position.CalcRequest, afterSeq int64) ([]position.Trade, error) {
	if req.KeyFormat == position.KeyBookCounterpartyInstrument {
		return e.db.FindTradesAfterSequence(ctx, req.PositionKey, req.BusinessDate, req.DateBasis, afterSeq)
	}
	dims, err := req.KeyFormat.ParseKey(req.PositionKey)
	if err != nil {
		return nil, err
	}
	return e.db.FindTradesByDimensionsAfterSequence(ctx, dims, req.BusinessDate, req.DateBasis, afterSeq)
}

func (e *Engine) sameDayIncremental(ctx context.Context, req position.CalcRequest, current *position.Snapshot) error {
	newTrades, err := e.tradesAfter(ctx, req, current.LastSequenceNum)
	if err != nil {
		return err
	}
	if len(newTrades) == 0 {
		logger.Debug("Calc", fmt.Sprintf("%s/%s/%s: no trades past seq %d, no-op",
			req.PositionKey, req.DateBasis, req.BusinessDate, current.LastSequenceNum))
		return nil
	}

	metrics := metricsOf(current)
	for _, t := range newTrades {
		metrics.Apply(t)
	}

	var prices []position.AveragePrice
	if wantsWAC(req.PriceMethods) {
		state := wac.New()
		prior, err := e.db.FindPrice(ctx, req.PositionKey, req.BusinessDate, position.PriceWAC, req.DateBasis)
		if err != nil {
			return err
		}
		if prior != nil {
			state = wac.State{
				AvgPrice:       prior.Price,
				TotalCostBasis: prior.MethodData.TotalCostBasis,
				NetQuantity:    current.NetQuantity,
				LastSequence:   prior.MethodData.LastUpdatedSequence,
			}
		}
		prices = append(prices, e.foldWAC(req, state, newTrades))
	}

	return e.save(ctx, req, metrics, position.MethodIncremental, prices)
}

func (e *Engine) crossDayIncremental(ctx context.Context, req position.CalcRequest, current, previous *position.Snapshot, previousDate position.Date) error {
	today, err := e.tradesForDate(ctx, req, req.BusinessDate)
	if err != nil {
		return err
	}
	if len(today) == 0 {
		// Carry-forward materializes an empty day only on the INITIAL path
		// (or to refresh a day that already has a snapshot). A cascade
		// sweeping over an empty day it never materialized leaves it absent,
		// so the days past the gap rebuild from their own trades.
		if req.ChangeReason != position.ReasonInitial && current == nil {
			logger.Debug("Calc", fmt.Sprintf("%s/%s/%s: empty day untouched by %s cascade, no-op",
				req.PositionKey, req.DateBasis, req.BusinessDate, req.ChangeReason))
			return nil
		}
		return e.carryForward(ctx, req, previous, previousDate)
	}

	metrics := metricsOf(previous)
	// lastSequenceNum and lastTradeTime come from today alone; reset the
	// trackers so Apply repopulates them.
	metrics.LastSequenceNum = 0
	metrics.LastTradeTime = time.Time{}
	for _, t := range today {
		metrics.Apply(t)
	}

	var prices []position.AveragePrice
	if wantsWAC(req.PriceMethods) {
		state := wac.New()
		prevWAC, err := e.db.FindPrice(ctx, req.PositionKey, previousDate, position.PriceWAC, req.DateBasis)
		if err != nil {
			return err
		}
		if prevWAC != nil {
			state = wac.State{
				AvgPrice:       prevWAC.Price,
				TotalCostBasis: prevWAC.MethodData.TotalCostBasis,
				NetQuantity:    previous.NetQuantity,
				LastSequence:   prevWAC.MethodData.LastUpdatedSequence,
			}
		} else {
			// Prior day has a snapshot but no price row. Fold today from a
			// flat state rather than rebuilding from inception.
			logger.Warn("Calc", fmt.Sprintf("%s/%s/%s: prior-day WAC missing, folding today from flat",
				req.PositionKey, req.DateBasis, req.BusinessDate))
		}
		prices = append(prices, e.foldWAC(req, state, today))
	}

	return e.save(ctx, req, metrics, position.MethodIncremental, prices)
}

// carryForward reproduces the previous day's snapshot and prices under the new
// business date when the day has no trades of its own.
func (e *Engine) carryForward(ctx context.Context, req position.CalcRequest, previous *position.Snapshot, previousDate position.Date) error {
	metrics := metricsOf(previous)

	var prices []position.AveragePrice
	prev, err := e.db.FindPricesForSnapshot(ctx, req.PositionKey, previousDate, req.DateBasis)
	if err != nil {
		return err
	}
	calculatedAt := e.now().UTC()
	for _, p := range prev {
		p.BusinessDate = req.BusinessDate
		p.CalculatedAt = calculatedAt
		prices = append(prices, p)
	}

	return e.save(ctx, req, metrics, position.MethodIncremental, prices)
}

func (e *Engine) fullRecalc(ctx context.Context, req position.CalcRequest) error {
	trades, err := e.tradesForDate(ctx, req, req.BusinessDate)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		// A request for a date with no matching trades is a no-op, not an
		// error; cascades routinely cover empty days before any snapshot
		// exists for them.
		logger.Debug("Calc", fmt.Sprintf("%s/%s/%s: no trades, no-op",
			req.PositionKey, req.DateBasis, req.BusinessDate))
		return nil
	}

	var metrics position.TradeMetrics
	for _, t := range trades {
		metrics.Apply(t)
	}

	var prices []position.AveragePrice
	if wantsWAC(req.PriceMethods) {
		prices = append(prices, e.foldWAC(req, wac.New(), trades))
	}

	return e.save(ctx, req, &metrics, position.MethodFullRecalc, prices)
}

func (e *Engine) foldWAC(req position.CalcRequest, state wac.State, trades []position.Trade) position.AveragePrice {
	for _, t := range trades {
		state = state.ApplyTrade(t.SequenceNum, t.SignedQuantity, t.Price)
	}
	return position.AveragePrice{
		PositionKey:  req.PositionKey,
		BusinessDate: req.BusinessDate,
		PriceMethod:  position.PriceWAC,
		Price:        state.AvgPrice,
		MethodData: position.MethodData{
			TotalCostBasis:      state.TotalCostBasis,
			LastUpdatedSequence: state.LastSequence,
		},
		CalculatedAt: e.now().UTC(),
	}
}

func (e *Engine) save(ctx context.Context, req position.CalcRequest, m *position.TradeMetrics, method position.CalcMethod, prices []position.AveragePrice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := position.Snapshot{
		PositionKey:          req.PositionKey,
		BusinessDate:         req.BusinessDate,
		NetQuantity:          m.NetQuantity,
		GrossLong:            m.GrossLong,
		GrossShort:           m.GrossShort,
		TradeCount:           m.TradeCount,
		TotalNotional:        m.TotalNotional,
		CalculatedAt:         e.now().UTC(),
		CalculationMethod:    method,
		CalculationRequestID: req.RequestID,
		LastSequenceNum:      m.LastSequenceNum,
		LastTradeTime:        m.LastTradeTime,
	}
	saved, err := e.db.SaveCalculation(ctx, snapshot, prices, req.DateBasis, req.ChangeReason)
	if err != nil {
		return err
	}
	logger.Info("Calc", fmt.Sprintf("%s/%s/%s: v%d net=%d (%s, %s)",
		saved.PositionKey, req.DateBasis, saved.BusinessDate,
		saved.CalculationVersion, saved.NetQuantity, method, req.ChangeReason))
	return nil
}

func wantsWAC(methods []position.PriceMethod) bool {
	for _, m := range methods {
		if m == position.PriceWAC {
			return true
		}
	}
	return false
}

// metricsOf lifts a snapshot's counting metrics back into the additive form
// the strategies fold trades into.
func metricsOf(s *position.Snapshot) *position.TradeMetrics {
	return &position.TradeMetrics{
		NetQuantity:     s.NetQuantity,
		GrossLong:       s.GrossLong,
		GrossShort:      s.GrossShort,
		TradeCount:      s.TradeCount,
		TotalNotional:   s.TotalNotional,
		LastSequenceNum: s.LastSequenceNum,
		LastTradeTime:   s.LastTradeTime,
	}
}
