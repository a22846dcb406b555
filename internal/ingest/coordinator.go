// Package ingest turns the trade stream into stored trades and the minimum
// set of calc requests.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"poskeeper/internal/bus"
	"poskeeper/internal/db"
	"poskeeper/internal/logger"
	"poskeeper/internal/position"
)

// Coordinator consumes trade batches, persists them idempotently, maintains
// position-key rows, and publishes deduplicated calc requests.
type Coordinator struct {
	db       *db.DB
	configs  *position.ConfigCache
	calc     *bus.Topic
	batchMax int
}

// New creates a Coordinator publishing to the given calc-request topic.
func New(database *db.DB, configs *position.ConfigCache, calc *bus.Topic, batchMax int) *Coordinator {
	if batchMax <= 0 {
		batchMax = 5000
	}
	return &Coordinator{db: database, configs: configs, calc: calc, batchMax: batchMax}
}

// HandleBatch is the trade-topic handler. An unparsable batch is logged with
// its payload and dropped; the sequence-number space is the source of truth
// and a retry could never repair bad bytes.
func (c *Coordinator) HandleBatch(ctx context.Context, msg bus.Message) error {
	var trades []position.Trade
	if err := json.Unmarshal(msg.Value, &trades); err != nil {
		logger.Warn("Ingest", fmt.Sprintf("dropping unparsable trade batch (%v): %.256s", err, msg.Value))
		return nil
	}
	return c.ProcessBatch(ctx, trades)
}

// intentKey dedups recalculation work: many trades in one batch for the same
// coordinate collapse into a single calc request.
type intentKey struct {
	positionKey  string
	basis        position.DateBasis
	businessDate position.Date
}

type intent struct {
	positionID   int64
	sequenceNum  int64
	changeReason position.ChangeReason
	config       position.Config
}

// ProcessBatch runs the ingestion algorithm over one batch:
//
//  1. store the batch in a single transaction, silently dropping duplicate
//     sequence numbers, and keep only the trades actually inserted;
//  2. evaluate every inserted trade against every active config scope;
//  3. upsert the (positionKey, configId) row and read back the last-seen
//     dates as they stood before this trade;
//  4. build the cascade list per date basis (a late trade, earlier than the
//     prior last date, fans out over every day up to that date) and merge
//     it into the dedup map;
//  5. publish one calc request per surviving intent, oldest business date
//     first, partitioned by position id.
//
// A store failure before step 5 returns an error so the batch redelivers;
// step 5 failures are logged and absorbed, because the trades are already
// committed and the next trade for the same coordinate repairs the snapshot.
func (c *Coordinator) ProcessBatch(ctx context.Context, trades []position.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	if len(trades) > c.batchMax {
		logger.Warn("Ingest", fmt.Sprintf("batch of %d exceeds limit %d, processing anyway", len(trades), c.batchMax))
	}

	valid := trades[:0:0]
	for _, t := range trades {
		if err := t.Validate(); err != nil {
			logger.Warn("Ingest", fmt.Sprintf("rejecting trade: %v", err))
			continue
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		return nil
	}

	inserted, err := c.db.BatchInsertTrades(ctx, valid)
	if err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	if dups := len(valid) - len(inserted); dups > 0 {
		logger.Debug("Ingest", fmt.Sprintf("%d duplicate trades dropped", dups))
	}
	if len(inserted) == 0 {
		return nil
	}

	configs, err := c.configs.Active()
	if err != nil {
		return fmt.Errorf("ingest batch: load configs: %w", err)
	}

	intents := make(map[intentKey]*intent)
	for _, trade := range inserted {
		for _, cfg := range configs {
			if !cfg.Scope.Matches(trade) {
				continue
			}
			if err := c.collectIntents(ctx, intents, trade, cfg); err != nil {
				return err
			}
		}
	}

	// Publish in ascending business-date order. A cascade's later days read
	// the corrected snapshots of its earlier days, so the requests must reach
	// the partition oldest first; map iteration order would scramble them.
	ordered := make([]intentKey, 0, len(intents))
	for key := range intents {
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.basis != b.basis {
			return a.basis < b.basis
		}
		if a.businessDate != b.businessDate {
			return a.businessDate < b.businessDate
		}
		return a.positionKey < b.positionKey
	})

	published := 0
	for _, key := range ordered {
		if err := c.publish(ctx, key, intents[key]); err != nil {
			// Trades are committed; the snapshot lags until the next trade
			// for this coordinate re-triggers it.
			logger.Error("Ingest", fmt.Sprintf("publish calc request %s/%s/%s: %v",
				key.positionKey, key.basis, key.businessDate, err))
			continue
		}
		published++
	}
	logger.Info("Ingest", fmt.Sprintf("batch: %d stored, %d calc requests", len(inserted), published))
	return nil
}

func (c *Coordinator) collectIntents(ctx context.Context, intents map[intentKey]*intent, trade position.Trade, cfg position.Config) error {
	positionKey := cfg.KeyFormat.Generate(trade.Book, trade.Counterparty, trade.Instrument)
	res, err := c.db.UpsertPositionKey(ctx, position.Key{
		PositionKey: positionKey,
		ConfigID:    cfg.ConfigID,
		ConfigType:  cfg.Type,
		ConfigName:  cfg.Name,
		Dims:        cfg.KeyFormat.Project(trade.Book, trade.Counterparty, trade.Instrument),
	}, trade.TradeDate, trade.SettlementDate, trade.SequenceNum)
	if err != nil {
		return fmt.Errorf("ingest trade %d: %w", trade.SequenceNum, err)
	}

	for _, basis := range position.AllBases {
		tDate := trade.BusinessDate(basis)
		lastDate := res.PriorLastTradeDate
		if basis == position.SettlementDateBasis {
			lastDate = res.PriorLastSettlementDate
		}
		for _, pair := range cascade(tDate, lastDate) {
			key := intentKey{positionKey: positionKey, basis: basis, businessDate: pair.date}
			if existing, ok := intents[key]; ok {
				if trade.SequenceNum > existing.sequenceNum {
					existing.sequenceNum = trade.SequenceNum
				}
				if pair.reason == position.ReasonLateTrade {
					existing.changeReason = position.ReasonLateTrade
				}
				continue
			}
			intents[key] = &intent{
				positionID:   res.PositionID,
				sequenceNum:  trade.SequenceNum,
				changeReason: pair.reason,
				config:       cfg,
			}
		}
	}
	return nil
}

type datedReason struct {
	date   position.Date
	reason position.ChangeReason
}

// cascade lists the business dates a trade invalidates. A trade strictly
// earlier than the position's prior last date fans out as LATE_TRADE over
// every calendar day through that date; anything else is a single INITIAL.
// A fresh position (nil lastDate) never cascades.
func cascade(tDate position.Date, lastDate *position.Date) []datedReason {
	if lastDate == nil || tDate >= *lastDate {
		return []datedReason{{date: tDate, reason: position.ReasonInitial}}
	}
	days := tDate.DaysUntil(*lastDate)
	out := make([]datedReason, 0, days+1)
	for d := tDate; d <= *lastDate; d = d.AddDays(1) {
		out = append(out, datedReason{date: d, reason: position.ReasonLateTrade})
	}
	return out
}

func (c *Coordinator) publish(ctx context.Context, key intentKey, in *intent) error {
	req := position.CalcRequest{
		RequestID:               uuid.NewString(),
		PositionID:              in.positionID,
		PositionKey:             key.positionKey,
		DateBasis:               key.basis,
		BusinessDate:            key.businessDate,
		PriceMethods:            in.config.PriceMethods,
		TriggeringTradeSequence: in.sequenceNum,
		ChangeReason:            in.changeReason,
		KeyFormat:               in.config.KeyFormat,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.calc.Publish(ctx, bus.Message{
		Key:   strconv.FormatInt(in.positionID, 10),
		Value: payload,
	})
}
