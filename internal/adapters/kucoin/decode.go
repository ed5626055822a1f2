package kucoin

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/adapters/shared"
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/schema"
)

const resyncAttempts = 3

type wsMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// Decode translates one topic message into canonical records. Messages for
// topics we never requested decode to nil.
func (a *Adapter) Decode(ctx context.Context, _ string, frame []byte) ([]*schema.Record, error) {
	var msg wsMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse ws frame"),
			errs.WithCause(err))
	}
	if msg.Type != "message" || msg.Topic == "" {
		return nil, nil
	}
	channel, target, ok := strings.Cut(msg.Topic, ":")
	if !ok {
		return nil, nil
	}
	switch channel {
	case "/market/level2":
		unified, ok := a.symbols.Unified(target)
		if !ok {
			return nil, nil
		}
		state := a.streams.Lookup(schema.EndpointOrderBook, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeLevel2(ctx, state, msg.Data)
	case "/market/candles":
		venueSym, wire, ok := strings.Cut(target, "_")
		if !ok {
			return nil, nil
		}
		interval, known := canonicalIntervals[wire]
		if !known {
			return nil, nil
		}
		unified, ok := a.symbols.Unified(venueSym)
		if !ok {
			return nil, nil
		}
		state := a.streams.Lookup(schema.EndpointKline, unified, interval)
		if state == nil {
			return nil, nil
		}
		return a.decodeCandles(state, msg.Data)
	case "/market/match":
		unified, ok := a.symbols.Unified(target)
		if !ok {
			return nil, nil
		}
		state := a.streams.Lookup(schema.EndpointTrades, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeMatch(state, msg.Data)
	case "/market/ticker":
		unified, ok := a.symbols.Unified(target)
		if !ok {
			return nil, nil
		}
		state := a.streams.Lookup(schema.EndpointTicker, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeTicker(state, msg.Data)
	}
	return nil, nil
}

type level2Update struct {
	SequenceStart uint64 `json:"sequenceStart"`
	SequenceEnd   uint64 `json:"sequenceEnd"`
	Changes       struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

func (a *Adapter) decodeLevel2(ctx context.Context, state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var update level2Update
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse level2 update"),
			errs.WithCause(err))
	}
	diff := shared.BookDiff{
		FirstID:   update.SequenceStart,
		FinalID:   update.SequenceEnd,
		PrevID:    0,
		EventTime: update.Time,
		Bids:      changeLevels(update.Changes.Bids),
		Asks:      changeLevels(update.Changes.Asks),
	}
	book, applied, err := state.Book.ApplyDiff(diff)
	needsSnapshot := errors.Is(err, shared.ErrSequenceGap) ||
		(err == nil && !applied && !state.Book.HasSnapshot())
	if needsSnapshot {
		book, err = a.resyncBook(ctx, state)
	}
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, nil
	}
	return []*schema.Record{a.streams.BookRecord(state, book)}, nil
}

// changeLevels converts level2 change triplets. A zero price marks a market
// order placeholder and carries no book level.
func changeLevels(raw [][]string) []schema.PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, change := range raw {
		if len(change) < 2 || change[0] == "" || change[0] == "0" {
			continue
		}
		out = append(out, schema.PriceLevel{Price: change[0], Qty: change[1]})
	}
	return out
}

type level2Snapshot struct {
	Code string `json:"code"`
	Data struct {
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
		Time     int64      `json:"time"`
	} `json:"data"`
}

func (a *Adapter) resyncBook(ctx context.Context, state *adapters.StreamState) (*schema.Book, error) {
	venue, ok := a.symbols.Venue(state.Config.Symbol)
	if !ok {
		return nil, errs.New("kucoin", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithVenueField("symbol", state.Config.Symbol))
	}
	observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1, map[string]string{"exchange": "kucoin", "symbol": state.Config.Symbol})

	var lastErr error
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		params := url.Values{}
		params.Set("symbol", venue)
		payload, err := a.cfg.REST.Get(ctx, a.apiBase, level2Path, params)
		if err != nil {
			return nil, err
		}
		var snap level2Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, errs.New("kucoin", errs.CodeDecode,
				errs.WithMessage("parse level2 snapshot"),
				errs.WithCause(err))
		}
		if snap.Code != "200000" {
			return nil, errs.New("kucoin", errs.CodeExchange,
				errs.WithMessage("level2 snapshot rejected"),
				errs.WithRawCode(snap.Code))
		}
		sequence, err := strconv.ParseUint(snap.Data.Sequence, 10, 64)
		if err != nil {
			return nil, errs.New("kucoin", errs.CodeDecode,
				errs.WithMessage("parse level2 sequence"),
				errs.WithCause(err))
		}
		book, err := state.Book.ApplySnapshot(sequence, changeLevels(snap.Data.Bids), changeLevels(snap.Data.Asks), snap.Data.Time)
		if errors.Is(err, shared.ErrSequenceGap) {
			lastErr = err
			continue
		}
		return book, err
	}
	return nil, errs.New("kucoin", errs.CodeExchange,
		errs.WithMessage("order book resync exhausted attempts"),
		errs.WithCanonicalCode(errs.CanonicalSequenceGap),
		errs.WithCause(lastErr))
}

type candlesUpdate struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"`
	Time    int64    `json:"time"`
}

// decodeCandles handles trade.candles.update payloads. Candle rows arrive as
// [time(sec), open, close, high, low, volume, turnover].
func (a *Adapter) decodeCandles(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var update candlesUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse candles update"),
			errs.WithCause(err))
	}
	if len(update.Candles) < 6 {
		return nil, nil
	}
	openSec, err := strconv.ParseInt(update.Candles[0], 10, 64)
	if err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse candle open time"),
			errs.WithCause(err))
	}
	openTime := openSec * 1000
	closeTime := openTime + state.Config.Interval.Duration().Milliseconds() - 1
	state.Klines.Upsert(schema.KlineBar{
		UpdateID:      update.Time,
		OpenTime:      openTime,
		CloseTime:     closeTime,
		OpenTimeDate:  schema.FormatTimestamp(openTime),
		CloseTimeDate: schema.FormatTimestamp(closeTime),
		Open:          update.Candles[1],
		Close:         update.Candles[2],
		High:          update.Candles[3],
		Low:           update.Candles[4],
		Volume:        update.Candles[5],
		IsClosed:      false,
	})
	return []*schema.Record{a.streams.KlineRecord(state)}, nil
}

type matchData struct {
	Sequence string `json:"sequence"`
	TradeID  string `json:"tradeId"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Side     string `json:"side"`
	Time     string `json:"time"`
}

func (a *Adapter) decodeMatch(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var match matchData
	if err := json.Unmarshal(data, &match); err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse match"),
			errs.WithCause(err))
	}
	tradeID := match.TradeID
	if tradeID == "" {
		tradeID = match.Sequence
	}
	// Match times are nanoseconds.
	ns, _ := strconv.ParseInt(match.Time, 10, 64)
	ms := ns / 1_000_000
	state.Trades.Push(schema.Trade{
		TradeID:       tradeID,
		Price:         match.Price,
		Qty:           match.Size,
		TakerSide:     strings.ToUpper(match.Side),
		EventTime:     ms,
		TradeTime:     ms,
		TradeTimeDate: schema.FormatTimestamp(ms),
	})
	return []*schema.Record{a.streams.TradesRecord(state)}, nil
}

type tickerData struct {
	Price       string `json:"price"`
	Size        string `json:"size"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	Time        int64  `json:"time"`
}

func (a *Adapter) decodeTicker(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var tk tickerData
	if err := json.Unmarshal(data, &tk); err != nil {
		return nil, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse ticker"),
			errs.WithCause(err))
	}
	ticker := &schema.Ticker{
		EventTime:     tk.Time,
		EventTimeDate: schema.FormatTimestamp(tk.Time),
		LastPrice:     tk.Price,
		LastQty:       tk.Size,
		BestBidPrice:  tk.BestBid,
		BestBidQty:    tk.BestBidSize,
		BestAskPrice:  tk.BestAsk,
		BestAskQty:    tk.BestAskSize,
	}
	return []*schema.Record{a.streams.TickerRecord(state, ticker)}, nil
}
