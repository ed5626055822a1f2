package bybit

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

const (
	resyncAttempts = 3
	bookDepth      = 50
)

type topicEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Decode translates one topic frame into canonical records. Frames for topics
// we never requested decode to nil.
func (a *Adapter) Decode(ctx context.Context, _ string, frame []byte) ([]*schema.Record, error) {
	var envelope topicEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse ws frame"),
			errs.WithCause(err))
	}
	if envelope.Topic == "" {
		return nil, nil
	}
	state := a.lookupTopic(envelope.Topic)
	if state == nil {
		return nil, nil
	}
	switch state.Config.Endpoint {
	case schema.EndpointOrderBook:
		return a.decodeOrderbook(ctx, state, envelope)
	case schema.EndpointKline:
		return a.decodeKline(state, envelope.Data)
	case schema.EndpointTrades:
		return a.decodeTrades(state, envelope.Data)
	case schema.EndpointTicker:
		return a.decodeTicker(state, envelope)
	}
	return nil, nil
}

func (a *Adapter) lookupTopic(topic string) *adapters.StreamState {
	parts := strings.Split(topic, ".")
	switch {
	case len(parts) == 3 && parts[0] == "orderbook":
		if unified, ok := a.symbols.Unified(parts[2]); ok {
			return a.streams.Lookup(schema.EndpointOrderBook, unified, "")
		}
	case len(parts) == 3 && parts[0] == "kline":
		interval, known := canonicalIntervals[parts[1]]
		if !known {
			return nil
		}
		if unified, ok := a.symbols.Unified(parts[2]); ok {
			return a.streams.Lookup(schema.EndpointKline, unified, interval)
		}
	case len(parts) == 2 && parts[0] == "publicTrade":
		if unified, ok := a.symbols.Unified(parts[1]); ok {
			return a.streams.Lookup(schema.EndpointTrades, unified, "")
		}
	case len(parts) == 2 && parts[0] == "tickers":
		if unified, ok := a.symbols.Unified(parts[1]); ok {
			return a.streams.Lookup(schema.EndpointTicker, unified, "")
		}
	}
	return nil
}

type orderbookData struct {
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
}

func (a *Adapter) decodeOrderbook(ctx context.Context, state *adapters.StreamState, envelope topicEnvelope) ([]*schema.Record, error) {
	var data orderbookData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse orderbook payload"),
			errs.WithCause(err))
	}
	var book *schema.Book
	var err error
	// Bybit restreams a fresh snapshot after service restarts (u resets to 1),
	// so the snapshot branch also covers mid-session rebuilds.
	if strings.EqualFold(envelope.Type, "snapshot") || data.UpdateID == 1 {
		state.Book.Reset()
		book, err = state.Book.ApplySnapshot(data.UpdateID, priceLevels(data.Bids), priceLevels(data.Asks), envelope.TS)
	} else {
		var applied bool
		// Spot v5 update ids are consecutive, so every delta implicitly
		// follows u-1.
		book, applied, err = state.Book.ApplyDiff(shared.BookDiff{
			FirstID:   0,
			FinalID:   data.UpdateID,
			PrevID:    data.UpdateID - 1,
			EventTime: envelope.TS,
			Bids:      priceLevels(data.Bids),
			Asks:      priceLevels(data.Asks),
		})
		if errors.Is(err, shared.ErrSequenceGap) ||
			(err == nil && !applied && !state.Book.HasSnapshot()) {
			book, err = a.resyncBook(ctx, state)
			if err != nil {
				return nil, err
			}
		} else if err == nil && !applied {
			return nil, nil
		}
	}
	if err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("apply orderbook payload"),
			errs.WithCause(err))
	}
	if book == nil {
		return nil, nil
	}
	return []*schema.Record{a.streams.BookRecord(state, book)}, nil
}

type orderbookSnapshot struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID uint64     `json:"u"`
		TS       int64      `json:"ts"`
	} `json:"result"`
}

func (a *Adapter) resyncBook(ctx context.Context, state *adapters.StreamState) (*schema.Book, error) {
	venue, ok := a.symbols.Venue(state.Config.Symbol)
	if !ok {
		return nil, errs.New("bybit", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithVenueField("symbol", state.Config.Symbol))
	}
	observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1, map[string]string{"exchange": "bybit", "symbol": state.Config.Symbol})

	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", venue)
	params.Set("limit", strconv.Itoa(bookDepth))

	var lastErr error
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		payload, err := a.cfg.REST.Get(ctx, a.apiBase, orderbookPath, params)
		if err != nil {
			return nil, err
		}
		var snap orderbookSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, errs.New("bybit", errs.CodeDecode,
				errs.WithMessage("parse orderbook snapshot"),
				errs.WithCause(err))
		}
		if snap.RetCode != 0 {
			return nil, errs.New("bybit", errs.CodeExchange,
				errs.WithMessage("orderbook snapshot rejected"),
				errs.WithRawMessage(snap.RetMsg))
		}
		book, err := state.Book.ApplySnapshot(snap.Result.UpdateID, priceLevels(snap.Result.Bids), priceLevels(snap.Result.Asks), snap.Result.TS)
		if errors.Is(err, shared.ErrSequenceGap) {
			// The buffered delta outran this snapshot; fetch a fresher one.
			lastErr = err
			continue
		}
		return book, err
	}
	return nil, errs.New("bybit", errs.CodeExchange,
		errs.WithMessage("order book resync exhausted attempts"),
		errs.WithCanonicalCode(errs.CanonicalSequenceGap),
		errs.WithCause(lastErr))
}

func priceLevels(raw [][]string) []schema.PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0], Qty: level[1]})
	}
	return out
}

type klineData struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Confirm   bool   `json:"confirm"`
	Timestamp int64  `json:"timestamp"`
}

func (a *Adapter) decodeKline(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var bars []klineData
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse kline payload"),
			errs.WithCause(err))
	}
	if len(bars) == 0 {
		return nil, nil
	}
	for _, bar := range bars {
		state.Klines.Upsert(schema.KlineBar{
			UpdateID:      bar.Timestamp,
			OpenTime:      bar.Start,
			CloseTime:     bar.End,
			OpenTimeDate:  schema.FormatTimestamp(bar.Start),
			CloseTimeDate: schema.FormatTimestamp(bar.End),
			Open:          bar.Open,
			Close:         bar.Close,
			High:          bar.High,
			Low:           bar.Low,
			Volume:        bar.Volume,
			IsClosed:      bar.Confirm,
		})
	}
	return []*schema.Record{a.streams.KlineRecord(state)}, nil
}

type tradeData struct {
	TradeTime int64  `json:"T"`
	Side      string `json:"S"`
	Qty       string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

func (a *Adapter) decodeTrades(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse trade payload"),
			errs.WithCause(err))
	}
	if len(trades) == 0 {
		return nil, nil
	}
	for _, trade := range trades {
		state.Trades.Push(schema.Trade{
			TradeID:       trade.TradeID,
			Price:         trade.Price,
			Qty:           trade.Qty,
			TakerSide:     strings.ToUpper(trade.Side),
			EventTime:     trade.TradeTime,
			TradeTime:     trade.TradeTime,
			TradeTimeDate: schema.FormatTimestamp(trade.TradeTime),
		})
	}
	return []*schema.Record{a.streams.TradesRecord(state)}, nil
}

type tickerData struct {
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Turnover24h  string `json:"turnover24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

func (a *Adapter) decodeTicker(state *adapters.StreamState, envelope topicEnvelope) ([]*schema.Record, error) {
	var data tickerData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse ticker payload"),
			errs.WithCause(err))
	}
	ticker := &schema.Ticker{
		EventTime:          envelope.TS,
		EventTimeDate:      schema.FormatTimestamp(envelope.TS),
		PriceChangePercent: data.Price24hPcnt,
		LastPrice:          data.LastPrice,
		OpenPrice:          data.PrevPrice24h,
		HighPrice:          data.HighPrice24h,
		LowPrice:           data.LowPrice24h,
		BaseVolume:         data.Volume24h,
		QuoteVolume:        data.Turnover24h,
	}
	return []*schema.Record{a.streams.TickerRecord(state, ticker)}, nil
}
