package binance

import (
	"context"
	"errors"
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

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Decode translates one combined-stream frame into canonical records.
// Subscription acks and frames for streams we never requested decode to nil.
func (a *Adapter) Decode(ctx context.Context, _ string, frame []byte) ([]*schema.Record, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse ws frame"),
			errs.WithCause(err))
	}
	if envelope.Stream == "" {
		// SUBSCRIBE/UNSUBSCRIBE acknowledgements carry no stream name.
		return nil, nil
	}

	state := a.lookupStream(envelope.Stream)
	if state == nil {
		return nil, nil
	}

	switch state.Config.Endpoint {
	case schema.EndpointOrderBook:
		return a.decodeDepth(ctx, state, envelope.Data)
	case schema.EndpointKline:
		return a.decodeKline(state, envelope.Data)
	case schema.EndpointTrades:
		return a.decodeTrade(state, envelope.Data)
	case schema.EndpointTicker:
		return a.decodeTicker(state, envelope.Data)
	}
	return nil, nil
}

func (a *Adapter) lookupStream(stream string) *adapters.StreamState {
	symPart, suffix, ok := strings.Cut(stream, "@")
	if !ok {
		return nil
	}
	unified, ok := a.symbols.Unified(symPart)
	if !ok {
		return nil
	}
	switch {
	case strings.HasPrefix(suffix, "depth"):
		return a.streams.Lookup(schema.EndpointOrderBook, unified, "")
	case strings.HasPrefix(suffix, "kline_"):
		return a.streams.Lookup(schema.EndpointKline, unified, canonicalInterval(strings.TrimPrefix(suffix, "kline_")))
	case suffix == "trade":
		return a.streams.Lookup(schema.EndpointTrades, unified, "")
	case suffix == "ticker":
		return a.streams.Lookup(schema.EndpointTicker, unified, "")
	}
	return nil
}

type depthEvent struct {
	EventTime int64      `json:"E"`
	FirstID   uint64     `json:"U"`
	FinalID   uint64     `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (a *Adapter) decodeDepth(ctx context.Context, state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var event depthEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse depth update"),
			errs.WithCause(err))
	}
	diff := shared.BookDiff{
		FirstID:   event.FirstID,
		FinalID:   event.FinalID,
		PrevID:    0,
		EventTime: event.EventTime,
		Bids:      priceLevels(event.Bids),
		Asks:      priceLevels(event.Asks),
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

type depthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) resyncBook(ctx context.Context, state *adapters.StreamState) (*schema.Book, error) {
	venue, ok := a.symbols.Venue(state.Config.Symbol)
	if !ok {
		return nil, errs.New(a.v.name, errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithVenueField("symbol", state.Config.Symbol))
	}
	observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1, map[string]string{"exchange": a.v.name, "symbol": state.Config.Symbol})

	var lastErr error
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		payload, err := a.cfg.REST.Get(ctx, a.v.apiBase, depthPath, a.depthQuery(venue))
		if err != nil {
			return nil, err
		}
		var snap depthSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, errs.New(a.v.name, errs.CodeDecode,
				errs.WithMessage("parse depth snapshot"),
				errs.WithCause(err))
		}
		book, err := state.Book.ApplySnapshot(snap.LastUpdateID, priceLevels(snap.Bids), priceLevels(snap.Asks), 0)
		if errors.Is(err, shared.ErrSequenceGap) {
			// The buffered delta outran this snapshot; fetch a fresher one.
			lastErr = err
			continue
		}
		return book, err
	}
	return nil, errs.New(a.v.name, errs.CodeExchange,
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

type klineEvent struct {
	EventTime int64 `json:"E"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func (a *Adapter) decodeKline(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var event klineEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse kline event"),
			errs.WithCause(err))
	}
	k := event.Kline
	state.Klines.Upsert(schema.KlineBar{
		UpdateID:      event.EventTime,
		OpenTime:      k.OpenTime,
		CloseTime:     k.CloseTime,
		OpenTimeDate:  schema.FormatTimestamp(k.OpenTime),
		CloseTimeDate: schema.FormatTimestamp(k.CloseTime),
		Open:          k.Open,
		Close:         k.Close,
		High:          k.High,
		Low:           k.Low,
		Volume:        k.Volume,
		IsClosed:      k.IsClosed,
	})
	return []*schema.Record{a.streams.KlineRecord(state)}, nil
}

type tradeEvent struct {
	EventTime    int64  `json:"E"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (a *Adapter) decodeTrade(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var event tradeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse trade event"),
			errs.WithCause(err))
	}
	side := "BUY"
	if event.IsBuyerMaker {
		side = "SELL"
	}
	state.Trades.Push(schema.Trade{
		TradeID:       strconv.FormatInt(event.TradeID, 10),
		Price:         event.Price,
		Qty:           event.Qty,
		TakerSide:     side,
		EventTime:     event.EventTime,
		TradeTime:     event.TradeTime,
		TradeTimeDate: schema.FormatTimestamp(event.TradeTime),
	})
	return []*schema.Record{a.streams.TradesRecord(state)}, nil
}

type tickerEvent struct {
	EventTime          int64  `json:"E"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	LastPrice          string `json:"c"`
	LastQty            string `json:"Q"`
	BestBidPrice       string `json:"b"`
	BestBidQty         string `json:"B"`
	BestAskPrice       string `json:"a"`
	BestAskQty         string `json:"A"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	BaseVolume         string `json:"v"`
	QuoteVolume        string `json:"q"`
	StatsOpenTime      int64  `json:"O"`
	StatsCloseTime     int64  `json:"C"`
	TradeCount         int64  `json:"n"`
}

func (a *Adapter) decodeTicker(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var event tickerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse ticker event"),
			errs.WithCause(err))
	}
	ticker := &schema.Ticker{
		EventTime:              event.EventTime,
		EventTimeDate:          schema.FormatTimestamp(event.EventTime),
		PriceChange:            event.PriceChange,
		PriceChangePercent:     event.PriceChangePercent,
		WeightedAvgPrice:       event.WeightedAvgPrice,
		LastPrice:              event.LastPrice,
		LastQty:                event.LastQty,
		BestBidPrice:           event.BestBidPrice,
		BestBidQty:             event.BestBidQty,
		BestAskPrice:           event.BestAskPrice,
		BestAskQty:             event.BestAskQty,
		OpenPrice:              event.OpenPrice,
		HighPrice:              event.HighPrice,
		LowPrice:               event.LowPrice,
		BaseVolume:             event.BaseVolume,
		QuoteVolume:            event.QuoteVolume,
		StatisticsOpenTime:     event.StatsOpenTime,
		StatisticsCloseTime:    event.StatsCloseTime,
		TotalNumberOfTrades:    event.TradeCount,
		StatisticsOpenTimeDate: schema.FormatTimestamp(event.StatsOpenTime),
	}
	return []*schema.Record{a.streams.TickerRecord(state, ticker)}, nil
}
