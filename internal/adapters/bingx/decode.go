package bingx

import (
	"context"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/schema"
)

type wsEnvelope struct {
	Code     int             `json:"code"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// Decode translates one frame into canonical records. Websocket pushes and
// poll-worker frames share the dataType envelope, so both funnel through
// here. Frames for streams we never requested decode to nil.
func (a *Adapter) Decode(_ context.Context, _ string, frame []byte) ([]*schema.Record, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("parse frame"),
			errs.WithCause(err))
	}
	if envelope.DataType == "" || len(envelope.Data) == 0 {
		return nil, nil
	}
	venueSym, kind, ok := strings.Cut(envelope.DataType, "@")
	if !ok {
		return nil, nil
	}
	unified, ok := a.symbols.Unified(venueSym)
	if !ok {
		return nil, nil
	}
	switch {
	case kind == "depth":
		state := a.streams.Lookup(schema.EndpointOrderBook, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeDepth(state, envelope.Data)
	case strings.HasPrefix(kind, "kline_"):
		state := a.streams.Lookup(schema.EndpointKline, unified, schema.Interval1m)
		if state == nil {
			return nil, nil
		}
		return a.decodeKline(state, envelope.Data)
	case kind == "trade":
		state := a.streams.Lookup(schema.EndpointTrades, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeTrades(state, envelope.Data)
	case kind == "ticker":
		state := a.streams.Lookup(schema.EndpointTicker, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeTicker(state, envelope.Data)
	}
	return nil, nil
}

type depthData struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

// decodeDepth treats every push as a full snapshot; the venue restreams the
// whole visible book and carries no delta sequence.
func (a *Adapter) decodeDepth(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var depth depthData
	if err := json.Unmarshal(data, &depth); err != nil {
		return nil, errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("parse depth push"),
			errs.WithCause(err))
	}
	state.Book.Reset()
	book, err := state.Book.ApplySnapshot(a.nextBookSeq(state.Key()), numberLevels(depth.Bids), numberLevels(depth.Asks), 0)
	if err != nil {
		return nil, errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("apply depth push"),
			errs.WithCause(err))
	}
	return []*schema.Record{a.streams.BookRecord(state, book)}, nil
}

func numberLevels(raw [][]json.Number) []schema.PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, level := range raw {
		if len(level) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: level[0].String(), Qty: level[1].String()})
	}
	return out
}

type klinePush struct {
	EventTime int64     `json:"E"`
	Bar       *klineBar `json:"K"`
}

type klineBar struct {
	OpenTime int64       `json:"t"`
	Open     json.Number `json:"o"`
	Close    json.Number `json:"c"`
	High     json.Number `json:"h"`
	Low      json.Number `json:"l"`
	Volume   json.Number `json:"v"`
}

func (a *Adapter) decodeKline(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var push klinePush
	if err := json.Unmarshal(data, &push); err != nil {
		return nil, errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("parse kline push"),
			errs.WithCause(err))
	}
	bar := push.Bar
	if bar == nil {
		// Some gateway versions push the bar fields at the top level.
		bar = &klineBar{}
		if err := json.Unmarshal(data, bar); err != nil || bar.OpenTime == 0 {
			return nil, nil
		}
	}
	closeTime := bar.OpenTime + schema.Interval1m.Duration().Milliseconds() - 1
	state.Klines.Upsert(schema.KlineBar{
		UpdateID:      push.EventTime,
		OpenTime:      bar.OpenTime,
		CloseTime:     closeTime,
		OpenTimeDate:  schema.FormatTimestamp(bar.OpenTime),
		CloseTimeDate: schema.FormatTimestamp(closeTime),
		Open:          bar.Open.String(),
		Close:         bar.Close.String(),
		High:          bar.High.String(),
		Low:           bar.Low.String(),
		Volume:        bar.Volume.String(),
		IsClosed:      false,
	})
	return []*schema.Record{a.streams.KlineRecord(state)}, nil
}

type tradeRow struct {
	ID         int64       `json:"id"`
	Price      json.Number `json:"price"`
	Qty        json.Number `json:"qty"`
	Time       int64       `json:"time"`
	BuyerMaker bool        `json:"buyerMaker"`
}

// decodeTrades ingests a polled trade page. Pages overlap between polls, so
// the FIFO's id dedup keeps each trade once.
func (a *Adapter) decodeTrades(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var rows []tradeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("parse trades page"),
			errs.WithCause(err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	// Pages arrive newest first; replay oldest first to keep FIFO order.
	accepted := false
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		side := "BUY"
		if row.BuyerMaker {
			side = "SELL"
		}
		pushed := state.Trades.Push(schema.Trade{
			TradeID:       strconv.FormatInt(row.ID, 10),
			Price:         row.Price.String(),
			Qty:           row.Qty.String(),
			TakerSide:     side,
			EventTime:     row.Time,
			TradeTime:     row.Time,
			TradeTimeDate: schema.FormatTimestamp(row.Time),
		})
		accepted = accepted || pushed
	}
	if !accepted {
		return nil, nil
	}
	return []*schema.Record{a.streams.TradesRecord(state)}, nil
}

type tickerRow struct {
	Symbol      string      `json:"symbol"`
	OpenPrice   json.Number `json:"openPrice"`
	HighPrice   json.Number `json:"highPrice"`
	LowPrice    json.Number `json:"lowPrice"`
	LastPrice   json.Number `json:"lastPrice"`
	Volume      json.Number `json:"volume"`
	QuoteVolume json.Number `json:"quoteVolume"`
	OpenTime    int64       `json:"openTime"`
	CloseTime   int64       `json:"closeTime"`
}

func (a *Adapter) decodeTicker(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var rows []tickerRow
	if err := json.Unmarshal(data, &rows); err != nil {
		// A single object is also accepted.
		var row tickerRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, errs.New("bingx", errs.CodeDecode,
				errs.WithMessage("parse ticker page"),
				errs.WithCause(err))
		}
		rows = []tickerRow{row}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	ticker := &schema.Ticker{
		EventTime:              row.CloseTime,
		EventTimeDate:          schema.FormatTimestamp(row.CloseTime),
		LastPrice:              row.LastPrice.String(),
		OpenPrice:              row.OpenPrice.String(),
		HighPrice:              row.HighPrice.String(),
		LowPrice:               row.LowPrice.String(),
		BaseVolume:             row.Volume.String(),
		QuoteVolume:            row.QuoteVolume.String(),
		StatisticsOpenTime:     row.OpenTime,
		StatisticsCloseTime:    row.CloseTime,
		StatisticsOpenTimeDate: schema.FormatTimestamp(row.OpenTime),
	}
	return []*schema.Record{a.streams.TickerRecord(state, ticker)}, nil
}
