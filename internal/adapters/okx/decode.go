package okx

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

type wsEnvelope struct {
	Arg    channelArg      `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Decode translates one channel frame into canonical records. Frames for
// channels we never requested decode to nil.
func (a *Adapter) Decode(ctx context.Context, _ string, frame []byte) ([]*schema.Record, error) {
	var envelope wsEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse ws frame"),
			errs.WithCause(err))
	}
	if envelope.Arg.Channel == "" || len(envelope.Data) == 0 {
		return nil, nil
	}
	unified, ok := a.symbols.Unified(envelope.Arg.InstID)
	if !ok {
		return nil, nil
	}
	switch {
	case envelope.Arg.Channel == "books":
		state := a.streams.Lookup(schema.EndpointOrderBook, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeBooks(ctx, state, envelope)
	case strings.HasPrefix(envelope.Arg.Channel, "candle"):
		interval, known := canonicalIntervals[strings.TrimPrefix(envelope.Arg.Channel, "candle")]
		if !known {
			return nil, nil
		}
		state := a.streams.Lookup(schema.EndpointKline, unified, interval)
		if state == nil {
			return nil, nil
		}
		return a.decodeCandles(state, envelope.Data)
	case envelope.Arg.Channel == "trades":
		state := a.streams.Lookup(schema.EndpointTrades, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeTrades(state, envelope.Data)
	case envelope.Arg.Channel == "tickers":
		state := a.streams.Lookup(schema.EndpointTicker, unified, "")
		if state == nil {
			return nil, nil
		}
		return a.decodeTicker(state, envelope.Data)
	}
	return nil, nil
}

type booksData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

func (a *Adapter) decodeBooks(ctx context.Context, state *adapters.StreamState, envelope wsEnvelope) ([]*schema.Record, error) {
	var pages []booksData
	if err := json.Unmarshal(envelope.Data, &pages); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse books payload"),
			errs.WithCause(err))
	}
	if len(pages) == 0 {
		return nil, nil
	}
	page := pages[0]
	eventTime := parseMillis(page.TS)

	if strings.EqualFold(envelope.Action, "snapshot") {
		state.Book.Reset()
		book, err := state.Book.ApplySnapshot(seq(page.SeqID), priceLevels(page.Bids), priceLevels(page.Asks), eventTime)
		if err != nil {
			return nil, errs.New("okx", errs.CodeDecode,
				errs.WithMessage("apply books snapshot"),
				errs.WithCause(err))
		}
		return []*schema.Record{a.streams.BookRecord(state, book)}, nil
	}

	diff := shared.BookDiff{
		FirstID:   0,
		FinalID:   seq(page.SeqID),
		PrevID:    seq(page.PrevSeqID),
		EventTime: eventTime,
		Bids:      priceLevels(page.Bids),
		Asks:      priceLevels(page.Asks),
	}
	book, _, err := state.Book.ApplyDiff(diff)
	if errors.Is(err, shared.ErrSequenceGap) {
		book, err = a.resyncBook(ctx, state, diff)
	}
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, nil
	}
	return []*schema.Record{a.streams.BookRecord(state, book)}, nil
}

// resyncBook refetches the full book over REST after a prevSeqId mismatch.
// The REST payload carries no sequence id, so the gap delta's prevSeqId
// anchors the snapshot and the buffered delta replays on top.
func (a *Adapter) resyncBook(ctx context.Context, state *adapters.StreamState, gap shared.BookDiff) (*schema.Book, error) {
	venue, ok := a.symbols.Venue(state.Config.Symbol)
	if !ok {
		return nil, errs.New("okx", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithVenueField("symbol", state.Config.Symbol))
	}
	observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1, map[string]string{"exchange": "okx", "symbol": state.Config.Symbol})

	params := url.Values{}
	params.Set("instId", venue)
	params.Set("sz", "400")
	payload, err := a.cfg.REST.Get(ctx, apiBase, booksPath, params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Code string      `json:"code"`
		Data []booksData `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse books snapshot"),
			errs.WithCause(err))
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return nil, errs.New("okx", errs.CodeExchange,
			errs.WithMessage("books snapshot rejected"),
			errs.WithRawCode(resp.Code))
	}
	anchor := gap.PrevID
	if anchor == 0 {
		anchor = gap.FinalID
	}
	snap := resp.Data[0]
	book, err := state.Book.ApplySnapshot(anchor, priceLevels(snap.Bids), priceLevels(snap.Asks), parseMillis(snap.TS))
	if err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("apply books resync snapshot"),
			errs.WithCanonicalCode(errs.CanonicalSequenceGap),
			errs.WithCause(err))
	}
	return book, nil
}

// seq clamps OKX sequence ids; prevSeqId is -1 on the first snapshot push.
func seq(id int64) uint64 {
	if id <= 0 {
		return 0
	}
	return uint64(id)
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

func parseMillis(raw string) int64 {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func (a *Adapter) decodeCandles(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse candle payload"),
			errs.WithCause(err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	span := state.Config.Interval.Duration().Milliseconds()
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime := parseMillis(row[0])
		closeTime := openTime + span - 1
		confirmed := len(row) > 8 && row[8] == "1"
		state.Klines.Upsert(schema.KlineBar{
			UpdateID:      0,
			OpenTime:      openTime,
			CloseTime:     closeTime,
			OpenTimeDate:  schema.FormatTimestamp(openTime),
			CloseTimeDate: schema.FormatTimestamp(closeTime),
			Open:          row[1],
			High:          row[2],
			Low:           row[3],
			Close:         row[4],
			Volume:        row[5],
			IsClosed:      confirmed,
		})
	}
	return []*schema.Record{a.streams.KlineRecord(state)}, nil
}

type tradeData struct {
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

func (a *Adapter) decodeTrades(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse trade payload"),
			errs.WithCause(err))
	}
	if len(trades) == 0 {
		return nil, nil
	}
	for _, trade := range trades {
		ts := parseMillis(trade.TS)
		state.Trades.Push(schema.Trade{
			TradeID:       trade.TradeID,
			Price:         trade.Px,
			Qty:           trade.Sz,
			TakerSide:     strings.ToUpper(trade.Side),
			EventTime:     ts,
			TradeTime:     ts,
			TradeTimeDate: schema.FormatTimestamp(ts),
		})
	}
	return []*schema.Record{a.streams.TradesRecord(state)}, nil
}

type tickerData struct {
	Last      string `json:"last"`
	LastSz    string `json:"lastSz"`
	AskPx     string `json:"askPx"`
	AskSz     string `json:"askSz"`
	BidPx     string `json:"bidPx"`
	BidSz     string `json:"bidSz"`
	Open24h   string `json:"open24h"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

func (a *Adapter) decodeTicker(state *adapters.StreamState, data json.RawMessage) ([]*schema.Record, error) {
	var tickers []tickerData
	if err := json.Unmarshal(data, &tickers); err != nil {
		return nil, errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse ticker payload"),
			errs.WithCause(err))
	}
	if len(tickers) == 0 {
		return nil, nil
	}
	tk := tickers[0]
	eventTime := parseMillis(tk.TS)
	ticker := &schema.Ticker{
		EventTime:     eventTime,
		EventTimeDate: schema.FormatTimestamp(eventTime),
		LastPrice:     tk.Last,
		LastQty:       tk.LastSz,
		BestBidPrice:  tk.BidPx,
		BestBidQty:    tk.BidSz,
		BestAskPrice:  tk.AskPx,
		BestAskQty:    tk.AskSz,
		OpenPrice:     tk.Open24h,
		HighPrice:     tk.High24h,
		LowPrice:      tk.Low24h,
		BaseVolume:    tk.Vol24h,
		QuoteVolume:   tk.VolCcy24h,
	}
	return []*schema.Record{a.streams.TickerRecord(state, ticker)}, nil
}
