package adapters

import (
	"time"

	"github.com/tidewave/marketws/internal/adapters/shared"
	"github.com/tidewave/marketws/internal/schema"
)

// StreamState couples one subscribed stream with its accumulation machinery.
// Exactly one of Book, Klines, Trades is non-nil, matching the endpoint;
// ticker streams carry no accumulator because only the last value survives.
type StreamState struct {
	Config schema.StreamConfig
	Book   *shared.BookKeeper
	Klines *shared.KlineSeries
	Trades *shared.TradeFIFO
}

// Key returns the stream's store key.
func (s *StreamState) Key() string {
	return s.Config.Key()
}

// StreamSet owns the per-stream state for one adapter instance and builds
// canonical records from it. All mutation happens on the single decode
// goroutine; the contained keepers carry their own locks for safety.
type StreamSet struct {
	exchange     string
	resultMaxLen int
	ordered      []*StreamState
	byKey        map[string]*StreamState
}

// NewStreamSet builds the state for every requested stream. dataMaxLen bounds
// kline and trade retention, resultMaxLen bounds what records expose, and
// tradeDedup enables trade-id suppression for venues that replay trades.
func NewStreamSet(exchange string, streams []schema.StreamConfig, dataMaxLen, resultMaxLen int, tradeDedup bool) *StreamSet {
	set := &StreamSet{
		exchange:     exchange,
		resultMaxLen: resultMaxLen,
		ordered:      make([]*StreamState, 0, len(streams)),
		byKey:        make(map[string]*StreamState, len(streams)),
	}
	for _, cfg := range streams {
		state := &StreamState{Config: cfg, Book: nil, Klines: nil, Trades: nil}
		switch cfg.Endpoint {
		case schema.EndpointOrderBook:
			state.Book = shared.NewBookKeeper(resultMaxLen)
		case schema.EndpointKline:
			state.Klines = shared.NewKlineSeries(dataMaxLen)
		case schema.EndpointTrades:
			state.Trades = shared.NewTradeFIFO(dataMaxLen, tradeDedup)
		}
		set.ordered = append(set.ordered, state)
		set.byKey[state.Key()] = state
	}
	return set
}

// Keys lists every stream key in subscription order, for store pre-declaration.
func (s *StreamSet) Keys() []string {
	keys := make([]string, 0, len(s.ordered))
	for _, state := range s.ordered {
		keys = append(keys, state.Key())
	}
	return keys
}

// All returns the stream states in subscription order.
func (s *StreamSet) All() []*StreamState {
	return s.ordered
}

// ByEndpoint returns the states subscribed to one endpoint.
func (s *StreamSet) ByEndpoint(endpoint schema.Endpoint) []*StreamState {
	var out []*StreamState
	for _, state := range s.ordered {
		if state.Config.Endpoint == endpoint {
			out = append(out, state)
		}
	}
	return out
}

// Lookup resolves a stream by endpoint, unified symbol, and interval. Returns
// nil when the stream was never subscribed, which decoders treat as an
// ignorable frame.
func (s *StreamSet) Lookup(endpoint schema.Endpoint, symbol string, interval schema.Interval) *StreamState {
	return s.byKey[schema.StreamKey(endpoint, symbol, interval)]
}

// ResetBooks drops order-book reconstruction state, used when a transport
// reconnects and the delta sequence restarts.
func (s *StreamSet) ResetBooks() {
	for _, state := range s.ordered {
		if state.Book != nil {
			state.Book.Reset()
		}
	}
}

// BookRecord wraps a reconstructed book into a store record.
func (s *StreamSet) BookRecord(state *StreamState, book *schema.Book) *schema.Record {
	record := s.envelope(state)
	record.Book = book
	return record
}

// KlineRecord snapshots the stream's kline series into a store record,
// ascending and truncated to the result bound.
func (s *StreamSet) KlineRecord(state *StreamState) *schema.Record {
	record := s.envelope(state)
	record.Klines = state.Klines.Ascending(s.resultMaxLen)
	return record
}

// TradesRecord snapshots the stream's trade window into a store record.
func (s *StreamSet) TradesRecord(state *StreamState) *schema.Record {
	record := s.envelope(state)
	record.Trades = state.Trades.Recent(s.resultMaxLen)
	return record
}

// TickerRecord wraps the latest ticker into a store record.
func (s *StreamSet) TickerRecord(state *StreamState, ticker *schema.Ticker) *schema.Record {
	record := s.envelope(state)
	record.Ticker = ticker
	return record
}

func (s *StreamSet) envelope(state *StreamState) *schema.Record {
	return &schema.Record{
		Endpoint: state.Config.Endpoint,
		Exchange: s.exchange,
		Symbol:   state.Config.Symbol,
		Interval: state.Config.Interval,
		Received: time.Now().UTC(),
	}
}
