package adapters

import (
	"testing"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/schema"
)

func TestValidateStreamsRejectsVenueLimitAndDuplicates(t *testing.T) {
	limits := Limits{MaxStreams: 2, DataCeiling: 0}
	streams := []schema.StreamConfig{
		{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"},
		{Endpoint: schema.EndpointTicker, Symbol: "btc/usdt"},
	}
	if _, err := ValidateStreams("venue", streams, limits, nil); !errs.IsConfig(err) {
		t.Fatalf("duplicate streams should fail config validation, got %v", err)
	}

	three := []schema.StreamConfig{
		{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"},
		{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"},
		{Endpoint: schema.EndpointTicker, Symbol: "SOL/USDT"},
	}
	if _, err := ValidateStreams("venue", three, limits, nil); !errs.IsConfig(err) {
		t.Fatalf("stream ceiling should fail config validation, got %v", err)
	}
}

func TestValidateStreamsEnforcesIntervalSubset(t *testing.T) {
	intervals := map[schema.Interval]struct{}{schema.Interval1m: {}}
	streams := []schema.StreamConfig{
		{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1h},
	}
	if _, err := ValidateStreams("venue", streams, Limits{}, intervals); !errs.IsConfig(err) {
		t.Fatalf("unsupported interval should fail, got %v", err)
	}
	streams[0].Interval = schema.Interval1m
	out, err := ValidateStreams("venue", streams, Limits{}, intervals)
	if err != nil {
		t.Fatalf("supported interval rejected: %v", err)
	}
	if out[0].Symbol != "BTC/USDT" {
		t.Fatalf("symbol not normalised: %q", out[0].Symbol)
	}
}

func TestClampBoundsAppliesCeilingAndOrdering(t *testing.T) {
	data, result := ClampBounds(5000, 9000, Limits{DataCeiling: 400})
	if data != 400 || result != 400 {
		t.Fatalf("clamp = %d/%d, want 400/400", data, result)
	}
	data, result = ClampBounds(0, 0, Limits{})
	if data != 1 || result != 1 {
		t.Fatalf("floor = %d/%d, want 1/1", data, result)
	}
	data, result = ClampBounds(500, 20, Limits{})
	if data != 500 || result != 20 {
		t.Fatalf("passthrough = %d/%d, want 500/20", data, result)
	}
}

func TestNewRejectsUnknownExchange(t *testing.T) {
	if _, err := New("no-such-venue", Config{}); !errs.IsConfig(err) {
		t.Fatalf("unknown exchange should fail config validation, got %v", err)
	}
}

func TestStreamSetLookupAndRecords(t *testing.T) {
	streams := []schema.StreamConfig{
		{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"},
		{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1m},
		{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"},
		{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"},
	}
	set := NewStreamSet("venue", streams, 100, 2, false)

	keys := set.Keys()
	if len(keys) != 4 || keys[0] != "stream_order_book_btcusdt_none" {
		t.Fatalf("keys = %v", keys)
	}

	if set.Lookup(schema.EndpointKline, "BTC/USDT", schema.Interval1m) == nil {
		t.Fatal("kline stream not found")
	}
	if set.Lookup(schema.EndpointKline, "BTC/USDT", schema.Interval5m) != nil {
		t.Fatal("lookup must miss on a different interval")
	}

	state := set.Lookup(schema.EndpointKline, "BTC/USDT", schema.Interval1m)
	for i := int64(0); i < 4; i++ {
		state.Klines.Upsert(schema.KlineBar{OpenTime: 1000 + i*60, CloseTime: 1059 + i*60, Open: "1", Close: "1", High: "1", Low: "1", Volume: "1"})
	}
	record := set.KlineRecord(state)
	if record.Exchange != "venue" || record.Symbol != "BTC/USDT" || record.Interval != schema.Interval1m {
		t.Fatalf("envelope = %+v", record)
	}
	if len(record.Klines) != 2 || record.Klines[0].OpenTime != 1120 {
		t.Fatalf("klines not truncated to most recent two ascending: %v", record.Klines)
	}

	trades := set.Lookup(schema.EndpointTrades, "ETH/USDT", "")
	for i := 0; i < 3; i++ {
		trades.Trades.Push(schema.Trade{TradeID: string(rune('a' + i)), Price: "1", Qty: "1", TradeTime: int64(i)})
	}
	tr := set.TradesRecord(trades)
	if len(tr.Trades) != 2 || tr.Trades[1].TradeID != "c" {
		t.Fatalf("trades record = %v", tr.Trades)
	}
}

func TestStreamSetResetBooksOnlyTouchesBooks(t *testing.T) {
	streams := []schema.StreamConfig{
		{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"},
		{Endpoint: schema.EndpointTrades, Symbol: "BTC/USDT"},
	}
	set := NewStreamSet("venue", streams, 10, 10, false)
	book := set.Lookup(schema.EndpointOrderBook, "BTC/USDT", "")
	if _, err := book.Book.ApplySnapshot(1, nil, nil, 0); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	trades := set.Lookup(schema.EndpointTrades, "BTC/USDT", "")
	trades.Trades.Push(schema.Trade{TradeID: "1", Price: "1", Qty: "1", TradeTime: 1})

	set.ResetBooks()
	if book.Book.HasSnapshot() {
		t.Fatal("book should reset")
	}
	if trades.Trades.Len() != 1 {
		t.Fatal("trade window must survive book resets")
	}
}

func TestSymbolTableBidirectionalLookup(t *testing.T) {
	table := NewSymbolTable()
	table.Add("BTC/USDT", "BTC-USDT")
	if venue, ok := table.Venue("btc/usdt"); !ok || venue != "BTC-USDT" {
		t.Fatalf("venue lookup = %q/%v", venue, ok)
	}
	if unified, ok := table.Unified("btc-usdt"); !ok || unified != "BTC/USDT" {
		t.Fatalf("unified lookup = %q/%v", unified, ok)
	}
	if _, ok := table.Unified("DOGE-USDT"); ok {
		t.Fatal("unknown venue symbol should miss")
	}
	if table.Len() != 1 {
		t.Fatalf("len = %d", table.Len())
	}
}
