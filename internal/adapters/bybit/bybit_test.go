package bybit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
)

const instrumentsBody = `{"retCode":0,"retMsg":"OK","result":{"list":[
	{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading"},
	{"symbol":"ETHUSDT","baseCoin":"ETH","quoteCoin":"USDT","status":"Trading"},
	{"symbol":"DEADUSDT","baseCoin":"DEAD","quoteCoin":"USDT","status":"Closed"}
]}}`

// stubDoer answers REST calls from canned bodies. Orderbook snapshots come
// from the book field so resync tests can script them.
type stubDoer struct {
	book  string
	calls int
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	body := instrumentsBody
	if strings.Contains(req.URL.Path, "market/orderbook") {
		body = d.book
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}, nil
}

func newTestAdapter(t *testing.T, doer *stubDoer, streams ...schema.StreamConfig) *Adapter {
	t.Helper()
	adapter, err := adapters.New("bybit", adapters.Config{
		Streams:      streams,
		TestMode:     false,
		DataMaxLen:   400,
		ResultMaxLen: 50,
		REST:         rest.NewClient(doer, nil),
	})
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	a := adapter.(*Adapter)
	if err := a.ensureSymbols(context.Background()); err != nil {
		t.Fatalf("load symbols: %v", err)
	}
	return a
}

func TestUnsupportedIntervalRejectedAtConstruction(t *testing.T) {
	_, err := adapters.New("bybit", adapters.Config{
		Streams: []schema.StreamConfig{
			{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval8h},
		},
		DataMaxLen:   400,
		ResultMaxLen: 50,
		REST:         rest.NewClient(&stubDoer{}, nil),
	})
	if !errs.IsConfig(err) {
		t.Fatalf("8h has no venue bucket, want config error, got %v", err)
	}
}

func TestStreamCeilingOfTen(t *testing.T) {
	streams := make([]schema.StreamConfig, 11)
	bases := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}
	for i := range streams {
		streams[i] = schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: bases[i] + "/USDT"}
	}
	_, err := adapters.New("bybit", adapters.Config{
		Streams:      streams,
		DataMaxLen:   400,
		ResultMaxLen: 50,
		REST:         rest.NewClient(&stubDoer{}, nil),
	})
	if !errs.IsConfig(err) {
		t.Fatalf("11 streams should exceed the ceiling, got %v", err)
	}
}

func TestSubscribeFrameUsesTopicNotation(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{},
		schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1h},
		schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"},
	)
	conns, err := a.Connections(context.Background())
	if err != nil || len(conns) != 1 {
		t.Fatalf("connections = %v err=%v", conns, err)
	}
	frames, err := conns[0].OnOpen(context.Background())
	if err != nil {
		t.Fatalf("open frames: %v", err)
	}
	subscribe := string(frames[0])
	for _, want := range []string{`"op":"subscribe"`, `"req_id"`, "orderbook.50.BTCUSDT", "kline.60.BTCUSDT", "publicTrade.ETHUSDT", "tickers.ETHUSDT"} {
		if !strings.Contains(subscribe, want) {
			t.Fatalf("subscribe frame %s missing %s", subscribe, want)
		}
	}
}

func TestControlAbsorbsPongsAndAcks(t *testing.T) {
	if _, pong, handled := controlFrame([]byte(`{"op":"pong"}`)); !pong || !handled {
		t.Fatal("op pong not recognised")
	}
	if _, pong, handled := controlFrame([]byte(`{"success":true,"ret_msg":"pong","op":"ping","conn_id":"x"}`)); !pong || !handled {
		t.Fatal("ping ack pong not recognised")
	}
	if _, pong, handled := controlFrame([]byte(`{"success":true,"op":"subscribe","conn_id":"x"}`)); pong || !handled {
		t.Fatal("subscribe ack should be handled without refreshing the pong deadline")
	}
	if _, _, handled := controlFrame([]byte(`{"topic":"tickers.BTCUSDT","data":{}}`)); handled {
		t.Fatal("data frames must pass through to the decoder")
	}
}

func TestOrderbookSnapshotThenDelta(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})

	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["30000","1"]],"a":[["30001","1"]],"u":18521288,"seq":7961638724}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("snapshot: %v records=%v", err, records)
	}
	if records[0].Book.Type != schema.BookSnapshot || records[0].Book.UpdateID != 18521288 {
		t.Fatalf("snapshot book = %+v", records[0].Book)
	}

	records, err = a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["30000","0"]],"a":[],"u":18521289,"seq":7961638725}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("delta: %v records=%v", err, records)
	}
	book := records[0].Book
	if book.Type != schema.BookUpdate || book.UpdateID != 18521289 || book.DiffUpdateID != 1 {
		t.Fatalf("delta book = %+v", book)
	}
	if len(book.Bids) != 0 {
		t.Fatalf("zero-size delete failed: %v", book.Bids)
	}
}

func TestOrderbookRestartSnapshotResetsBook(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})
	if _, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"b":[["1","1"]],"a":[],"u":500}}`)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// u back to 1 signals a service restart snapshot.
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"b":[["2","2"]],"a":[],"u":1}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("restart snapshot: %v records=%v", err, records)
	}
	book := records[0].Book
	if book.Type != schema.BookSnapshot || book.UpdateID != 1 {
		t.Fatalf("restart book = %+v", book)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "2" {
		t.Fatalf("restart must replace levels: %v", book.Bids)
	}
}

func TestKlineBatchDecode(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1m})
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"kline.1.BTCUSDT","ts":9,"data":[{"start":1700000000000,"end":1700000060000,"interval":"1","open":"1","close":"2","high":"3","low":"0.5","volume":"7","confirm":true,"timestamp":1700000059000}]}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("kline: %v records=%v", err, records)
	}
	bars := records[0].Klines
	if len(bars) != 1 || !bars[0].IsClosed || bars[0].Close != "2" {
		t.Fatalf("bars = %v", bars)
	}
}

func TestTradeBatchUppercasesTakerSide(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"})
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"publicTrade.ETHUSDT","ts":3,"data":[{"T":1700000000001,"S":"Buy","v":"0.5","p":"2000","i":"abc-1"},{"T":1700000000002,"S":"Sell","v":"0.2","p":"2001","i":"abc-2"}]}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("trades: %v records=%v", err, records)
	}
	trades := records[0].Trades
	if len(trades) != 2 || trades[0].TakerSide != "BUY" || trades[1].TakerSide != "SELL" {
		t.Fatalf("trades = %v", trades)
	}
}

func TestTickerDecodeMapsRollingStats(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"})
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000123,"data":{"symbol":"BTCUSDT","lastPrice":"30200","highPrice24h":"30500","lowPrice24h":"29900","prevPrice24h":"30100","volume24h":"1200","turnover24h":"36000000","price24hPcnt":"0.0033"}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("ticker: %v records=%v", err, records)
	}
	tk := records[0].Ticker
	if tk.LastPrice != "30200" || tk.OpenPrice != "30100" || tk.PriceChangePercent != "0.0033" {
		t.Fatalf("ticker = %+v", tk)
	}
}

func TestDataCeilingClampsToVenueMaximum(t *testing.T) {
	adapter, err := adapters.New("bybit", adapters.Config{
		Streams:      []schema.StreamConfig{{Endpoint: schema.EndpointTrades, Symbol: "BTC/USDT"}},
		DataMaxLen:   2500,
		ResultMaxLen: 2500,
		REST:         rest.NewClient(&stubDoer{}, nil),
	})
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	a := adapter.(*Adapter)
	if a.cfg.DataMaxLen != 400 || a.cfg.ResultMaxLen != 400 {
		t.Fatalf("clamp = %d/%d, want 400/400", a.cfg.DataMaxLen, a.cfg.ResultMaxLen)
	}
}

func TestOrderbookDeltaGapResyncsFromRest(t *testing.T) {
	doer := &stubDoer{
		book: `{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["30010","2"]],"a":[["30011","3"]],"u":25,"ts":9}}`,
	}
	a := newTestAdapter(t, doer, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})

	if _, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"b":[["30000","1"]],"a":[["30001","1"]],"u":5}}`)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"b":[["30000","2"]],"a":[],"u":6}}`))
	if err != nil || len(records) != 1 || records[0].Book.UpdateID != 6 {
		t.Fatalf("consecutive delta: %v records=%v", err, records)
	}

	before := doer.calls
	// u jumps from 6 to 20: the stream skipped updates, so the book must be
	// rebuilt from a REST snapshot instead of merging the delta.
	records, err = a.Decode(context.Background(), "ws",
		[]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":3,"data":{"b":[["30005","9"]],"a":[],"u":20}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("gap delta: %v records=%v", err, records)
	}
	book := records[0].Book
	if book.Type != schema.BookSnapshot || book.UpdateID != 25 {
		t.Fatalf("resynced book = %+v", book)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != "30010" {
		t.Fatalf("resync must replace levels: %v", book.Bids)
	}
	if doer.calls != before+1 {
		t.Fatalf("rest calls = %d, want %d", doer.calls, before+1)
	}
}
