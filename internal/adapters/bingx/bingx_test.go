package bingx

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
)

const symbolsBody = `{"code":0,"data":{"symbols":[
	{"symbol":"BTC-USDT","status":1},
	{"symbol":"ETH-USDT","status":1},
	{"symbol":"HALT-USDT","status":0}
]}}`

type stubDoer struct {
	mu      sync.Mutex
	trades  string
	ticker  string
	fetched []string
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.fetched = append(d.fetched, req.URL.Path)
	d.mu.Unlock()
	body := symbolsBody
	switch {
	case strings.Contains(req.URL.Path, "market/trades"):
		body = d.trades
	case strings.Contains(req.URL.Path, "ticker/24hr"):
		body = d.ticker
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}, nil
}

func newTestAdapter(t *testing.T, doer *stubDoer, streams ...schema.StreamConfig) *Adapter {
	t.Helper()
	adapter, err := adapters.New("bingx", adapters.Config{
		Streams:      streams,
		TestMode:     false,
		DataMaxLen:   500,
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

func TestOnlyMinuteKlinesAccepted(t *testing.T) {
	_, err := adapters.New("bingx", adapters.Config{
		Streams: []schema.StreamConfig{
			{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval5m},
		},
		DataMaxLen:   500,
		ResultMaxLen: 50,
		REST:         rest.NewClient(&stubDoer{}, nil),
	})
	if !errs.IsConfig(err) {
		t.Fatalf("5m should be rejected, got %v", err)
	}
}

func TestPolledOnlyConfigSkipsWebsocket(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{},
		schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "BTC/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"},
	)
	conns, err := a.Connections(context.Background())
	if err != nil || conns != nil {
		t.Fatalf("conns = %v err=%v, polled endpoints need no socket", conns, err)
	}
	if got := len(a.Workers(nil)); got != 2 {
		t.Fatalf("workers = %d, want one per polled stream", got)
	}
}

func TestSubscribeFramesOnlyForStreamedEndpoints(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{},
		schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1m},
		schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"},
	)
	frames, err := a.subscriptionFrames("sub")
	if err != nil || len(frames) != 2 {
		t.Fatalf("frames = %v err=%v, trades polls instead of subscribing", frames, err)
	}
	joined := string(frames[0]) + string(frames[1])
	for _, want := range []string{"BTC-USDT@depth", "BTC-USDT@kline_1min", `"reqType":"sub"`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("frames %s missing %s", joined, want)
		}
	}
}

func TestHeartbeatEchoesPong(t *testing.T) {
	reply, pong, handled := controlFrame([]byte(`{"ping":"hb-1","time":"1688"}`))
	if !pong || !handled {
		t.Fatal("ping not recognised")
	}
	if !strings.Contains(string(reply), `"pong":"hb-1"`) || !strings.Contains(string(reply), `"time":"1688"`) {
		t.Fatalf("reply = %s", reply)
	}
	if _, _, handled := controlFrame([]byte(`{"code":0,"dataType":"BTC-USDT@depth","data":{}}`)); handled {
		t.Fatal("data frames must pass through")
	}
}

func TestDepthPushIsAlwaysASnapshot(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})

	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"code":0,"dataType":"BTC-USDT@depth","data":{"bids":[[30000.5,1.2]],"asks":[[30001,2]]}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("first push: %v records=%v", err, records)
	}
	book := records[0].Book
	if book.Type != schema.BookSnapshot || book.UpdateID != 1 {
		t.Fatalf("book = %+v", book)
	}
	if book.Bids[0].Price != "30000.5" || book.Asks[0].Qty != "2" {
		t.Fatalf("levels = %v / %v", book.Bids, book.Asks)
	}

	records, err = a.Decode(context.Background(), "ws",
		[]byte(`{"code":0,"dataType":"BTC-USDT@depth","data":{"bids":[[29999,3]],"asks":[]}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("second push: %v", err)
	}
	book = records[0].Book
	if book.UpdateID != 2 || len(book.Bids) != 1 || book.Bids[0].Price != "29999" {
		t.Fatalf("second push must replace the book: %+v", book)
	}
}

func TestKlinePushWithNestedBar(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1m})
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"code":0,"dataType":"BTC-USDT@kline_1min","data":{"E":1700000030000,"e":"kline","s":"BTC-USDT","K":{"t":1700000000000,"o":30100.1,"c":30200,"h":30500,"l":29900,"v":12.5}}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("kline: %v records=%v", err, records)
	}
	bar := records[0].Klines[0]
	if bar.Open != "30100.1" || bar.Close != "30200" {
		t.Fatalf("bar = %+v", bar)
	}
	if bar.CloseTime != 1700000059999 {
		t.Fatalf("close time = %d", bar.CloseTime)
	}
}

func TestPolledTradesDedupAcrossPages(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "BTC/USDT"})

	page := `{"code":0,"dataType":"BTC-USDT@trade","data":[
		{"id":2,"price":30001,"qty":0.2,"time":1700000000002,"buyerMaker":true},
		{"id":1,"price":30000,"qty":0.1,"time":1700000000001,"buyerMaker":false}
	]}`
	records, err := a.Decode(context.Background(), "rest/trade", []byte(page))
	if err != nil || len(records) != 1 {
		t.Fatalf("first page: %v records=%v", err, records)
	}
	trades := records[0].Trades
	if len(trades) != 2 || trades[0].TradeID != "1" || trades[1].TradeID != "2" {
		t.Fatalf("trades must be chronological: %v", trades)
	}
	if trades[0].TakerSide != "BUY" || trades[1].TakerSide != "SELL" {
		t.Fatalf("sides = %v", trades)
	}

	// An overlapping page adds only the unseen trade.
	page = `{"code":0,"dataType":"BTC-USDT@trade","data":[
		{"id":3,"price":30002,"qty":0.3,"time":1700000000003,"buyerMaker":false},
		{"id":2,"price":30001,"qty":0.2,"time":1700000000002,"buyerMaker":true}
	]}`
	records, err = a.Decode(context.Background(), "rest/trade", []byte(page))
	if err != nil || len(records) != 1 {
		t.Fatalf("second page: %v", err)
	}
	trades = records[0].Trades
	if len(trades) != 3 || trades[2].TradeID != "3" {
		t.Fatalf("dedup failed: %v", trades)
	}

	// A fully duplicate page produces no record at all.
	records, err = a.Decode(context.Background(), "rest/trade", []byte(page))
	if err != nil || records != nil {
		t.Fatalf("duplicate page should be silent: %v %v", records, err)
	}
}

func TestPolledTickerDecode(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"})
	records, err := a.Decode(context.Background(), "rest/ticker",
		[]byte(`{"code":0,"dataType":"ETH-USDT@ticker","data":[{"symbol":"ETH-USDT","openPrice":1990,"highPrice":2010,"lowPrice":1980,"lastPrice":2001.5,"volume":5000,"quoteVolume":10000000,"openTime":1699913600123,"closeTime":1700000000123}]}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("ticker: %v records=%v", err, records)
	}
	tk := records[0].Ticker
	if tk.LastPrice != "2001.5" || tk.StatisticsCloseTime != 1700000000123 {
		t.Fatalf("ticker = %+v", tk)
	}
}
