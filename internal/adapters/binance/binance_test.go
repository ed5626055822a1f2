package binance

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
)

const exchangeInfoBody = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
	{"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT"},
	{"symbol":"OLDUSDT","status":"BREAK","baseAsset":"OLD","quoteAsset":"USDT"}
]}`

// stubDoer answers REST calls from canned bodies. Depth responses are a queue
// so resync tests can serve successive snapshots.
type stubDoer struct {
	depth []string
	calls int
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	body := exchangeInfoBody
	if strings.Contains(req.URL.Path, "depth") {
		if len(d.depth) == 0 {
			body = `{"lastUpdateId":1,"bids":[],"asks":[]}`
		} else {
			body = d.depth[0]
			if len(d.depth) > 1 {
				d.depth = d.depth[1:]
			}
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}, nil
}

func newTestAdapter(t *testing.T, doer *stubDoer, streams ...schema.StreamConfig) *Adapter {
	t.Helper()
	adapter, err := adapters.New("binance", adapters.Config{
		Streams:      streams,
		TestMode:     false,
		DataMaxLen:   500,
		ResultMaxLen: 100,
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

func TestSymbolCatalogAndSupportCheck(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"})

	symbols, err := a.FullSymbolList(context.Background(), true)
	if err != nil {
		t.Fatalf("symbol list: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTC/USDT" || symbols[1] != "ETH/USDT" {
		t.Fatalf("symbols = %v, non-trading entries must be dropped", symbols)
	}

	ok, err := a.SymbolSupported(context.Background(), "eth/usdt")
	if err != nil || !ok {
		t.Fatalf("eth/usdt support = %v err=%v", ok, err)
	}
	ok, err = a.SymbolSupported(context.Background(), "DOGE/USDT")
	if err != nil || ok {
		t.Fatalf("unlisted symbol reported supported")
	}
}

func TestSubscriptionFramesCoverEveryStream(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{},
		schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1mo},
		schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"},
		schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "ETH/USDT"},
	)
	conns, err := a.Connections(context.Background())
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("conn count = %d, want 1", len(conns))
	}
	frames, err := conns[0].OnOpen(context.Background())
	if err != nil || len(frames) != 1 {
		t.Fatalf("open frames = %v err=%v", frames, err)
	}
	subscribe := string(frames[0])
	for _, want := range []string{`"SUBSCRIBE"`, "btcusdt@depth@100ms", "btcusdt@kline_1M", "ethusdt@trade", "ethusdt@ticker"} {
		if !strings.Contains(subscribe, want) {
			t.Fatalf("subscribe frame %s missing %s", subscribe, want)
		}
	}
	closes, err := conns[0].OnClose(context.Background())
	if err != nil || !strings.Contains(string(closes[0]), `"UNSUBSCRIBE"`) {
		t.Fatalf("close frames = %v err=%v", closes, err)
	}
}

func TestDepthFlowFetchesSnapshotThenAppliesDelta(t *testing.T) {
	doer := &stubDoer{depth: []string{`{"lastUpdateId":100,"bids":[["30000","1"]],"asks":[["30001","1"]]}`}}
	a := newTestAdapter(t, doer, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})

	// First delta arrives before any snapshot: it is buffered, the snapshot
	// fetched, and the delta replayed on top.
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"U":101,"u":101,"b":[["30000","0"]],"a":[["30002","2"]]}}`))
	if err != nil {
		t.Fatalf("decode first delta: %v", err)
	}
	if len(records) != 1 || records[0].Book == nil {
		t.Fatalf("records = %v", records)
	}
	book := records[0].Book
	if book.UpdateID != 101 || book.DiffUpdateID != 1 {
		t.Fatalf("ids = %d/%d, want 101/1", book.UpdateID, book.DiffUpdateID)
	}
	if len(book.Bids) != 0 {
		t.Fatalf("bid 30000 should be deleted: %v", book.Bids)
	}
	if len(book.Asks) != 2 || book.Asks[0].Price != "30001" || book.Asks[1].Price != "30002" {
		t.Fatalf("asks = %v", book.Asks)
	}

	// Contiguous follow-up applies without another REST call.
	calls := doer.calls
	records, err = a.Decode(context.Background(), "ws",
		[]byte(`{"stream":"btcusdt@depth@100ms","data":{"E":2,"U":102,"u":103,"b":[["29999","5"]],"a":[]}}`))
	if err != nil || len(records) != 1 {
		t.Fatalf("decode second delta: %v records=%v", err, records)
	}
	if records[0].Book.UpdateID != 103 || records[0].Book.DiffUpdateID != 1 {
		t.Fatalf("second ids = %d/%d", records[0].Book.UpdateID, records[0].Book.DiffUpdateID)
	}
	if doer.calls != calls {
		t.Fatalf("contiguous delta must not refetch, calls %d -> %d", calls, doer.calls)
	}
}

func TestDepthGapResyncsThroughREST(t *testing.T) {
	doer := &stubDoer{depth: []string{
		`{"lastUpdateId":100,"bids":[["1","1"]],"asks":[]}`,
		`{"lastUpdateId":200,"bids":[["1","1"]],"asks":[]}`,
	}}
	a := newTestAdapter(t, doer, schema.StreamConfig{Endpoint: schema.EndpointOrderBook, Symbol: "BTC/USDT"})

	if _, err := a.Decode(context.Background(), "ws",
		[]byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"U":101,"u":101,"b":[],"a":[]}}`)); err != nil {
		t.Fatalf("bootstrap delta: %v", err)
	}

	// The jump to U=201 gaps the book; decode refetches and replays.
	records, err := a.Decode(context.Background(), "ws",
		[]byte(`{"stream":"btcusdt@depth@100ms","data":{"E":2,"U":201,"u":201,"b":[],"a":[["2","2"]]}}`))
	if err != nil {
		t.Fatalf("gap delta: %v", err)
	}
	if len(records) != 1 || records[0].Book.UpdateID != 201 {
		t.Fatalf("post-resync book = %+v", records)
	}
	if len(records[0].Book.Asks) != 1 || records[0].Book.Asks[0].Price != "2" {
		t.Fatalf("gap delta must replay onto fresh snapshot: %v", records[0].Book.Asks)
	}
}

func TestKlineDecodeOverwritesInProgressBar(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointKline, Symbol: "BTC/USDT", Interval: schema.Interval1m})

	frame := `{"stream":"btcusdt@kline_1m","data":{"E":5,"k":{"t":1700000000000,"T":1700000059999,"o":"1","c":"2","h":"3","l":"0.5","v":"10","x":false}}}`
	if _, err := a.Decode(context.Background(), "ws", []byte(frame)); err != nil {
		t.Fatalf("first kline: %v", err)
	}
	frame = `{"stream":"btcusdt@kline_1m","data":{"E":6,"k":{"t":1700000000000,"T":1700000059999,"o":"1","c":"4","h":"4","l":"0.5","v":"12","x":true}}}`
	records, err := a.Decode(context.Background(), "ws", []byte(frame))
	if err != nil {
		t.Fatalf("second kline: %v", err)
	}
	bars := records[0].Klines
	if len(bars) != 1 || bars[0].Close != "4" || !bars[0].IsClosed {
		t.Fatalf("bars = %v", bars)
	}
	if bars[0].OpenTimeDate != "2023-11-14 22:13:20.000" {
		t.Fatalf("open date = %q", bars[0].OpenTimeDate)
	}
}

func TestTradeDecodeMapsTakerSide(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTrades, Symbol: "ETH/USDT"})

	frame := `{"stream":"ethusdt@trade","data":{"E":10,"t":77,"p":"2000.5","q":"0.3","T":9,"m":true}}`
	records, err := a.Decode(context.Background(), "ws", []byte(frame))
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	trades := records[0].Trades
	if len(trades) != 1 || trades[0].TradeID != "77" || trades[0].TakerSide != "SELL" {
		t.Fatalf("trades = %v", trades)
	}
	if trades[0].Price != "2000.5" {
		t.Fatalf("price must stay a venue string: %q", trades[0].Price)
	}
}

func TestTickerDecodeCarriesFullStatistics(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"})

	frame := `{"stream":"btcusdt@ticker","data":{"E":1700000000123,"p":"100","P":"0.33","w":"30100","c":"30200","Q":"0.1","b":"30199","B":"2","a":"30201","A":"3","o":"30100","h":"30500","l":"29900","v":"1200","q":"36000000","O":1699913600123,"C":1700000000123,"n":98765}}`
	records, err := a.Decode(context.Background(), "ws", []byte(frame))
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	tk := records[0].Ticker
	if tk.LastPrice != "30200" || tk.TotalNumberOfTrades != 98765 {
		t.Fatalf("ticker = %+v", tk)
	}
	if tk.EventTimeDate != "2023-11-14 22:13:20.123" {
		t.Fatalf("event date = %q", tk.EventTimeDate)
	}
}

func TestAcksAndUnknownStreamsDecodeToNothing(t *testing.T) {
	a := newTestAdapter(t, &stubDoer{}, schema.StreamConfig{Endpoint: schema.EndpointTicker, Symbol: "BTC/USDT"})

	records, err := a.Decode(context.Background(), "ws", []byte(`{"result":null,"id":1}`))
	if err != nil || records != nil {
		t.Fatalf("ack should be silent: %v %v", records, err)
	}
	records, err = a.Decode(context.Background(), "ws", []byte(`{"stream":"dogeusdt@ticker","data":{}}`))
	if err != nil || records != nil {
		t.Fatalf("unsubscribed stream should be silent: %v %v", records, err)
	}
}
