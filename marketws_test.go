package marketws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

const exchangeInfoBody = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
	{"symbol":"ETHUSDT","status":"TRADING","baseAsset":"ETH","quoteAsset":"USDT"}
]}`

type stubDoer struct {
	mu    sync.Mutex
	depth string
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := exchangeInfoBody
	if strings.Contains(req.URL.Path, "depth") {
		body = d.depth
		if body == "" {
			body = `{"lastUpdateId":1,"bids":[],"asks":[]}`
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}, nil
}

type scriptedConn struct {
	frames chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		frames: make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
		once:   sync.Once{},
	}
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *scriptedConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *scriptedConn) Ping(context.Context) error { return nil }
func (c *scriptedConn) SetReadLimit(int64)         {}
func (c *scriptedConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptedDialer struct {
	conn *scriptedConn
}

func (d *scriptedDialer) Dial(context.Context, string) (ws.Conn, error) {
	return d.conn, nil
}

func TestNewRejectsUnknownExchange(t *testing.T) {
	_, err := New("hyperliquid", []StreamConfig{
		{Endpoint: EndpointTicker, Symbol: "BTC/USDT"},
	}, WithHTTPClient(&stubDoer{}))
	if !errs.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNewRejectsNonSpotTradingType(t *testing.T) {
	_, err := New("binance", []StreamConfig{
		{Endpoint: EndpointTicker, Symbol: "BTC/USDT"},
	}, WithTradingType("FUTURES"), WithHTTPClient(&stubDoer{}))
	if !errs.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestNewRejectsMalformedStreams(t *testing.T) {
	cases := []struct {
		name    string
		streams []StreamConfig
	}{
		{"no streams", nil},
		{"bad symbol", []StreamConfig{{Endpoint: EndpointTicker, Symbol: "BTCUSDT"}}},
		{"kline without interval", []StreamConfig{{Endpoint: EndpointKline, Symbol: "BTC/USDT"}}},
		{"duplicate", []StreamConfig{
			{Endpoint: EndpointTicker, Symbol: "BTC/USDT"},
			{Endpoint: EndpointTicker, Symbol: "btc/usdt"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("binance", tc.streams, WithHTTPClient(&stubDoer{}))
			if !errs.IsConfig(err) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestNewRejectsUnlistedSymbol(t *testing.T) {
	_, err := New("binance", []StreamConfig{
		{Endpoint: EndpointTrades, Symbol: "DOGE/USDT"},
	}, WithHTTPClient(&stubDoer{}))
	if !errs.IsConfig(err) {
		t.Fatalf("expected config error for unlisted symbol, got %v", err)
	}
}

func TestGetCurrentDataBeforeAnyFrame(t *testing.T) {
	client, err := New("binance", []StreamConfig{
		{Endpoint: EndpointTicker, Symbol: "BTC/USDT"},
	}, WithHTTPClient(&stubDoer{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	record, err := client.GetCurrentData(EndpointTicker, "BTC/USDT", "")
	if err != nil || record != nil {
		t.Fatalf("declared empty stream should read nil, nil; got %v, %v", record, err)
	}
	if _, err := client.GetCurrentData(EndpointTrades, "BTC/USDT", ""); err == nil {
		t.Fatal("undeclared stream must error")
	}
}

func TestStartDecodeQueryStop(t *testing.T) {
	doer := &stubDoer{depth: `{"lastUpdateId":100,"bids":[["30000","1"]],"asks":[["30001","2"]]}`}
	conn := newScriptedConn()
	client, err := New("binance", []StreamConfig{
		{Endpoint: EndpointOrderBook, Symbol: "BTC/USDT"},
	}, WithHTTPClient(doer), withDialer(&scriptedDialer{conn: conn}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if ok := client.IsConnectionsOK(time.Now()); ok {
		t.Fatal("health must be false before start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case frame := <-conn.writes:
		if !strings.Contains(string(frame), `"SUBSCRIBE"`) {
			t.Fatalf("first write = %s, want subscribe", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame sent")
	}

	conn.frames <- []byte(`{"stream":"btcusdt@depth@100ms","data":{"E":1,"U":101,"u":101,"b":[["30000","0"]],"a":[["30002","3"]]}}`)

	var record *Record
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err = client.GetCurrentData(EndpointOrderBook, "BTC/USDT", "")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if record != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if record == nil {
		t.Fatal("no record produced")
	}
	if record.Book == nil || record.Book.UpdateID != 101 || record.Book.DiffUpdateID != 1 {
		t.Fatalf("book = %+v", record.Book)
	}
	// Snapshot bid 30000 deleted by the replayed delta, snapshot ask kept.
	if len(record.Book.Bids) != 0 {
		t.Fatalf("bids = %v", record.Book.Bids)
	}
	if len(record.Book.Asks) != 2 || record.Book.Asks[0].Price != "30001" {
		t.Fatalf("asks = %v", record.Book.Asks)
	}
	if record.MaxDecodeTime <= 0 {
		t.Fatalf("decode time bounds missing: %+v", record)
	}

	bookKey := schema.StreamKey(EndpointOrderBook, "BTC/USDT", "")
	if got := client.StreamMetrics().FramesDecoded[bookKey]; got < 1 {
		t.Fatalf("frames decoded for %s = %d", bookKey, got)
	}

	if ok := client.IsConnectionsOK(time.Now()); !ok {
		t.Fatal("health should be true with fresh data")
	}
	if ok := client.IsConnectionsOK(time.Now().Add(10 * time.Minute)); ok {
		t.Fatal("stale order book must fail health")
	}

	if err := client.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := client.GetCurrentData(EndpointOrderBook, "BTC/USDT", ""); err == nil {
		t.Fatal("store must reject reads after stop")
	}
	if err := client.Stop(2 * time.Second); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
}

func TestKlineStalenessScalesWithInterval(t *testing.T) {
	if got := stalenessBound(StreamConfig{Endpoint: EndpointKline, Interval: schema.Interval1h}); got != 5*time.Hour {
		t.Fatalf("1h bound = %v", got)
	}
	if got := stalenessBound(StreamConfig{Endpoint: EndpointOrderBook}); got != 5*time.Minute {
		t.Fatalf("book bound = %v", got)
	}
	if got := stalenessBound(StreamConfig{Endpoint: EndpointTrades}); got != 45*time.Minute {
		t.Fatalf("trades bound = %v", got)
	}
}

func TestSupportedLists(t *testing.T) {
	exchanges := SupportedExchanges()
	for _, want := range []string{"binance", "binanceus", "bingx", "bybit", "kucoin", "okx"} {
		found := false
		for _, name := range exchanges {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("exchange %s missing from %v", want, exchanges)
		}
	}
	if len(SupportedEndpoints()) != 4 {
		t.Fatalf("endpoints = %v", SupportedEndpoints())
	}
	if len(SupportedIntervals()) != 15 {
		t.Fatalf("intervals = %v", SupportedIntervals())
	}
}

func TestDefaultRetentionBounds(t *testing.T) {
	opts := defaultOptions()
	if opts.DataMaxLen != 2500 {
		t.Fatalf("data retention default = %d", opts.DataMaxLen)
	}
	if opts.ResultMaxLen != 5 {
		t.Fatalf("result window default = %d", opts.ResultMaxLen)
	}

	WithDataMaxLen(100)(&opts)
	WithResultMaxLen(10)(&opts)
	if opts.DataMaxLen != 100 || opts.ResultMaxLen != 10 {
		t.Fatalf("overrides not applied: %d/%d", opts.DataMaxLen, opts.ResultMaxLen)
	}
}
