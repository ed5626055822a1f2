// Package bybit implements the Bybit spot market-data adapter over the v5
// public websocket.
package bybit

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

const (
	prodAPIBase = "https://api.bybit.com"
	prodWSURL   = "wss://stream.bybit.com/v5/public/spot"
	testAPIBase = "https://api-testnet.bybit.com"
	testWSURL   = "wss://stream-testnet.bybit.com/v5/public/spot"

	instrumentsPath = "/v5/market/instruments-info"
	orderbookPath   = "/v5/market/orderbook"

	maxStreams   = 10
	dataCeiling  = 400
	pingInterval = 20 * time.Second
	pongTimeout  = 20 * time.Second
)

// wireIntervals is the Bybit kline interval notation for the canonical
// buckets the venue serves. 8h and 3d have no Bybit equivalent.
var wireIntervals = map[schema.Interval]string{
	schema.Interval1m:  "1",
	schema.Interval3m:  "3",
	schema.Interval5m:  "5",
	schema.Interval15m: "15",
	schema.Interval30m: "30",
	schema.Interval1h:  "60",
	schema.Interval2h:  "120",
	schema.Interval4h:  "240",
	schema.Interval6h:  "360",
	schema.Interval12h: "720",
	schema.Interval1d:  "D",
	schema.Interval1w:  "W",
	schema.Interval1mo: "M",
}

var canonicalIntervals = func() map[string]schema.Interval {
	out := make(map[string]schema.Interval, len(wireIntervals))
	for canonical, wire := range wireIntervals {
		out[wire] = canonical
	}
	return out
}()

func init() {
	adapters.Register("bybit", func(cfg adapters.Config) (adapters.Adapter, error) {
		return newAdapter(cfg)
	})
}

// Adapter drives the Bybit spot venue.
type Adapter struct {
	apiBase string
	wsURL   string
	cfg     adapters.Config
	streams *adapters.StreamSet
	symbols *adapters.SymbolTable
	catalog *rest.CatalogCache

	symMu sync.Mutex
}

func newAdapter(cfg adapters.Config) (adapters.Adapter, error) {
	limits := adapters.Limits{MaxStreams: maxStreams, DataCeiling: dataCeiling}
	intervals := make(map[schema.Interval]struct{}, len(wireIntervals))
	for iv := range wireIntervals {
		intervals[iv] = struct{}{}
	}
	streams, err := adapters.ValidateStreams("bybit", cfg.Streams, limits, intervals)
	if err != nil {
		return nil, err
	}
	cfg.DataMaxLen, cfg.ResultMaxLen = adapters.ClampBounds(cfg.DataMaxLen, cfg.ResultMaxLen, limits)
	cfg.Streams = streams
	if cfg.REST == nil {
		return nil, errs.Config("bybit", "rest client required")
	}
	a := &Adapter{
		apiBase: prodAPIBase,
		wsURL:   prodWSURL,
		cfg:     cfg,
		streams: adapters.NewStreamSet("bybit", streams, cfg.DataMaxLen, cfg.ResultMaxLen, false),
		symbols: adapters.NewSymbolTable(),
		catalog: nil,
		symMu:   sync.Mutex{},
	}
	if cfg.TestMode {
		a.apiBase = testAPIBase
		a.wsURL = testWSURL
	}
	a.catalog = rest.NewCatalogCache(0, func(ctx context.Context) ([]byte, error) {
		params := url.Values{}
		params.Set("category", "spot")
		return cfg.REST.Get(ctx, a.apiBase, instrumentsPath, params)
	}, nil)
	return a, nil
}

// Name returns the registered exchange identifier.
func (a *Adapter) Name() string { return "bybit" }

// APIURL returns the venue REST base in effect for this instance.
func (a *Adapter) APIURL() string { return a.apiBase }

// StoreKeys lists the stream keys this adapter writes.
func (a *Adapter) StoreKeys() []string { return a.streams.Keys() }

// ExchangeInfo returns the venue's raw instrument catalog.
func (a *Adapter) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return a.catalog.Get(ctx)
}

type instrumentsPayload struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	} `json:"result"`
}

// FullSymbolList returns every trading symbol in unified BASE/QUOTE form.
func (a *Adapter) FullSymbolList(ctx context.Context, sorted bool) ([]string, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	out := a.symbols.Unifieds()
	if sorted {
		sort.Strings(out)
	}
	return out, nil
}

// SymbolSupported reports whether the venue lists the unified symbol.
func (a *Adapter) SymbolSupported(ctx context.Context, symbol string) (bool, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return false, err
	}
	_, ok := a.symbols.Venue(symbol)
	return ok, nil
}

func (a *Adapter) ensureSymbols(ctx context.Context) error {
	a.symMu.Lock()
	defer a.symMu.Unlock()
	if a.symbols.Len() > 0 {
		return nil
	}
	payload, err := a.catalog.Get(ctx)
	if err != nil {
		return err
	}
	var catalog instrumentsPayload
	if err := json.Unmarshal(payload, &catalog); err != nil {
		return errs.New("bybit", errs.CodeDecode,
			errs.WithMessage("parse instruments info"),
			errs.WithCause(err))
	}
	if catalog.RetCode != 0 {
		return errs.New("bybit", errs.CodeExchange,
			errs.WithMessage("instruments info rejected"),
			errs.WithRawMessage(catalog.RetMsg))
	}
	for _, inst := range catalog.Result.List {
		if !strings.EqualFold(inst.Status, "Trading") {
			continue
		}
		a.symbols.Add(inst.BaseCoin+"/"+inst.QuoteCoin, inst.Symbol)
	}
	if a.symbols.Len() == 0 {
		return errs.New("bybit", errs.CodeExchange, errs.WithMessage("instruments info listed no trading symbols"))
	}
	return nil
}

// Connections describes the single public spot websocket.
func (a *Adapter) Connections(ctx context.Context) ([]adapters.ConnSpec, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	return []adapters.ConnSpec{{
		Origin: "ws",
		URL: func(context.Context) (string, error) {
			return a.wsURL, nil
		},
		OnOpen: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.subscriptionFrame(ctx, "subscribe")
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		},
		OnClose: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.subscriptionFrame(ctx, "unsubscribe")
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		},
		Ping: ws.PingPolicy{
			Kind:     ws.PingFrame,
			Interval: pingInterval,
			Timeout:  pongTimeout,
			Frame: func() []byte {
				return []byte(`{"op":"ping"}`)
			},
		},
		Inflate:   nil,
		Control:   controlFrame,
		ReadLimit: 0,
	}}, nil
}

// Workers reports no auxiliary loops; every Bybit endpoint streams natively.
func (a *Adapter) Workers(adapters.PublishFunc) []func(ctx context.Context) error {
	return nil
}

// ResetTransientState drops book reconstruction state after a reconnect.
func (a *Adapter) ResetTransientState(string) {
	a.streams.ResetBooks()
}

type opRequest struct {
	ReqID string   `json:"req_id"`
	Op    string   `json:"op"`
	Args  []string `json:"args"`
}

type opResponse struct {
	Op      string `json:"op"`
	RetMsg  string `json:"ret_msg"`
	Success *bool  `json:"success"`
}

// controlFrame absorbs pongs and op acknowledgements before they reach the
// decoder.
func controlFrame(frame []byte) ([]byte, bool, bool) {
	var resp opResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, false, false
	}
	if resp.Op == "pong" || resp.RetMsg == "pong" {
		return nil, true, true
	}
	if resp.Op != "" || resp.Success != nil {
		return nil, false, true
	}
	return nil, false, false
}

func (a *Adapter) subscriptionFrame(ctx context.Context, op string) ([]byte, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	args := make([]string, 0, len(a.streams.All()))
	for _, state := range a.streams.All() {
		topic, err := a.topicName(state.Config)
		if err != nil {
			return nil, err
		}
		args = append(args, topic)
	}
	return json.Marshal(opRequest{ReqID: uuid.NewString(), Op: op, Args: args})
}

func (a *Adapter) topicName(cfg schema.StreamConfig) (string, error) {
	venue, ok := a.symbols.Venue(cfg.Symbol)
	if !ok {
		return "", errs.New("bybit", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", cfg.Symbol))
	}
	switch cfg.Endpoint {
	case schema.EndpointOrderBook:
		return "orderbook.50." + venue, nil
	case schema.EndpointKline:
		return "kline." + wireIntervals[cfg.Interval] + "." + venue, nil
	case schema.EndpointTrades:
		return "publicTrade." + venue, nil
	case schema.EndpointTicker:
		return "tickers." + venue, nil
	}
	return "", errs.NotSupported("bybit", "unsupported endpoint")
}
