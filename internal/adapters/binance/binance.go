// Package binance implements the Binance and Binance.US spot market-data
// adapters over the combined-stream websocket endpoint.
package binance

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

const (
	prodAPIBase = "https://api.binance.com"
	prodWSURL   = "wss://stream.binance.com:9443/stream"
	testAPIBase = "https://testnet.binance.vision"
	testWSURL   = "wss://testnet.binance.vision/stream"
	usAPIBase   = "https://api.binance.us"
	usWSURL     = "wss://stream.binance.us:9443/stream"

	exchangeInfoPath = "/api/v3/exchangeInfo"
	depthPath        = "/api/v3/depth"

	maxStreams = 1024
)

type variant struct {
	name       string
	apiBase    string
	wsURL      string
	depthLimit int
}

func init() {
	adapters.Register("binance", func(cfg adapters.Config) (adapters.Adapter, error) {
		v := variant{name: "binance", apiBase: prodAPIBase, wsURL: prodWSURL, depthLimit: 500}
		if cfg.TestMode {
			v.apiBase = testAPIBase
			v.wsURL = testWSURL
		}
		return newAdapter(v, cfg)
	})
	adapters.Register("binanceus", func(cfg adapters.Config) (adapters.Adapter, error) {
		v := variant{name: "binanceus", apiBase: usAPIBase, wsURL: usWSURL, depthLimit: 1000}
		if cfg.TestMode {
			// Binance.US has no sandbox of its own; the shared spot testnet
			// serves the same API surface.
			v.apiBase = testAPIBase
			v.wsURL = testWSURL
		}
		return newAdapter(v, cfg)
	})
}

// Adapter drives one Binance-family venue.
type Adapter struct {
	v       variant
	cfg     adapters.Config
	streams *adapters.StreamSet
	symbols *adapters.SymbolTable
	catalog *rest.CatalogCache

	symMu sync.Mutex
}

func newAdapter(v variant, cfg adapters.Config) (adapters.Adapter, error) {
	limits := adapters.Limits{MaxStreams: maxStreams, DataCeiling: 0}
	streams, err := adapters.ValidateStreams(v.name, cfg.Streams, limits, nil)
	if err != nil {
		return nil, err
	}
	cfg.DataMaxLen, cfg.ResultMaxLen = adapters.ClampBounds(cfg.DataMaxLen, cfg.ResultMaxLen, limits)
	cfg.Streams = streams
	if cfg.REST == nil {
		return nil, errs.Config(v.name, "rest client required")
	}
	a := &Adapter{
		v:       v,
		cfg:     cfg,
		streams: adapters.NewStreamSet(v.name, streams, cfg.DataMaxLen, cfg.ResultMaxLen, false),
		symbols: adapters.NewSymbolTable(),
		catalog: nil,
		symMu:   sync.Mutex{},
	}
	a.catalog = rest.NewCatalogCache(0, func(ctx context.Context) ([]byte, error) {
		return cfg.REST.Get(ctx, v.apiBase, exchangeInfoPath, nil)
	}, nil)
	return a, nil
}

// Name returns the registered exchange identifier.
func (a *Adapter) Name() string { return a.v.name }

// APIURL returns the venue REST base in effect for this instance.
func (a *Adapter) APIURL() string { return a.v.apiBase }

// StoreKeys lists the stream keys this adapter writes.
func (a *Adapter) StoreKeys() []string { return a.streams.Keys() }

// ExchangeInfo returns the venue's raw instrument catalog.
func (a *Adapter) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return a.catalog.Get(ctx)
}

type catalogPayload struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
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
	var catalog catalogPayload
	if err := json.Unmarshal(payload, &catalog); err != nil {
		return errs.New(a.v.name, errs.CodeDecode,
			errs.WithMessage("parse exchange info"),
			errs.WithCause(err))
	}
	for _, sym := range catalog.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		a.symbols.Add(sym.BaseAsset+"/"+sym.QuoteAsset, sym.Symbol)
	}
	if a.symbols.Len() == 0 {
		return errs.New(a.v.name, errs.CodeExchange, errs.WithMessage("exchange info listed no trading symbols"))
	}
	return nil
}

// Connections describes the single combined-stream websocket.
func (a *Adapter) Connections(ctx context.Context) ([]adapters.ConnSpec, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	return []adapters.ConnSpec{{
		Origin: "ws",
		URL: func(context.Context) (string, error) {
			return a.v.wsURL, nil
		},
		OnOpen: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.subscriptionFrame(ctx, "SUBSCRIBE", 1)
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		},
		OnClose: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.subscriptionFrame(ctx, "UNSUBSCRIBE", 2)
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		},
		Ping: ws.PingPolicy{
			Kind:     ws.PingProtocol,
			Interval: 20 * time.Second,
			Timeout:  0,
			Frame:    nil,
		},
		Inflate:   nil,
		Control:   nil,
		ReadLimit: 0,
	}}, nil
}

// Workers reports no auxiliary loops; every Binance endpoint streams natively.
func (a *Adapter) Workers(adapters.PublishFunc) []func(ctx context.Context) error {
	return nil
}

// ResetTransientState drops book reconstruction state after a reconnect.
func (a *Adapter) ResetTransientState(string) {
	a.streams.ResetBooks()
}

type subscriptionRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (a *Adapter) subscriptionFrame(ctx context.Context, method string, id int) ([]byte, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	params := make([]string, 0, len(a.streams.All()))
	for _, state := range a.streams.All() {
		name, err := a.streamName(state.Config)
		if err != nil {
			return nil, err
		}
		params = append(params, name)
	}
	return json.Marshal(subscriptionRequest{Method: method, Params: params, ID: id})
}

func (a *Adapter) streamName(cfg schema.StreamConfig) (string, error) {
	venue, ok := a.symbols.Venue(cfg.Symbol)
	if !ok {
		return "", errs.New(a.v.name, errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", cfg.Symbol))
	}
	prefix := strings.ToLower(venue)
	switch cfg.Endpoint {
	case schema.EndpointOrderBook:
		return prefix + "@depth@100ms", nil
	case schema.EndpointKline:
		return prefix + "@kline_" + wireInterval(cfg.Interval), nil
	case schema.EndpointTrades:
		return prefix + "@trade", nil
	case schema.EndpointTicker:
		return prefix + "@ticker", nil
	}
	return "", errs.NotSupported(a.v.name, "unsupported endpoint")
}

// wireInterval maps a canonical interval onto Binance's notation. Only the
// monthly bucket differs.
func wireInterval(iv schema.Interval) string {
	if iv == schema.Interval1mo {
		return "1M"
	}
	return string(iv)
}

func canonicalInterval(wire string) schema.Interval {
	if wire == "1M" {
		return schema.Interval1mo
	}
	return schema.Interval(wire)
}

func (a *Adapter) depthQuery(venueSymbol string) url.Values {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("limit", depthLimitString(a.v.depthLimit))
	return params
}

func depthLimitString(limit int) string {
	switch limit {
	case 1000:
		return "1000"
	default:
		return "500"
	}
}
