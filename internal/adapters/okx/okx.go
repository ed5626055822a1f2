// Package okx implements the OKX spot market-data adapter. Books, trades, and
// tickers stream over the public websocket; candles live on the business
// endpoint, so kline subscriptions open a second connection.
package okx

import (
	"bytes"
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

const (
	apiBase       = "https://www.okx.com"
	publicWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
	businessWSURL = "wss://ws.okx.com:8443/ws/v5/business"

	instrumentsPath = "/api/v5/public/instruments"
	booksPath       = "/api/v5/market/books"

	originPublic   = "ws/public"
	originBusiness = "ws/business"

	maxStreams   = 480
	pingInterval = 25 * time.Second
	pongTimeout  = 30 * time.Second
)

// wireIntervals is the OKX candle channel suffix for the canonical buckets
// the venue serves. Hour-and-above buckets are UTC-anchored uppercase; 8h has
// no OKX equivalent.
var wireIntervals = map[schema.Interval]string{
	schema.Interval1m:  "1m",
	schema.Interval3m:  "3m",
	schema.Interval5m:  "5m",
	schema.Interval15m: "15m",
	schema.Interval30m: "30m",
	schema.Interval1h:  "1H",
	schema.Interval2h:  "2H",
	schema.Interval4h:  "4H",
	schema.Interval6h:  "6H",
	schema.Interval12h: "12H",
	schema.Interval1d:  "1D",
	schema.Interval3d:  "3D",
	schema.Interval1w:  "1W",
	schema.Interval1mo: "1M",
}

var canonicalIntervals = func() map[string]schema.Interval {
	out := make(map[string]schema.Interval, len(wireIntervals))
	for canonical, wire := range wireIntervals {
		out[wire] = canonical
	}
	return out
}()

func init() {
	adapters.Register("okx", func(cfg adapters.Config) (adapters.Adapter, error) {
		return newAdapter(cfg)
	})
}

// Adapter drives the OKX spot venue.
type Adapter struct {
	cfg     adapters.Config
	streams *adapters.StreamSet
	symbols *adapters.SymbolTable
	catalog *rest.CatalogCache

	symMu sync.Mutex
}

func newAdapter(cfg adapters.Config) (adapters.Adapter, error) {
	limits := adapters.Limits{MaxStreams: maxStreams, DataCeiling: 0}
	intervals := make(map[schema.Interval]struct{}, len(wireIntervals))
	for iv := range wireIntervals {
		intervals[iv] = struct{}{}
	}
	streams, err := adapters.ValidateStreams("okx", cfg.Streams, limits, intervals)
	if err != nil {
		return nil, err
	}
	cfg.DataMaxLen, cfg.ResultMaxLen = adapters.ClampBounds(cfg.DataMaxLen, cfg.ResultMaxLen, limits)
	cfg.Streams = streams
	if cfg.REST == nil {
		return nil, errs.Config("okx", "rest client required")
	}
	if cfg.TestMode {
		// No public sandbox serves spot market data; stay on production.
		observability.Log().Info("okx has no market-data sandbox, using production endpoints",
			observability.Field{Key: "exchange", Value: "okx"})
		cfg.TestMode = false
	}
	a := &Adapter{
		cfg:     cfg,
		streams: adapters.NewStreamSet("okx", streams, cfg.DataMaxLen, cfg.ResultMaxLen, false),
		symbols: adapters.NewSymbolTable(),
		catalog: nil,
		symMu:   sync.Mutex{},
	}
	a.catalog = rest.NewCatalogCache(0, func(ctx context.Context) ([]byte, error) {
		params := url.Values{}
		params.Set("instType", "SPOT")
		return cfg.REST.Get(ctx, apiBase, instrumentsPath, params)
	}, nil)
	return a, nil
}

// Name returns the registered exchange identifier.
func (a *Adapter) Name() string { return "okx" }

// APIURL returns the venue REST base.
func (a *Adapter) APIURL() string { return apiBase }

// StoreKeys lists the stream keys this adapter writes.
func (a *Adapter) StoreKeys() []string { return a.streams.Keys() }

// ExchangeInfo returns the venue's raw instrument catalog.
func (a *Adapter) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return a.catalog.Get(ctx)
}

type instrumentsPayload struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID   string `json:"instId"`
		BaseCcy  string `json:"baseCcy"`
		QuoteCcy string `json:"quoteCcy"`
		State    string `json:"state"`
	} `json:"data"`
}

// FullSymbolList returns every live instrument in unified BASE/QUOTE form.
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
		return errs.New("okx", errs.CodeDecode,
			errs.WithMessage("parse instruments"),
			errs.WithCause(err))
	}
	if catalog.Code != "0" {
		return errs.New("okx", errs.CodeExchange,
			errs.WithMessage("instruments request rejected"),
			errs.WithRawCode(catalog.Code),
			errs.WithRawMessage(catalog.Msg))
	}
	for _, inst := range catalog.Data {
		if !strings.EqualFold(inst.State, "live") {
			continue
		}
		a.symbols.Add(inst.BaseCcy+"/"+inst.QuoteCcy, inst.InstID)
	}
	if a.symbols.Len() == 0 {
		return errs.New("okx", errs.CodeExchange, errs.WithMessage("instruments listed no live symbols"))
	}
	return nil
}

// Connections opens the public websocket and, when klines are subscribed, the
// business websocket as well.
func (a *Adapter) Connections(ctx context.Context) ([]adapters.ConnSpec, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	var publicStreams, businessStreams []*adapters.StreamState
	for _, state := range a.streams.All() {
		if state.Config.Endpoint == schema.EndpointKline {
			businessStreams = append(businessStreams, state)
		} else {
			publicStreams = append(publicStreams, state)
		}
	}
	var specs []adapters.ConnSpec
	if len(publicStreams) > 0 {
		specs = append(specs, a.connSpec(originPublic, publicWSURL, publicStreams))
	}
	if len(businessStreams) > 0 {
		specs = append(specs, a.connSpec(originBusiness, businessWSURL, businessStreams))
	}
	return specs, nil
}

func (a *Adapter) connSpec(origin, wsURL string, states []*adapters.StreamState) adapters.ConnSpec {
	return adapters.ConnSpec{
		Origin: origin,
		URL: func(context.Context) (string, error) {
			return wsURL, nil
		},
		OnOpen: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.opFrame("subscribe", states)
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		},
		OnClose: func(ctx context.Context) ([][]byte, error) {
			frame, err := a.opFrame("unsubscribe", states)
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
				return []byte("ping")
			},
		},
		Inflate:   nil,
		Control:   controlFrame,
		ReadLimit: 0,
	}
}

// controlFrame absorbs the literal pong text and event acknowledgements.
func controlFrame(frame []byte) ([]byte, bool, bool) {
	if bytes.Equal(bytes.TrimSpace(frame), []byte("pong")) {
		return nil, true, true
	}
	var event struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil, false, false
	}
	if event.Event == "" {
		return nil, false, false
	}
	if event.Event == "error" {
		observability.Log().Error("okx subscription error",
			observability.Field{Key: "exchange", Value: "okx"},
			observability.Field{Key: "message", Value: event.Msg})
	}
	return nil, false, true
}

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type opRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

func (a *Adapter) opFrame(op string, states []*adapters.StreamState) ([]byte, error) {
	args := make([]channelArg, 0, len(states))
	for _, state := range states {
		arg, err := a.channelArg(state.Config)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return json.Marshal(opRequest{Op: op, Args: args})
}

func (a *Adapter) channelArg(cfg schema.StreamConfig) (channelArg, error) {
	venue, ok := a.symbols.Venue(cfg.Symbol)
	if !ok {
		return channelArg{}, errs.New("okx", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", cfg.Symbol))
	}
	switch cfg.Endpoint {
	case schema.EndpointOrderBook:
		return channelArg{Channel: "books", InstID: venue}, nil
	case schema.EndpointKline:
		return channelArg{Channel: "candle" + wireIntervals[cfg.Interval], InstID: venue}, nil
	case schema.EndpointTrades:
		return channelArg{Channel: "trades", InstID: venue}, nil
	case schema.EndpointTicker:
		return channelArg{Channel: "tickers", InstID: venue}, nil
	}
	return channelArg{}, errs.NotSupported("okx", "unsupported endpoint")
}

// Workers reports no auxiliary loops; every OKX endpoint streams natively.
func (a *Adapter) Workers(adapters.PublishFunc) []func(ctx context.Context) error {
	return nil
}

// ResetTransientState drops book reconstruction state when the public
// connection bounces. The business connection carries no sequenced state.
func (a *Adapter) ResetTransientState(origin string) {
	if origin == originPublic {
		a.streams.ResetBooks()
	}
}
