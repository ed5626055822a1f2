// Package kucoin implements the KuCoin spot market-data adapter. Websocket
// access is brokered by the bullet-public endpoint, which mints a short-lived
// token and the websocket host to dial.
package kucoin

import (
	"context"
	"sort"
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
	prodAPIBase = "https://api.kucoin.com"
	testAPIBase = "https://openapi-sandbox.kucoin.com"

	symbolsPath = "/api/v2/symbols"
	bulletPath  = "/api/v1/bullet-public"
	level2Path  = "/api/v1/market/orderbook/level2_100"
	maxStreams  = 100
	pongTimeout = 30 * time.Second
	defaultPing = 18 * time.Second
)

// wireIntervals is the KuCoin candle type notation for the canonical buckets
// the venue's websocket serves. 3d and 1mo have no candle channel.
var wireIntervals = map[schema.Interval]string{
	schema.Interval1m:  "1min",
	schema.Interval3m:  "3min",
	schema.Interval5m:  "5min",
	schema.Interval15m: "15min",
	schema.Interval30m: "30min",
	schema.Interval1h:  "1hour",
	schema.Interval2h:  "2hour",
	schema.Interval4h:  "4hour",
	schema.Interval6h:  "6hour",
	schema.Interval8h:  "8hour",
	schema.Interval12h: "12hour",
	schema.Interval1d:  "1day",
	schema.Interval1w:  "1week",
}

var canonicalIntervals = func() map[string]schema.Interval {
	out := make(map[string]schema.Interval, len(wireIntervals))
	for canonical, wire := range wireIntervals {
		out[wire] = canonical
	}
	return out
}()

func init() {
	adapters.Register("kucoin", func(cfg adapters.Config) (adapters.Adapter, error) {
		return newAdapter(cfg)
	})
}

// Adapter drives the KuCoin spot venue.
type Adapter struct {
	apiBase string
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
	streams, err := adapters.ValidateStreams("kucoin", cfg.Streams, limits, intervals)
	if err != nil {
		return nil, err
	}
	cfg.DataMaxLen, cfg.ResultMaxLen = adapters.ClampBounds(cfg.DataMaxLen, cfg.ResultMaxLen, limits)
	cfg.Streams = streams
	if cfg.REST == nil {
		return nil, errs.Config("kucoin", "rest client required")
	}
	a := &Adapter{
		apiBase: prodAPIBase,
		cfg:     cfg,
		streams: adapters.NewStreamSet("kucoin", streams, cfg.DataMaxLen, cfg.ResultMaxLen, false),
		symbols: adapters.NewSymbolTable(),
		catalog: nil,
		symMu:   sync.Mutex{},
	}
	if cfg.TestMode {
		a.apiBase = testAPIBase
	}
	a.catalog = rest.NewCatalogCache(0, func(ctx context.Context) ([]byte, error) {
		return cfg.REST.Get(ctx, a.apiBase, symbolsPath, nil)
	}, nil)
	return a, nil
}

// Name returns the registered exchange identifier.
func (a *Adapter) Name() string { return "kucoin" }

// APIURL returns the venue REST base in effect for this instance.
func (a *Adapter) APIURL() string { return a.apiBase }

// StoreKeys lists the stream keys this adapter writes.
func (a *Adapter) StoreKeys() []string { return a.streams.Keys() }

// ExchangeInfo returns the venue's raw symbol catalog.
func (a *Adapter) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return a.catalog.Get(ctx)
}

type symbolsPayload struct {
	Code string `json:"code"`
	Data []struct {
		Symbol        string `json:"symbol"`
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
		EnableTrading bool   `json:"enableTrading"`
	} `json:"data"`
}

// FullSymbolList returns every tradable symbol in unified BASE/QUOTE form.
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
	var catalog symbolsPayload
	if err := json.Unmarshal(payload, &catalog); err != nil {
		return errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse symbols"),
			errs.WithCause(err))
	}
	if catalog.Code != "200000" {
		return errs.New("kucoin", errs.CodeExchange,
			errs.WithMessage("symbols request rejected"),
			errs.WithRawCode(catalog.Code))
	}
	for _, sym := range catalog.Data {
		if !sym.EnableTrading {
			continue
		}
		a.symbols.Add(sym.BaseCurrency+"/"+sym.QuoteCurrency, sym.Symbol)
	}
	if a.symbols.Len() == 0 {
		return errs.New("kucoin", errs.CodeExchange, errs.WithMessage("symbols listed nothing tradable"))
	}
	return nil
}

type bulletPayload struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
			PingTimeout  int64  `json:"pingTimeout"`
			Protocol     string `json:"protocol"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// mintEndpoint trades a bullet-public call for a websocket URL. Tokens stay
// valid for the life of the connection, so every redial mints a fresh one.
func (a *Adapter) mintEndpoint(ctx context.Context) (string, time.Duration, error) {
	payload, err := a.cfg.REST.Post(ctx, a.apiBase, bulletPath)
	if err != nil {
		return "", 0, err
	}
	var bullet bulletPayload
	if err := json.Unmarshal(payload, &bullet); err != nil {
		return "", 0, errs.New("kucoin", errs.CodeDecode,
			errs.WithMessage("parse bullet response"),
			errs.WithCause(err))
	}
	if bullet.Code != "200000" || bullet.Data.Token == "" || len(bullet.Data.InstanceServers) == 0 {
		return "", 0, errs.New("kucoin", errs.CodeExchange,
			errs.WithMessage("bullet-public rejected"),
			errs.WithRawCode(bullet.Code))
	}
	server := bullet.Data.InstanceServers[0]
	pingEvery := defaultPing
	if server.PingInterval > 0 {
		pingEvery = time.Duration(server.PingInterval) * time.Millisecond
	}
	wsURL := server.Endpoint + "?token=" + bullet.Data.Token + "&connectId=" + uuid.NewString()
	return wsURL, pingEvery, nil
}

// Connections mints the initial endpoint to learn the server's ping cadence,
// then hands the transport a URL resolver that re-mints per dial.
func (a *Adapter) Connections(ctx context.Context) ([]adapters.ConnSpec, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	_, pingEvery, err := a.mintEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	return []adapters.ConnSpec{{
		Origin: "ws",
		URL: func(ctx context.Context) (string, error) {
			wsURL, _, err := a.mintEndpoint(ctx)
			return wsURL, err
		},
		OnOpen: func(ctx context.Context) ([][]byte, error) {
			return a.subscriptionFrames("subscribe")
		},
		OnClose: func(ctx context.Context) ([][]byte, error) {
			return a.subscriptionFrames("unsubscribe")
		},
		Ping: ws.PingPolicy{
			Kind:     ws.PingFrame,
			Interval: pingEvery,
			Timeout:  pongTimeout,
			Frame: func() []byte {
				frame, _ := json.Marshal(map[string]string{"id": uuid.NewString(), "type": "ping"})
				return frame
			},
		},
		Inflate:   nil,
		Control:   controlFrame,
		ReadLimit: 0,
	}}, nil
}

// controlFrame absorbs welcome, ack, pong, and error frames.
func controlFrame(frame []byte) ([]byte, bool, bool) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, false, false
	}
	switch msg.Type {
	case "pong":
		return nil, true, true
	case "welcome", "ack", "error":
		return nil, false, true
	}
	return nil, false, false
}

type wsRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

func (a *Adapter) subscriptionFrames(op string) ([][]byte, error) {
	frames := make([][]byte, 0, len(a.streams.All()))
	for _, state := range a.streams.All() {
		topic, err := a.topicName(state.Config)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(wsRequest{
			ID:             uuid.NewString(),
			Type:           op,
			Topic:          topic,
			PrivateChannel: false,
			Response:       true,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) topicName(cfg schema.StreamConfig) (string, error) {
	venue, ok := a.symbols.Venue(cfg.Symbol)
	if !ok {
		return "", errs.New("kucoin", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", cfg.Symbol))
	}
	switch cfg.Endpoint {
	case schema.EndpointOrderBook:
		return "/market/level2:" + venue, nil
	case schema.EndpointKline:
		return "/market/candles:" + venue + "_" + wireIntervals[cfg.Interval], nil
	case schema.EndpointTrades:
		return "/market/match:" + venue, nil
	case schema.EndpointTicker:
		return "/market/ticker:" + venue, nil
	}
	return "", errs.NotSupported("kucoin", "unsupported endpoint")
}

// Workers reports no auxiliary loops; every KuCoin endpoint streams natively.
func (a *Adapter) Workers(adapters.PublishFunc) []func(ctx context.Context) error {
	return nil
}

// ResetTransientState drops book reconstruction state after a reconnect.
func (a *Adapter) ResetTransientState(string) {
	a.streams.ResetBooks()
}
