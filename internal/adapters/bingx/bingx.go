// Package bingx implements the BingX spot market-data adapter. Depth and
// kline data stream over the gzip-compressed websocket; the venue publishes
// no public trade or ticker stream, so those endpoints poll REST and feed the
// same decode path.
package bingx

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

const (
	apiBase = "https://open-api.bingx.com"
	wsURL   = "wss://open-api-ws.bingx.com/market"

	symbolsPath = "/openApi/spot/v1/common/symbols"
	tradesPath  = "/openApi/spot/v1/market/trades"
	tickerPath  = "/openApi/spot/v1/ticker/24hr"

	maxStreams = 1024
	// The public REST surface tolerates two requests per second; every
	// polling worker shares one limiter.
	pollRate = 2
)

func init() {
	adapters.Register("bingx", func(cfg adapters.Config) (adapters.Adapter, error) {
		return newAdapter(cfg)
	})
}

// Adapter drives the BingX spot venue.
type Adapter struct {
	cfg     adapters.Config
	streams *adapters.StreamSet
	symbols *adapters.SymbolTable
	catalog *rest.CatalogCache
	limiter *rate.Limiter

	symMu sync.Mutex

	// bookSeq numbers depth pushes per stream key; the venue restreams full
	// snapshots with no sequence of its own.
	seqMu   sync.Mutex
	bookSeq map[string]uint64
}

func newAdapter(cfg adapters.Config) (adapters.Adapter, error) {
	limits := adapters.Limits{MaxStreams: maxStreams, DataCeiling: 0}
	// The websocket serves one-minute candles only.
	intervals := map[schema.Interval]struct{}{schema.Interval1m: {}}
	streams, err := adapters.ValidateStreams("bingx", cfg.Streams, limits, intervals)
	if err != nil {
		return nil, err
	}
	cfg.DataMaxLen, cfg.ResultMaxLen = adapters.ClampBounds(cfg.DataMaxLen, cfg.ResultMaxLen, limits)
	cfg.Streams = streams
	if cfg.REST == nil {
		return nil, errs.Config("bingx", "rest client required")
	}
	if cfg.TestMode {
		// No sandbox exists for this venue; stay on production.
		observability.Log().Info("bingx has no market-data sandbox, using production endpoints",
			observability.Field{Key: "exchange", Value: "bingx"})
		cfg.TestMode = false
	}
	a := &Adapter{
		cfg:     cfg,
		streams: adapters.NewStreamSet("bingx", streams, cfg.DataMaxLen, cfg.ResultMaxLen, true),
		symbols: adapters.NewSymbolTable(),
		catalog: nil,
		limiter: rate.NewLimiter(pollRate, 1),
		symMu:   sync.Mutex{},
		seqMu:   sync.Mutex{},
		bookSeq: make(map[string]uint64),
	}
	a.catalog = rest.NewCatalogCache(0, func(ctx context.Context) ([]byte, error) {
		return cfg.REST.Get(ctx, apiBase, symbolsPath, nil)
	}, nil)
	return a, nil
}

// Name returns the registered exchange identifier.
func (a *Adapter) Name() string { return "bingx" }

// APIURL returns the venue REST base.
func (a *Adapter) APIURL() string { return apiBase }

// StoreKeys lists the stream keys this adapter writes.
func (a *Adapter) StoreKeys() []string { return a.streams.Keys() }

// ExchangeInfo returns the venue's raw symbol catalog.
func (a *Adapter) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return a.catalog.Get(ctx)
}

type symbolsPayload struct {
	Code int `json:"code"`
	Data struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status int    `json:"status"`
		} `json:"symbols"`
	} `json:"data"`
}

// FullSymbolList returns every online symbol in unified BASE/QUOTE form.
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
		return errs.New("bingx", errs.CodeDecode,
			errs.WithMessage("parse symbols"),
			errs.WithCause(err))
	}
	if catalog.Code != 0 {
		return errs.New("bingx", errs.CodeExchange,
			errs.WithMessage("symbols request rejected"),
			errs.WithRawCode(strconv.Itoa(catalog.Code)))
	}
	for _, sym := range catalog.Data.Symbols {
		if sym.Status != 1 {
			continue
		}
		base, quote, ok := strings.Cut(sym.Symbol, "-")
		if !ok {
			continue
		}
		a.symbols.Add(base+"/"+quote, sym.Symbol)
	}
	if a.symbols.Len() == 0 {
		return errs.New("bingx", errs.CodeExchange, errs.WithMessage("symbols listed nothing online"))
	}
	return nil
}

// Connections describes the gzip market websocket when any stream needs it.
// Purely polled configurations (trades and ticker only) skip the socket.
func (a *Adapter) Connections(ctx context.Context) ([]adapters.ConnSpec, error) {
	if err := a.ensureSymbols(ctx); err != nil {
		return nil, err
	}
	if len(a.wsStreams()) == 0 {
		return nil, nil
	}
	return []adapters.ConnSpec{{
		Origin: "ws",
		URL: func(context.Context) (string, error) {
			return wsURL, nil
		},
		OnOpen: func(ctx context.Context) ([][]byte, error) {
			return a.subscriptionFrames("sub")
		},
		OnClose: func(ctx context.Context) ([][]byte, error) {
			return a.subscriptionFrames("unsub")
		},
		Ping: ws.PingPolicy{
			Kind:     ws.PingNone,
			Interval: 0,
			Timeout:  0,
			Frame:    nil,
		},
		Inflate:   ws.InflateGzip,
		Control:   controlFrame,
		ReadLimit: 0,
	}}, nil
}

func (a *Adapter) wsStreams() []*adapters.StreamState {
	var out []*adapters.StreamState
	for _, state := range a.streams.All() {
		switch state.Config.Endpoint {
		case schema.EndpointOrderBook, schema.EndpointKline:
			out = append(out, state)
		}
	}
	return out
}

// controlFrame echoes the venue heartbeat. Receiving a ping proves the
// connection is alive, so it also refreshes the pong deadline.
func controlFrame(frame []byte) ([]byte, bool, bool) {
	var heartbeat struct {
		Ping string `json:"ping"`
		Time string `json:"time"`
	}
	if err := json.Unmarshal(frame, &heartbeat); err != nil {
		return nil, false, false
	}
	if heartbeat.Ping == "" {
		return nil, false, false
	}
	reply, _ := json.Marshal(map[string]string{"pong": heartbeat.Ping, "time": heartbeat.Time})
	return reply, true, true
}

type wsRequest struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

func (a *Adapter) subscriptionFrames(reqType string) ([][]byte, error) {
	states := a.wsStreams()
	frames := make([][]byte, 0, len(states))
	for _, state := range states {
		dataType, err := a.dataType(state.Config)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(wsRequest{ID: uuid.NewString(), ReqType: reqType, DataType: dataType})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) dataType(cfg schema.StreamConfig) (string, error) {
	venue, ok := a.symbols.Venue(cfg.Symbol)
	if !ok {
		return "", errs.New("bingx", errs.CodeInvalid,
			errs.WithMessage("symbol not listed by venue"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", cfg.Symbol))
	}
	switch cfg.Endpoint {
	case schema.EndpointOrderBook:
		return venue + "@depth", nil
	case schema.EndpointKline:
		return venue + "@kline_1min", nil
	case schema.EndpointTrades:
		return venue + "@trade", nil
	case schema.EndpointTicker:
		return venue + "@ticker", nil
	}
	return "", errs.NotSupported("bingx", "unsupported endpoint")
}

// nextBookSeq numbers synthetic depth snapshots for one stream.
func (a *Adapter) nextBookSeq(key string) uint64 {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()
	a.bookSeq[key]++
	return a.bookSeq[key]
}

// ResetTransientState drops book state and snapshot numbering on reconnect.
func (a *Adapter) ResetTransientState(string) {
	a.streams.ResetBooks()
	a.seqMu.Lock()
	a.bookSeq = make(map[string]uint64)
	a.seqMu.Unlock()
}
