// Package marketws aggregates public spot market data from multiple
// exchange websockets into one canonical, queryable snapshot per stream.
// A Client owns the venue adapter, the websocket transports, any REST
// polling workers, and the snapshot store; callers read the latest state
// through GetCurrentData.
package marketws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/adapters"
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/relay"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/snapshot"
	"github.com/tidewave/marketws/internal/ws"
	"github.com/tidewave/marketws/lib/async"
)

// Canonical types re-exported for callers.
type (
	StreamConfig = schema.StreamConfig
	Record       = schema.Record
	Endpoint     = schema.Endpoint
	Interval     = schema.Interval
	Book         = schema.Book
	KlineBar     = schema.KlineBar
	Trade        = schema.Trade
	Ticker       = schema.Ticker
	PriceLevel   = schema.PriceLevel
	Logger       = observability.Logger
	LogField     = observability.Field

	// StreamMetricsSnapshot is the per-stream counter report from StreamMetrics.
	StreamMetricsSnapshot = observability.StreamMetricsSnapshot
)

// Stream endpoint families.
const (
	EndpointOrderBook = schema.EndpointOrderBook
	EndpointKline     = schema.EndpointKline
	EndpointTrades    = schema.EndpointTrades
	EndpointTicker    = schema.EndpointTicker
)

const (
	hubBuffer = 256
	// Budgets for graceful shutdown: unsubscribe frames get 40s, worker
	// join gets 45s before Stop abandons stragglers.
	unsubscribeTimeout = 40 * time.Second
	defaultJoinTimeout = 45 * time.Second
)

// Client streams one exchange's market data for a fixed set of streams.
// Construct with New, run with Start, query with GetCurrentData.
type Client struct {
	exchange string
	streams  []StreamConfig
	opts     Options
	adapter  adapters.Adapter
	store    *snapshot.Store
	metrics  *observability.RuntimeMetrics

	mu         sync.Mutex
	runner     *async.Runner
	hub        *relay.Hub
	transports []*ws.Transport
	conns      []adapters.ConnSpec
	startAt    time.Time
	started    bool
	stopped    bool
}

// New validates the configuration, resolves the venue adapter, and
// pre-declares the snapshot store. It performs one catalog fetch to verify
// every requested symbol is listed.
func New(exchange string, streams []StreamConfig, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	options.applyGlobals()

	name := strings.ToLower(strings.TrimSpace(exchange))
	if !strings.EqualFold(strings.TrimSpace(options.TradingType), TradingTypeSpot) {
		return nil, errs.New(name, errs.CodeConfig,
			errs.WithMessage("only spot trading is supported"),
			errs.WithVenueField("trading_type", options.TradingType))
	}

	adapter, err := adapters.New(name, adapters.Config{
		Streams:      streams,
		TestMode:     options.TestMode,
		DataMaxLen:   options.DataMaxLen,
		ResultMaxLen: options.ResultMaxLen,
		REST:         rest.NewClient(options.HTTPClient, nil),
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	checked := make(map[string]struct{}, len(streams))
	for _, stream := range streams {
		symbol := schema.NormalizeSymbol(stream.Symbol)
		if _, done := checked[symbol]; done {
			continue
		}
		checked[symbol] = struct{}{}
		supported, err := adapter.SymbolSupported(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if !supported {
			return nil, errs.New(name, errs.CodeConfig,
				errs.WithMessage("symbol not listed by exchange"),
				errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
				errs.WithVenueField("symbol", stream.Symbol))
		}
	}

	client := &Client{
		exchange:   name,
		streams:    append([]StreamConfig(nil), streams...),
		opts:       options,
		adapter:    adapter,
		store:      snapshot.NewStore(adapter.StoreKeys()),
		metrics:    observability.NewRuntimeMetrics(),
		mu:         sync.Mutex{},
		runner:     nil,
		hub:        nil,
		transports: nil,
		conns:      nil,
		startAt:    time.Time{},
		started:    false,
		stopped:    false,
	}
	return client, nil
}

// Start connects the venue websockets, launches any REST polling workers,
// and begins writing decoded records into the snapshot store. It returns
// once every websocket has connected for the first time.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errs.New(c.exchange, errs.CodeUnavailable, errs.WithMessage("client already stopped"))
	}
	if c.started {
		return errs.New(c.exchange, errs.CodeInvalid, errs.WithMessage("client already started"))
	}

	conns, err := c.adapter.Connections(ctx)
	if err != nil {
		return err
	}

	c.runner = async.NewRunner(ctx)
	c.hub = relay.NewHub(hubBuffer)
	c.conns = conns
	c.transports = make([]*ws.Transport, 0, len(conns))

	c.runner.Go("decode", c.consume)

	for _, spec := range conns {
		transport := c.newTransport(spec)
		c.transports = append(c.transports, transport)
		c.runner.Go("transport/"+spec.Origin, transport.Run)
	}
	for i, worker := range c.adapter.Workers(c.hub.Publish) {
		c.runner.Go(fmt.Sprintf("worker/%d", i), worker)
	}

	for _, transport := range c.transports {
		if err := transport.WaitReady(ctx); err != nil {
			c.hub.Close()
			_ = c.runner.Stop(time.Second)
			c.started = false
			return errs.New(c.exchange, errs.CodeNetwork,
				errs.WithMessage("websocket bootstrap failed"),
				errs.WithCause(err))
		}
	}

	c.startAt = time.Now().UTC()
	c.started = true
	observability.Log().Info("client started",
		observability.Field{Key: "exchange", Value: c.exchange},
		observability.Field{Key: "streams", Value: len(c.streams)})
	return nil
}

func (c *Client) newTransport(spec adapters.ConnSpec) *ws.Transport {
	origin := spec.Origin
	hub := c.hub
	return ws.NewTransport(ws.Config{
		Name:    c.exchange + "/" + origin,
		URL:     spec.URL,
		OnOpen:  spec.OnOpen,
		Handler: func(ctx context.Context, frame []byte) { _ = hub.Publish(ctx, origin, frame) },
		Control: spec.Control,
		Inflate: spec.Inflate,
		OnReconnect: func() {
			c.adapter.ResetTransientState(origin)
			c.metrics.RecordReconnect(origin)
		},
		Ping:                 spec.Ping,
		ReadLimit:            spec.ReadLimit,
		FrameGap:             0,
		MaxReconnectInterval: 0,
	}, c.opts.dialer, nil)
}

// consume is the single decode loop. Every frame from every origin funnels
// through here, so each store key has exactly one writer.
func (c *Client) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.hub.Frames():
			if !ok {
				return nil
			}
			c.decodeFrame(ctx, frame)
		}
	}
}

func (c *Client) decodeFrame(ctx context.Context, frame relay.Frame) {
	began := time.Now()
	records, err := c.adapter.Decode(ctx, frame.Origin, frame.Data)
	elapsed := time.Since(began)
	labels := map[string]string{"exchange": c.exchange}
	if err != nil {
		observability.Telemetry().IncCounter(observability.MetricDecodeErrors, 1, labels)
		c.metrics.RecordDecodeError(frame.Origin)
		observability.Log().Error("decode failed",
			observability.Field{Key: "exchange", Value: c.exchange},
			observability.Field{Key: "origin", Value: frame.Origin},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if len(records) == 0 {
		return
	}
	observability.Telemetry().ObserveHistogram(observability.MetricDecodeLatency, float64(elapsed.Microseconds())/1000, labels)
	now := time.Now().UTC()
	for _, record := range records {
		record.MinDecodeTime = elapsed
		record.MaxDecodeTime = elapsed
		key := schema.StreamKey(record.Endpoint, record.Symbol, record.Interval)
		if err := c.store.Put(key, record, now); err != nil {
			observability.Log().Error("store write failed",
				observability.Field{Key: "stream", Value: key},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		observability.Telemetry().IncCounter(observability.MetricFramesDecoded, 1,
			map[string]string{"exchange": c.exchange, "endpoint": string(record.Endpoint), "stream": key})
		c.metrics.RecordFrame(key)
	}
}

// Stop unsubscribes best-effort, joins every worker within grace, and
// closes the store. A non-positive grace uses the default join budget.
// Stop is idempotent.
func (c *Client) Stop(grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.started {
		c.stopped = true
		return nil
	}
	c.stopped = true
	if grace <= 0 {
		grace = defaultJoinTimeout
	}

	unsubCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	var unsubErrs []error
	for i, spec := range c.conns {
		if spec.OnClose == nil {
			continue
		}
		frames, err := spec.OnClose(unsubCtx)
		if err != nil {
			unsubErrs = append(unsubErrs, err)
			continue
		}
		for _, frame := range frames {
			if err := c.transports[i].Send(unsubCtx, frame); err != nil {
				unsubErrs = append(unsubErrs, err)
				break
			}
		}
	}
	cancel()
	// Unsubscribes are best-effort; the venue drops subscriptions with the
	// socket anyway.
	_ = observability.AggregateErrors("unsubscribe", unsubErrs,
		observability.Field{Key: "exchange", Value: c.exchange})

	c.hub.Close()
	err := c.runner.Stop(grace)
	c.store.Close()
	observability.Log().Info("client stopped",
		observability.Field{Key: "exchange", Value: c.exchange})
	return err
}

// GetCurrentData returns a copy of the latest canonical record for the
// stream. A declared stream with no data yet returns (nil, nil); an
// undeclared stream is an error.
func (c *Client) GetCurrentData(endpoint Endpoint, symbol string, interval Interval) (*Record, error) {
	normalized := schema.NormalizeSymbol(symbol)
	if normalized == "" {
		normalized = symbol
	}
	return c.store.Get(schema.StreamKey(endpoint, normalized, interval))
}

// GetExchangeInfo returns the venue's raw symbol catalog, cached with a
// two-hour TTL inside the adapter.
func (c *Client) GetExchangeInfo(ctx context.Context) ([]byte, error) {
	return c.adapter.ExchangeInfo(ctx)
}

// GetExchangeFullListSymbols lists every tradeable symbol in unified
// BASE/QUOTE form.
func (c *Client) GetExchangeFullListSymbols(ctx context.Context, sorted bool) ([]string, error) {
	return c.adapter.FullSymbolList(ctx, sorted)
}

// StreamMetrics reports the client's accumulated per-stream counters:
// decoded frames and book resyncs by stream key, decode errors and
// reconnects by transport origin.
func (c *Client) StreamMetrics() StreamMetricsSnapshot {
	return c.metrics.Snapshot()
}

// Exchange returns the resolved exchange identifier.
func (c *Client) Exchange() string { return c.exchange }

// APIURL returns the venue REST base the adapter targets.
func (c *Client) APIURL() string { return c.adapter.APIURL() }

// SupportedExchanges lists every registered exchange identifier.
func SupportedExchanges() []string { return adapters.Supported() }

// SupportedEndpoints lists the stream endpoint families.
func SupportedEndpoints() []Endpoint { return schema.Endpoints() }

// SupportedIntervals lists the canonical kline intervals in ascending
// duration order. Venues may accept a subset, enforced at New.
func SupportedIntervals() []Interval { return schema.Intervals() }
