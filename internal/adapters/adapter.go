// Package adapters defines the capability set every venue integration
// implements and the factory registry the facade resolves exchanges through.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/schema"
	"github.com/tidewave/marketws/internal/ws"
)

// PublishFunc delivers a raw frame from an auxiliary worker into the
// adapter's single decode path.
type PublishFunc func(ctx context.Context, origin string, frame []byte) error

// ConnSpec describes one websocket connection the facade should drive for
// the adapter.
type ConnSpec struct {
	// Origin labels frames from this connection, e.g. "ws" or "ws/business".
	Origin string
	URL    func(ctx context.Context) (string, error)
	// OnOpen returns subscribe frames; OnClose returns best-effort
	// unsubscribe frames sent during shutdown.
	OnOpen    func(ctx context.Context) ([][]byte, error)
	OnClose   func(ctx context.Context) ([][]byte, error)
	Ping      ws.PingPolicy
	Inflate   func(frame []byte) ([]byte, error)
	Control   func(frame []byte) (reply []byte, pong bool, handled bool)
	ReadLimit int64
}

// Adapter is the uniform capability surface for one exchange.
type Adapter interface {
	Name() string
	APIURL() string
	ExchangeInfo(ctx context.Context) ([]byte, error)
	FullSymbolList(ctx context.Context, sorted bool) ([]string, error)
	SymbolSupported(ctx context.Context, symbol string) (bool, error)

	// StoreKeys lists the snapshot keys the adapter writes, one per
	// configured stream.
	StoreKeys() []string

	// Connections lists the websocket connections to drive. Called once at
	// start; URL resolution inside each spec stays dynamic.
	Connections(ctx context.Context) ([]ConnSpec, error)
	// Workers returns auxiliary loops (REST pollers) that publish synthetic
	// frames into the decode path. May be empty.
	Workers(publish PublishFunc) []func(ctx context.Context) error
	// Decode translates one raw frame into canonical records. A nil, nil
	// return means the frame carried nothing for the subscribed streams.
	Decode(ctx context.Context, origin string, frame []byte) ([]*schema.Record, error)
	// ResetTransientState discards per-connection state (order-book deltas)
	// after the origin's transport reconnects.
	ResetTransientState(origin string)
}

// Limits captures per-venue configuration ceilings.
type Limits struct {
	MaxStreams  int
	DataCeiling int
}

// Config carries validated construction parameters into a venue factory.
type Config struct {
	Streams      []schema.StreamConfig
	TestMode     bool
	DataMaxLen   int
	ResultMaxLen int
	REST         *rest.Client
}

// Factory builds a venue adapter from validated configuration.
type Factory func(cfg Config) (Adapter, error)

var registry = map[string]Factory{}

// Register installs a venue factory under its exchange identifier. Venue
// packages call this from init.
func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		panic("adapters: register requires a name and factory")
	}
	if _, dup := registry[key]; dup {
		panic(fmt.Sprintf("adapters: duplicate registration for %q", key))
	}
	registry[key] = factory
}

// Supported lists registered exchange identifiers in sorted order.
func Supported() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New resolves the exchange factory and builds its adapter.
func New(name string, cfg Config) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	factory, ok := registry[key]
	if !ok {
		return nil, errs.New(key, errs.CodeConfig,
			errs.WithMessage("unsupported exchange"),
			errs.WithVenueField("supported", strings.Join(Supported(), ",")))
	}
	return factory(cfg)
}

// ValidateStreams enforces shared structural checks plus the venue's stream
// ceiling and interval subset. Venue factories call it before building.
func ValidateStreams(exchange string, streams []schema.StreamConfig, limits Limits, intervals map[schema.Interval]struct{}) ([]schema.StreamConfig, error) {
	if len(streams) == 0 {
		return nil, errs.New(exchange, errs.CodeConfig, errs.WithMessage("at least one stream required"))
	}
	if limits.MaxStreams > 0 && len(streams) > limits.MaxStreams {
		return nil, errs.New(exchange, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("stream count %d exceeds venue limit %d", len(streams), limits.MaxStreams)),
			errs.WithCanonicalCode(errs.CanonicalStreamLimit))
	}
	out := make([]schema.StreamConfig, len(streams))
	seen := make(map[string]struct{}, len(streams))
	for i := range streams {
		stream := streams[i]
		if err := stream.Validate(); err != nil {
			return nil, err
		}
		if stream.Endpoint == schema.EndpointKline && intervals != nil {
			if _, ok := intervals[stream.Interval]; !ok {
				return nil, errs.New(exchange, errs.CodeConfig,
					errs.WithMessage("interval not supported by venue"),
					errs.WithCanonicalCode(errs.CanonicalInvalidInterval),
					errs.WithVenueField("interval", string(stream.Interval)))
			}
		}
		key := stream.Key()
		if _, dup := seen[key]; dup {
			return nil, errs.New(exchange, errs.CodeConfig,
				errs.WithMessage("duplicate stream descriptor"),
				errs.WithVenueField("stream", key))
		}
		seen[key] = struct{}{}
		out[i] = stream
	}
	return out, nil
}

// ClampBounds applies the venue data ceiling and the result<=data rule.
func ClampBounds(dataMaxLen, resultMaxLen int, limits Limits) (int, int) {
	ceiling := limits.DataCeiling
	if ceiling <= 0 {
		ceiling = 2500
	}
	if dataMaxLen > ceiling {
		dataMaxLen = ceiling
	}
	if dataMaxLen < 1 {
		dataMaxLen = 1
	}
	if resultMaxLen > dataMaxLen {
		resultMaxLen = dataMaxLen
	}
	if resultMaxLen < 1 {
		resultMaxLen = 1
	}
	return dataMaxLen, resultMaxLen
}
