package marketws

import (
	"github.com/tidewave/marketws/internal/observability"
	"github.com/tidewave/marketws/internal/rest"
	"github.com/tidewave/marketws/internal/ws"
)

const (
	// TradingTypeSpot is the only market type served.
	TradingTypeSpot = "SPOT"

	// Retention defaults: accumulate up to 2500 kline bars or trades per
	// stream, expose the most recent 5 through GetCurrentData.
	defaultDataMaxLen   = 2500
	defaultResultMaxLen = 5
)

// Options collects client construction settings. Zero values fall back to
// the defaults applied by New.
type Options struct {
	TradingType  string
	TestMode     bool
	DataMaxLen   int
	ResultMaxLen int
	Debug        bool
	Logger       Logger
	HTTPClient   HTTPDoer

	dialer ws.Dialer
}

// Option mutates Options during New.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		TradingType:  TradingTypeSpot,
		TestMode:     false,
		DataMaxLen:   defaultDataMaxLen,
		ResultMaxLen: defaultResultMaxLen,
		Debug:        false,
		Logger:       nil,
		HTTPClient:   nil,
		dialer:       nil,
	}
}

// WithTradingType selects the market type. Only spot is supported.
func WithTradingType(tradingType string) Option {
	return func(o *Options) { o.TradingType = tradingType }
}

// WithTestMode points the adapter at the venue sandbox when one exists.
// Venues without a market-data sandbox log a notice and stay on production.
func WithTestMode() Option {
	return func(o *Options) { o.TestMode = true }
}

// WithDataMaxLen bounds per-stream retention. Clamped to the venue ceiling.
func WithDataMaxLen(n int) Option {
	return func(o *Options) { o.DataMaxLen = n }
}

// WithResultMaxLen bounds query result depth. Clamped to DataMaxLen.
func WithResultMaxLen(n int) Option {
	return func(o *Options) { o.ResultMaxLen = n }
}

// WithDebug installs a stderr debug logger unless WithLogger overrides it.
func WithDebug() Option {
	return func(o *Options) { o.Debug = true }
}

// WithLogger routes structured log output to the given logger.
func WithLogger(logger Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithHTTPClient substitutes the HTTP client used for venue REST calls.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(o *Options) { o.HTTPClient = doer }
}

func withDialer(dialer ws.Dialer) Option {
	return func(o *Options) { o.dialer = dialer }
}

func (o Options) applyGlobals() {
	switch {
	case o.Logger != nil:
		observability.SetLogger(o.Logger)
	case o.Debug:
		observability.SetLogger(observability.NewDebugLogger())
	}
}

// HTTPDoer is the HTTP execution seam used for venue REST calls.
type HTTPDoer = rest.Doer
