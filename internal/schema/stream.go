package schema

import (
	"strings"

	"github.com/tidewave/marketws/errs"
)

// StreamConfig describes one requested market-data stream.
type StreamConfig struct {
	Endpoint Endpoint `json:"endpoint"`
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval,omitempty"`
}

// Validate normalises the stream config in place and reports structural errors.
// Venue-specific checks (symbol catalog membership, interval subsets, stream
// ceilings) happen in the adapter layer.
func (s *StreamConfig) Validate() error {
	if s == nil {
		return errs.New("schema/stream", errs.CodeConfig, errs.WithMessage("stream config required"))
	}
	if !s.Endpoint.Valid() {
		return errs.New("schema/stream", errs.CodeConfig,
			errs.WithMessage("unsupported endpoint"),
			errs.WithVenueField("endpoint", string(s.Endpoint)))
	}
	normalized := NormalizeSymbol(s.Symbol)
	if normalized == "" {
		return errs.New("schema/stream", errs.CodeConfig,
			errs.WithMessage("symbol must follow BASE/QUOTE"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", s.Symbol))
	}
	s.Symbol = normalized
	switch s.Endpoint {
	case EndpointKline:
		if !s.Interval.Valid() {
			return errs.New("schema/stream", errs.CodeConfig,
				errs.WithMessage("kline streams require a supported interval"),
				errs.WithCanonicalCode(errs.CanonicalInvalidInterval),
				errs.WithVenueField("interval", string(s.Interval)))
		}
	default:
		s.Interval = ""
	}
	return nil
}

// Key derives the deterministic store key for the stream. Two configs with the
// same endpoint, symbol, and interval always collapse onto the same key.
func (s StreamConfig) Key() string {
	return StreamKey(s.Endpoint, s.Symbol, s.Interval)
}

// StreamKey builds the store key for an endpoint, unified symbol, and interval.
// The symbol contributes without its slash and lower-cased; non-kline streams
// use the literal "none" interval segment.
func StreamKey(endpoint Endpoint, symbol string, interval Interval) string {
	sym := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	iv := string(interval)
	if iv == "" {
		iv = "none"
	}
	return "stream_" + string(endpoint) + "_" + sym + "_" + iv
}
