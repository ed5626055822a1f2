// Package schema defines canonical market-data record types and stream helpers.
package schema

import "strings"

// Endpoint identifies a market-data stream family.
type Endpoint string

const (
	// EndpointOrderBook streams order-book snapshots and deltas.
	EndpointOrderBook Endpoint = "order_book"
	// EndpointKline streams candlestick bars.
	EndpointKline Endpoint = "kline"
	// EndpointTrades streams public trades.
	EndpointTrades Endpoint = "trades"
	// EndpointTicker streams 24h rolling ticker statistics.
	EndpointTicker Endpoint = "ticker"
)

// Endpoints lists every supported stream family.
func Endpoints() []Endpoint {
	return []Endpoint{EndpointOrderBook, EndpointKline, EndpointTrades, EndpointTicker}
}

// Valid reports whether the endpoint is recognised.
func (e Endpoint) Valid() bool {
	switch e {
	case EndpointOrderBook, EndpointKline, EndpointTrades, EndpointTicker:
		return true
	default:
		return false
	}
}

// NormalizeSymbol canonicalises a unified symbol to upper-case BASE/QUOTE form.
// It returns an empty string when the input is not a two-part slash symbol.
func NormalizeSymbol(symbol string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return ""
	}
	for _, part := range parts {
		if part == "" {
			return ""
		}
		for _, r := range part {
			if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
				return ""
			}
		}
	}
	return trimmed
}

// SymbolCurrencies splits a canonical BASE/QUOTE symbol into its parts.
func SymbolCurrencies(symbol string) (string, string, bool) {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return "", "", false
	}
	parts := strings.SplitN(normalized, "/", 2)
	return parts[0], parts[1], true
}
