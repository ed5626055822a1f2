package marketws

import (
	"time"

	"github.com/tidewave/marketws/internal/schema"
)

const (
	bookStaleness  = 5 * time.Minute
	tradeStaleness = 45 * time.Minute
	// Kline staleness scales with the interval; a quiet daily candle is not
	// a dead connection.
	klineStalenessFactor = 5
)

// IsConnectionsOK reports whether every websocket is connected and every
// stream has produced data recently enough for its endpoint. Streams that
// have produced nothing yet are measured from the client's start time.
func (c *Client) IsConnectionsOK(now time.Time) bool {
	c.mu.Lock()
	started := c.started && !c.stopped
	startAt := c.startAt
	transports := c.transports
	c.mu.Unlock()
	if !started {
		return false
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for _, transport := range transports {
		if connected, _ := transport.Connected(); !connected {
			return false
		}
	}

	for _, stream := range c.streams {
		lastSeen, err := c.store.LastSeen(stream.Key())
		if err != nil {
			return false
		}
		if lastSeen.IsZero() {
			lastSeen = startAt
		}
		if now.Sub(lastSeen) > stalenessBound(stream) {
			return false
		}
	}
	return true
}

func stalenessBound(stream StreamConfig) time.Duration {
	switch stream.Endpoint {
	case schema.EndpointOrderBook:
		return bookStaleness
	case schema.EndpointKline:
		return klineStalenessFactor * stream.Interval.Duration()
	default:
		return tradeStaleness
	}
}
