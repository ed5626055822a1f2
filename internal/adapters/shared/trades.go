package shared

import (
	"sync"

	"github.com/tidewave/marketws/internal/schema"
)

// TradeFIFO retains the most recent capacity trades in arrival order.
// Deduplication by trade id is optional; the Bingx REST-polled path needs it
// because consecutive polls overlap.
type TradeFIFO struct {
	mu       sync.Mutex
	capacity int
	dedup    bool
	trades   []schema.Trade
	seen     map[string]struct{}
}

// NewTradeFIFO constructs a FIFO of the given capacity (minimum 1).
func NewTradeFIFO(capacity int, dedup bool) *TradeFIFO {
	if capacity < 1 {
		capacity = 1
	}
	fifo := &TradeFIFO{
		mu:       sync.Mutex{},
		capacity: capacity,
		dedup:    dedup,
		trades:   make([]schema.Trade, 0, capacity),
		seen:     nil,
	}
	if dedup {
		fifo.seen = make(map[string]struct{}, capacity)
	}
	return fifo
}

// Push appends a trade, evicting the oldest when full. Returns false when the
// trade was suppressed as a duplicate.
func (f *TradeFIFO) Push(trade schema.Trade) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dedup && trade.TradeID != "" {
		if _, dup := f.seen[trade.TradeID]; dup {
			return false
		}
	}
	if len(f.trades) >= f.capacity {
		evicted := f.trades[0]
		copy(f.trades, f.trades[1:])
		f.trades = f.trades[:len(f.trades)-1]
		if f.dedup && evicted.TradeID != "" {
			delete(f.seen, evicted.TradeID)
		}
	}
	f.trades = append(f.trades, trade)
	if f.dedup && trade.TradeID != "" {
		f.seen[trade.TradeID] = struct{}{}
	}
	return true
}

// Recent returns at most max trades, oldest first, covering the newest
// entries. max <= 0 returns the full retained window.
func (f *TradeFIFO) Recent(max int) []schema.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.trades) == 0 {
		return nil
	}
	start := 0
	if max > 0 && len(f.trades) > max {
		start = len(f.trades) - max
	}
	out := make([]schema.Trade, len(f.trades)-start)
	copy(out, f.trades[start:])
	return out
}

// Len reports the retained trade count.
func (f *TradeFIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

// Reset drops the retained window and dedup memory.
func (f *TradeFIFO) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = f.trades[:0]
	if f.dedup {
		f.seen = make(map[string]struct{}, f.capacity)
	}
}
