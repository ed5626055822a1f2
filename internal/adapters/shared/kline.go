package shared

import (
	"sort"
	"sync"

	"github.com/tidewave/marketws/internal/schema"
)

// KlineSeries retains at most limit bars keyed by open time. In-progress
// bars overwrite in place; overflow evicts the oldest open time.
type KlineSeries struct {
	mu    sync.Mutex
	limit int
	bars  map[int64]schema.KlineBar
}

// NewKlineSeries constructs a series bounded to limit bars (minimum 1).
func NewKlineSeries(limit int) *KlineSeries {
	if limit < 1 {
		limit = 1
	}
	return &KlineSeries{
		mu:    sync.Mutex{},
		limit: limit,
		bars:  make(map[int64]schema.KlineBar, limit),
	}
}

// Upsert stores the bar under its open time, evicting the oldest bar when
// the series is over capacity.
func (s *KlineSeries) Upsert(bar schema.KlineBar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[bar.OpenTime] = bar
	for len(s.bars) > s.limit {
		oldest := int64(0)
		first := true
		for openTime := range s.bars {
			if first || openTime < oldest {
				oldest = openTime
				first = false
			}
		}
		delete(s.bars, oldest)
	}
}

// Ascending returns the most recent max bars ordered by ascending open time.
// max <= 0 returns every retained bar.
func (s *KlineSeries) Ascending(max int) []schema.KlineBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bars) == 0 {
		return nil
	}
	out := make([]schema.KlineBar, 0, len(s.bars))
	for _, bar := range s.bars {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Len reports the retained bar count.
func (s *KlineSeries) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

// Reset drops every retained bar.
func (s *KlineSeries) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = make(map[int64]schema.KlineBar, s.limit)
}
