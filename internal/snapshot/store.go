// Package snapshot provides in-memory storage for canonical stream records.
package snapshot

import (
	"strings"
	"sync"
	"time"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/schema"
)

// Store holds the latest canonical record per declared stream key. Keys are
// registered up front so an unknown key is an error while a declared key with
// no data yet reads as nil. The decode path is the single writer per key;
// records are deep-cloned on both write and read so readers never observe
// torn state.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu       sync.Mutex
	record   *schema.Record
	lastSeen time.Time
}

// NewStore creates a store with the provided stream keys pre-declared.
func NewStore(keys []string) *Store {
	store := new(Store)
	store.entries = make(map[string]*entry, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		store.entries[trimmed] = new(entry)
	}
	return store
}

// Keys returns the declared stream keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for key := range s.entries {
		out = append(out, key)
	}
	return out
}

// Get returns a clone of the latest record for the key, or nil when the
// stream has produced no data yet.
func (s *Store) Get(key string) (*schema.Record, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errs.New("snapshot", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	if !ok {
		return nil, errs.New("snapshot", errs.CodeNotFound,
			errs.WithMessage("unknown stream key"),
			errs.WithVenueField("stream", key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), nil
}

// Put replaces the record for the key and stamps the last-seen time used by
// the staleness heuristic.
func (s *Store) Put(key string, record *schema.Record, now time.Time) error {
	if record == nil {
		return errs.New("snapshot", errs.CodeInvalid, errs.WithMessage("record required"))
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errs.New("snapshot", errs.CodeUnavailable, errs.WithMessage("store closed"))
	}
	if !ok {
		return errs.New("snapshot", errs.CodeNotFound,
			errs.WithMessage("unknown stream key"),
			errs.WithVenueField("stream", key))
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	clone := record.Clone()
	if clone.Received.IsZero() {
		clone.Received = now
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	clone.MinDecodeTime, clone.MaxDecodeTime = mergeDecodeBounds(e.record, record)
	e.record = clone
	e.lastSeen = now
	return nil
}

// LastSeen reports when the key last received data. The zero time means no
// data has arrived since the store was created.
func (s *Store) LastSeen(key string) (time.Time, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, errs.New("snapshot", errs.CodeNotFound,
			errs.WithMessage("unknown stream key"),
			errs.WithVenueField("stream", key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen, nil
}

// Close drops all records and rejects further reads and writes.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]*entry)
}

func mergeDecodeBounds(prev, incoming *schema.Record) (time.Duration, time.Duration) {
	minBound := incoming.MinDecodeTime
	maxBound := incoming.MaxDecodeTime
	if prev == nil {
		return minBound, maxBound
	}
	if prev.MinDecodeTime > 0 && (minBound == 0 || prev.MinDecodeTime < minBound) {
		minBound = prev.MinDecodeTime
	}
	if prev.MaxDecodeTime > maxBound {
		maxBound = prev.MaxDecodeTime
	}
	return minBound, maxBound
}
