package adapters

import (
	"strings"
	"sync"
)

// SymbolTable maps between unified BASE/QUOTE symbols and the venue's native
// spelling, in both directions. Built from the venue catalog at construction
// and refreshed opportunistically when the catalog cache rolls over.
type SymbolTable struct {
	mu        sync.RWMutex
	toVenue   map[string]string
	toUnified map[string]string
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		mu:        sync.RWMutex{},
		toVenue:   make(map[string]string),
		toUnified: make(map[string]string),
	}
}

// Add records one unified<->venue pairing. Venue spellings match
// case-insensitively on lookup.
func (t *SymbolTable) Add(unified, venue string) {
	unified = strings.ToUpper(strings.TrimSpace(unified))
	venue = strings.TrimSpace(venue)
	if unified == "" || venue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toVenue[unified] = venue
	t.toUnified[strings.ToUpper(venue)] = unified
}

// Venue resolves the venue-native spelling for a unified symbol.
func (t *SymbolTable) Venue(unified string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	venue, ok := t.toVenue[strings.ToUpper(strings.TrimSpace(unified))]
	return venue, ok
}

// Unified resolves the unified symbol for a venue-native spelling.
func (t *SymbolTable) Unified(venue string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	unified, ok := t.toUnified[strings.ToUpper(strings.TrimSpace(venue))]
	return unified, ok
}

// Unifieds lists every unified symbol in the table.
func (t *SymbolTable) Unifieds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.toVenue))
	for unified := range t.toVenue {
		out = append(out, unified)
	}
	return out
}

// Len reports the number of pairings.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.toVenue)
}
