// Package shared holds the venue-independent market state machinery: the
// order-book keeper, the bounded kline series, and the trade FIFO.
package shared

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tidewave/marketws/internal/schema"
)

// ErrSequenceGap indicates the delta stream skipped updates and the book
// needs a fresh snapshot before any further delta can apply.
var ErrSequenceGap = errors.New("order book: sequence gap")

// ErrSnapshotSeqRequired indicates a snapshot was supplied without a
// sequence identifier.
var ErrSnapshotSeqRequired = errors.New("order book: snapshot sequence id required")

// BookDiff is one incremental order-book update with its sequencing metadata.
// Binance-family deltas carry FirstID/FinalID; monotonic venues set FinalID
// (and PrevID when the venue reports it, as OKX does).
type BookDiff struct {
	FirstID   uint64
	FinalID   uint64
	PrevID    uint64
	EventTime int64
	Bids      []schema.PriceLevel
	Asks      []schema.PriceLevel
}

// BookKeeper reconstructs one symbol's order book from a REST snapshot plus
// streaming deltas. Depth bounds the emitted level count per side; the
// retained maps keep full depth.
type BookKeeper struct {
	mu          sync.Mutex
	depth       int
	initialized bool
	bids        map[string]decimal.Decimal
	asks        map[string]decimal.Decimal
	pending     *BookDiff
	lastSeq     uint64
}

// NewBookKeeper constructs a keeper emitting at most depth levels per side
// (<=0 keeps full depth).
func NewBookKeeper(depth int) *BookKeeper {
	return &BookKeeper{
		mu:          sync.Mutex{},
		depth:       depth,
		initialized: false,
		bids:        make(map[string]decimal.Decimal),
		asks:        make(map[string]decimal.Decimal),
		pending:     nil,
		lastSeq:     0,
	}
}

// HasSnapshot reports whether an initial snapshot has been applied.
func (k *BookKeeper) HasSnapshot() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initialized
}

// Reset drops all book state. Called on transport reconnect so stale deltas
// can never apply against a dead book.
func (k *BookKeeper) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
}

// ApplySnapshot replaces the book from a REST snapshot and replays the
// buffered delta when it closes the sequence window. A buffered delta that
// leaves a gap returns ErrSequenceGap; the caller refetches.
func (k *BookKeeper) ApplySnapshot(seq uint64, bids, asks []schema.PriceLevel, eventTime int64) (*schema.Book, error) {
	if seq == 0 {
		return nil, ErrSnapshotSeqRequired
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	buffered := k.pending
	k.resetLocked()
	if err := replaceSide(k.bids, bids); err != nil {
		return nil, err
	}
	if err := replaceSide(k.asks, asks); err != nil {
		return nil, err
	}
	k.initialized = true
	k.lastSeq = seq

	book := k.buildBookLocked(schema.BookSnapshot, 0, eventTime)
	if buffered == nil {
		return book, nil
	}
	if buffered.FinalID <= seq {
		// Delta predates the snapshot entirely.
		return book, nil
	}
	if buffered.FirstID > 0 && buffered.FirstID > seq+1 {
		k.resetLocked()
		k.pending = buffered
		return nil, ErrSequenceGap
	}
	return k.applyDiffLocked(*buffered)
}

// ApplyDiff applies one delta. Before the first snapshot the delta is
// buffered (most recent only) and applied=false. A sequence gap resets the
// book and returns ErrSequenceGap so the caller refetches a snapshot.
func (k *BookKeeper) ApplyDiff(diff BookDiff) (*schema.Book, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.initialized {
		buffered := diff
		k.pending = &buffered
		return nil, false, nil
	}
	if diff.FinalID == 0 || diff.FinalID <= k.lastSeq {
		return nil, false, nil
	}
	if (diff.FirstID > 0 && diff.FirstID > k.lastSeq+1) ||
		(diff.PrevID > 0 && diff.PrevID != k.lastSeq) {
		// Keep the gap delta buffered so the resync snapshot can replay it.
		k.resetLocked()
		buffered := diff
		k.pending = &buffered
		return nil, false, ErrSequenceGap
	}
	book, err := k.applyDiffLocked(diff)
	if err != nil {
		return nil, false, err
	}
	return book, true, nil
}

func (k *BookKeeper) applyDiffLocked(diff BookDiff) (*schema.Book, error) {
	if err := updateSide(k.bids, diff.Bids); err != nil {
		return nil, err
	}
	if err := updateSide(k.asks, diff.Asks); err != nil {
		return nil, err
	}
	prev := k.lastSeq
	k.lastSeq = diff.FinalID
	diffID := int64(0)
	if diff.FirstID > 0 {
		diffID = int64(diff.FirstID) - int64(prev)
	} else {
		diffID = int64(diff.FinalID) - int64(prev)
	}
	return k.buildBookLocked(schema.BookUpdate, diffID, diff.EventTime), nil
}

func (k *BookKeeper) resetLocked() {
	for price := range k.bids {
		delete(k.bids, price)
	}
	for price := range k.asks {
		delete(k.asks, price)
	}
	k.pending = nil
	k.initialized = false
	k.lastSeq = 0
}

func replaceSide(target map[string]decimal.Decimal, levels []schema.PriceLevel) error {
	for price := range target {
		delete(target, price)
	}
	return updateSide(target, levels)
}

func updateSide(target map[string]decimal.Decimal, levels []schema.PriceLevel) error {
	for _, level := range levels {
		priceKey := strings.TrimSpace(level.Price)
		if priceKey == "" {
			continue
		}
		qtyStr := strings.TrimSpace(level.Qty)
		if qtyStr == "" {
			delete(target, priceKey)
			continue
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return err
		}
		if qty.Sign() <= 0 {
			delete(target, priceKey)
			continue
		}
		target[priceKey] = qty
	}
	return nil
}

func (k *BookKeeper) buildBookLocked(kind schema.BookType, diffID, eventTime int64) *schema.Book {
	return &schema.Book{
		Type:         kind,
		UpdateID:     int64(k.lastSeq),
		DiffUpdateID: diffID,
		EventTime:    eventTime,
		Bids:         k.buildSideLocked(k.bids, true),
		Asks:         k.buildSideLocked(k.asks, false),
	}
}

func (k *BookKeeper) buildSideLocked(source map[string]decimal.Decimal, isBid bool) []schema.PriceLevel {
	levels := make([]struct {
		price decimal.Decimal
		qty   decimal.Decimal
		key   string
	}, 0, len(source))
	for key, qty := range source {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if qty.Sign() <= 0 {
			continue
		}
		levels = append(levels, struct {
			price decimal.Decimal
			qty   decimal.Decimal
			key   string
		}{price: price, qty: qty, key: key})
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].price.Cmp(levels[j].price)
		if cmp == 0 {
			return levels[i].key < levels[j].key
		}
		if isBid {
			return cmp > 0
		}
		return cmp < 0
	})

	limit := len(levels)
	if k.depth > 0 && limit > k.depth {
		limit = k.depth
	}
	out := make([]schema.PriceLevel, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, schema.PriceLevel{
			Price: levels[i].key,
			Qty:   levels[i].qty.String(),
		})
	}
	return out
}
