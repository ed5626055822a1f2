package schema

import "time"

// BookType marks whether an order-book record carries a full snapshot or a delta.
type BookType string

const (
	// BookSnapshot marks a full book rebuild.
	BookSnapshot BookType = "snapshot"
	// BookUpdate marks an incremental delta application.
	BookUpdate BookType = "update"
)

// PriceLevel is a single order-book level. Price and Qty are decimal strings
// exactly as the venue sent them.
type PriceLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

// Book is the reconstructed order-book view for one symbol.
type Book struct {
	Type         BookType     `json:"type"`
	UpdateID     int64        `json:"last_update_id"`
	DiffUpdateID int64        `json:"diff_update_id"`
	EventTime    int64        `json:"event_time,omitempty"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// KlineBar is one candlestick, keyed by its open time in the kline series.
type KlineBar struct {
	UpdateID      int64  `json:"last_update_id,omitempty"`
	OpenTime      int64  `json:"open_time"`
	CloseTime     int64  `json:"close_time"`
	OpenTimeDate  string `json:"open_time_date"`
	CloseTimeDate string `json:"close_time_date"`
	Open          string `json:"open"`
	Close         string `json:"close"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Volume        string `json:"volume"`
	IsClosed      bool   `json:"is_closed"`
}

// Trade is one public trade. TakerSide is always "BUY" or "SELL"
// regardless of the venue's native casing.
type Trade struct {
	TradeID       string `json:"trade_id"`
	Price         string `json:"price"`
	Qty           string `json:"quantity"`
	TakerSide     string `json:"side_of_taker,omitempty"`
	EventTime     int64  `json:"event_time,omitempty"`
	TradeTime     int64  `json:"trade_time"`
	TradeTimeDate string `json:"trade_time_date"`
}

// Ticker carries 24h rolling window statistics. Fields a venue does not
// publish stay empty.
type Ticker struct {
	EventTime              int64  `json:"event_time,omitempty"`
	EventTimeDate          string `json:"event_time_date,omitempty"`
	PriceChange            string `json:"price_change,omitempty"`
	PriceChangePercent     string `json:"price_change_percent,omitempty"`
	WeightedAvgPrice       string `json:"weighted_average_price,omitempty"`
	LastPrice              string `json:"last_price"`
	LastQty                string `json:"last_quantity,omitempty"`
	BestBidPrice           string `json:"best_bid_price,omitempty"`
	BestBidQty             string `json:"best_bid_quantity,omitempty"`
	BestAskPrice           string `json:"best_ask_price,omitempty"`
	BestAskQty             string `json:"best_ask_quantity,omitempty"`
	OpenPrice              string `json:"open_price,omitempty"`
	HighPrice              string `json:"high_price,omitempty"`
	LowPrice               string `json:"low_price,omitempty"`
	BaseVolume             string `json:"total_traded_base_asset_volume,omitempty"`
	QuoteVolume            string `json:"total_traded_quote_asset_volume,omitempty"`
	StatisticsOpenTime     int64  `json:"statistics_open_time,omitempty"`
	StatisticsCloseTime    int64  `json:"statistics_close_time,omitempty"`
	TotalNumberOfTrades    int64  `json:"total_number_of_trades,omitempty"`
	StatisticsOpenTimeDate string `json:"statistics_open_time_date,omitempty"`
}

// Record is the canonical envelope held in the snapshot store, one per stream
// key. Exactly one payload field is populated, matching Endpoint.
type Record struct {
	Endpoint Endpoint  `json:"endpoint"`
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	Interval Interval  `json:"interval,omitempty"`
	Received time.Time `json:"received"`

	Book   *Book      `json:"order_book,omitempty"`
	Klines []KlineBar `json:"klines,omitempty"`
	Trades []Trade    `json:"trades,omitempty"`
	Ticker *Ticker    `json:"ticker,omitempty"`

	// Decode latency bounds observed while producing records for this stream.
	MinDecodeTime time.Duration `json:"min_decode_time,omitempty"`
	MaxDecodeTime time.Duration `json:"max_decode_time,omitempty"`
}

// Clone creates a deep copy of the record so store readers never share
// mutable state with the decode path.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Book != nil {
		book := *r.Book
		book.Bids = clonePriceLevels(r.Book.Bids)
		book.Asks = clonePriceLevels(r.Book.Asks)
		clone.Book = &book
	}
	if len(r.Klines) > 0 {
		clone.Klines = make([]KlineBar, len(r.Klines))
		copy(clone.Klines, r.Klines)
	}
	if len(r.Trades) > 0 {
		clone.Trades = make([]Trade, len(r.Trades))
		copy(clone.Trades, r.Trades)
	}
	if r.Ticker != nil {
		ticker := *r.Ticker
		clone.Ticker = &ticker
	}
	return &clone
}

func clonePriceLevels(levels []PriceLevel) []PriceLevel {
	if len(levels) == 0 {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}

const timestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders a millisecond epoch timestamp as a UTC date string,
// the format carried on every *_date record field.
func FormatTimestamp(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(timestampLayout)
}
