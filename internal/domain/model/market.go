package model

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// BboSnapshot is the top of book for one symbol on one venue. Snapshots are
// immutable and replaced wholesale on every feed update.
type BboSnapshot struct {
	Symbol    string  `json:"symbol"`
	Venue     string  `json:"venue"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidQty    float64 `json:"bid_qty"`
	AskQty    float64 `json:"ask_qty"`
	Timestamp int64   `json:"ts_ms"`
}

// Mid returns the mid price, or 0 when either side is missing.
func (b BboSnapshot) Mid() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

// FundingSnapshot is the current funding rate for one symbol on one venue.
// Rate is the per-settlement-interval rate as a fraction (0.0001 = 0.01%).
type FundingSnapshot struct {
	Symbol        string  `json:"symbol"`
	Venue         string  `json:"venue"`
	Rate          float64 `json:"rate"`
	IntervalHours float64 `json:"interval_h"` // settlement interval, e.g. 1, 4, 8
	Timestamp     int64   `json:"ts_ms"`
}

// VenueRule is one venue's order constraints for a symbol, loaded at warm-up.
type VenueRule struct {
	MinQty       float64 `json:"min_qty"`
	QtyPrecision int     `json:"qty_precision"` // decimal places; <=0 means step sizes of 10^|n|
	MaxLeverage  float64 `json:"max_leverage"`
}

// SyncedRule is the conservative merge of every contributing venue's rule:
// largest min qty, coarsest precision, smallest max leverage. Any quantity
// valid against a SyncedRule is valid on every contributing venue.
type SyncedRule struct {
	Symbol       string   `json:"symbol"`
	MinQty       float64  `json:"min_qty"`
	QtyPrecision int      `json:"qty_precision"`
	MaxLeverage  float64  `json:"max_leverage"`
	Venues       []string `json:"venues"`
}

// Balance is a venue account summary. A transport failure yields the zero
// value rather than an error, so callers treat it as "no funds".
type Balance struct {
	Equity    float64         `json:"equity"`
	Available float64         `json:"available"`
	Positions []VenuePosition `json:"positions,omitempty"`
}

// VenuePosition is an open contract position as reported by a venue.
type VenuePosition struct {
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"` // signed: >0 long, <0 short
	EntryPrice float64 `json:"entry_price"`
}

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	FilledQty float64 `json:"filled_qty"` // may be partial or zero at ack time
	AvgPrice  float64 `json:"avg_price"`
}

// FillEvent is the normalized fill notification every venue adapter produces
// at its boundary. The engine never sees venue-specific payload shapes.
type FillEvent struct {
	Venue     string  `json:"venue"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
	Timestamp int64   `json:"ts_ms"`
}
