package model

// OpportunityKind distinguishes price-spread from funding-rate opportunities.
type OpportunityKind string

const (
	KindSpread  OpportunityKind = "spread"
	KindFunding OpportunityKind = "funding"
)

// Opportunity is a confirmed cross-venue discrepancy: long the cheap venue,
// short the expensive one. Ephemeral; recomputed every scan tick.
type Opportunity struct {
	Symbol     string          `json:"symbol"`
	LongVenue  string          `json:"long_venue"`
	ShortVenue string          `json:"short_venue"`
	SpreadPct  float64         `json:"spread_pct"`
	Kind       OpportunityKind `json:"kind"`
	Timestamp  int64           `json:"ts_ms"`
}

// PositionStatus is the lifecycle state of a dual-leg position.
type PositionStatus string

const (
	StatusOpening PositionStatus = "OPENING"
	StatusHedged  PositionStatus = "HEDGED"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
)

// Position is one market-neutral dual-leg position. At most one exists per
// symbol at a time; it is owned exclusively by the position manager.
// LongVenue/ShortVenue are stored explicitly so the hedge side is always
// derived from the fill's venue, never inferred from order sequence.
type Position struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	LongVenue       string          `json:"long_venue"`
	ShortVenue      string          `json:"short_venue"`
	Kind            OpportunityKind `json:"kind"`
	Qty             float64         `json:"qty"` // target quantity per leg
	LongFilled      float64         `json:"long_filled"`
	ShortFilled     float64         `json:"short_filled"`
	LongClosed      float64         `json:"long_closed"`
	ShortClosed     float64         `json:"short_closed"`
	PendingHedgeQty float64         `json:"pending_hedge_qty"`
	EntryTime       int64           `json:"entry_time"`
	EntrySpread     float64         `json:"entry_spread"`
	CurrentSpread   float64         `json:"current_spread"`
	Status          PositionStatus  `json:"status"`
	CloseTime       int64           `json:"close_time,omitempty"`
	CloseReason     string          `json:"close_reason,omitempty"` // take_profit, time_cut, rollback, abandoned
}

// HeldQty is the quantity still open on a leg venue.
func (p *Position) HeldQty(venue string) float64 {
	switch venue {
	case p.LongVenue:
		return p.LongFilled - p.LongClosed
	case p.ShortVenue:
		return p.ShortFilled - p.ShortClosed
	}
	return 0
}

// LaggingVenue returns the venue whose leg is behind, i.e. the venue where a
// hedge order would be placed, and the side such an order takes. ok is false
// when the legs are balanced.
func (p *Position) LaggingVenue() (venue string, side Side, ok bool) {
	switch {
	case p.LongFilled > p.ShortFilled:
		return p.ShortVenue, SideSell, true
	case p.ShortFilled > p.LongFilled:
		return p.LongVenue, SideBuy, true
	}
	return "", "", false
}

// Imbalance is the absolute quantity difference between the two legs.
func (p *Position) Imbalance() float64 {
	d := p.LongFilled - p.ShortFilled
	if d < 0 {
		return -d
	}
	return d
}

// LegType labels what an order was placed for.
type LegType string

const (
	LegEntry LegType = "ENTRY"
	LegHedge LegType = "HEDGE"
	LegExit  LegType = "EXIT"
)

// OrderContext tracks a live order until it fully fills or is cancelled by
// the timeout monitor. Keyed by the venue-assigned order id.
type OrderContext struct {
	OrderID    string  `json:"order_id"`
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Venue      string  `json:"venue"`
	Side       Side    `json:"side"`
	Leg        LegType `json:"leg"`
	Qty        float64 `json:"qty"`
	FilledQty  float64 `json:"filled_qty"`
	CreatedAt  int64   `json:"created_at"`
}

// Remaining is the unfilled quantity on the order.
func (oc *OrderContext) Remaining() float64 {
	r := oc.Qty - oc.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
