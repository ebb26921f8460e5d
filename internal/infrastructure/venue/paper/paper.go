// Package paper is an in-process venue used for dry runs and tests. It keeps
// simulated balances and positions, fills market orders against the latest
// pushed quote, rests post-only orders until a quote crosses them, and can
// optionally source quotes from a websocket stream of neutral JSON ticks.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
	"perparb/internal/infrastructure/venue/wsfeed"
)

type Config struct {
	Name          string
	Rules         map[string]model.VenueRule
	InitialEquity float64
	// FillFraction of a market order fills at ack time; the remainder rests
	// and fills on the next quote. 0 or 1 means full immediate fills.
	FillFraction float64
	// QuoteURL, when set, streams quotes shaped like
	// {"symbol":"BTCUSDT","bid":1,"ask":2,"bidQty":3,"askQty":4,"ts":5}.
	QuoteURL string
}

type restingOrder struct {
	id         string
	symbol     string
	side       model.Side
	price      float64 // 0 means fill at market on the next quote
	qty        float64
	filled     float64
	reduceOnly bool
}

type Venue struct {
	cfg Config

	mu       sync.Mutex
	cb       port.MarketCallbacks
	rules    map[string]model.VenueRule
	position map[string]float64 // signed base quantity per symbol
	leverage map[string]float64
	resting  map[string]*restingOrder
	lastBbo  map[string]model.BboSnapshot

	seq atomic.Int64
}

func New(cfg Config) *Venue {
	if cfg.Name == "" {
		cfg.Name = "PAPER"
	}
	if cfg.InitialEquity <= 0 {
		cfg.InitialEquity = 10_000
	}
	if cfg.FillFraction <= 0 || cfg.FillFraction > 1 {
		cfg.FillFraction = 1
	}
	rules := make(map[string]model.VenueRule, len(cfg.Rules))
	for sym, r := range cfg.Rules {
		rules[strings.ToUpper(sym)] = r
	}
	return &Venue{
		cfg:      cfg,
		rules:    rules,
		position: make(map[string]float64),
		leverage: make(map[string]float64),
		resting:  make(map[string]*restingOrder),
		lastBbo:  make(map[string]model.BboSnapshot),
	}
}

func (v *Venue) Name() string { return v.cfg.Name }

func (v *Venue) LoadMarkets(ctx context.Context) (map[string]model.VenueRule, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]model.VenueRule, len(v.rules))
	for sym, r := range v.rules {
		out[sym] = r
	}
	return out, nil
}

func (v *Venue) Balance(ctx context.Context) model.Balance {
	v.mu.Lock()
	defer v.mu.Unlock()

	used := 0.0
	positions := make([]model.VenuePosition, 0, len(v.position))
	for sym, qty := range v.position {
		if qty == 0 {
			continue
		}
		px := v.lastBbo[sym].Mid()
		lev := v.leverage[sym]
		if lev <= 0 {
			lev = 1
		}
		notional := abs(qty) * px
		used += notional / lev
		positions = append(positions, model.VenuePosition{Symbol: sym, Qty: qty, EntryPrice: px})
	}
	avail := v.cfg.InitialEquity - used
	if avail < 0 {
		avail = 0
	}
	return model.Balance{Equity: v.cfg.InitialEquity, Available: avail, Positions: positions}
}

func (v *Venue) StartFeed(ctx context.Context, cb port.MarketCallbacks) error {
	v.mu.Lock()
	v.cb = cb
	v.mu.Unlock()

	if v.cfg.QuoteURL != "" {
		go wsfeed.Run(ctx, wsfeed.Config{Name: v.cfg.Name, URL: v.cfg.QuoteURL}, v.onQuoteFrame)
	}
	return nil
}

type quoteFrame struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty float64 `json:"bidQty"`
	AskQty float64 `json:"askQty"`
	Ts     int64   `json:"ts"`
}

func (v *Venue) onQuoteFrame(b []byte) {
	var q quoteFrame
	if err := json.Unmarshal(b, &q); err != nil {
		log.Error().Str("venue", v.cfg.Name).Err(err).Msg("quote unmarshal failed")
		return
	}
	if q.Symbol == "" || q.Bid <= 0 || q.Ask <= 0 {
		return
	}
	if q.Ts == 0 {
		q.Ts = time.Now().UnixMilli()
	}
	v.PushBbo(model.BboSnapshot{
		Symbol: q.Symbol, Venue: v.cfg.Name,
		Bid: q.Bid, Ask: q.Ask, BidQty: q.BidQty, AskQty: q.AskQty,
		Timestamp: q.Ts,
	})
}

// PushBbo injects a quote: it reaches the feed callback first, then matches
// any resting orders against the new prices.
func (v *Venue) PushBbo(snap model.BboSnapshot) {
	snap.Venue = v.cfg.Name
	snap.Symbol = strings.ToUpper(snap.Symbol)

	v.mu.Lock()
	v.lastBbo[snap.Symbol] = snap
	cb := v.cb
	v.mu.Unlock()

	if cb.OnBbo != nil {
		cb.OnBbo(snap)
	}
	v.matchResting(snap)
}

// PushFunding injects a funding snapshot into the feed callback.
func (v *Venue) PushFunding(snap model.FundingSnapshot) {
	snap.Venue = v.cfg.Name
	snap.Symbol = strings.ToUpper(snap.Symbol)

	v.mu.Lock()
	cb := v.cb
	v.mu.Unlock()

	if cb.OnFunding != nil {
		cb.OnFunding(snap)
	}
}

func (v *Venue) matchResting(snap model.BboSnapshot) {
	var fills []model.FillEvent

	v.mu.Lock()
	cb := v.cb
	for id, ro := range v.resting {
		if ro.symbol != snap.Symbol {
			continue
		}
		var px float64
		switch {
		case ro.price == 0 && ro.side == model.SideBuy:
			px = snap.Ask
		case ro.price == 0 && ro.side == model.SideSell:
			px = snap.Bid
		case ro.side == model.SideBuy && snap.Ask <= ro.price:
			px = snap.Ask
		case ro.side == model.SideSell && snap.Bid >= ro.price:
			px = snap.Bid
		default:
			continue
		}
		qty := ro.qty - ro.filled
		if qty <= 0 {
			delete(v.resting, id)
			continue
		}
		v.applyFillLocked(ro.symbol, ro.side, qty, ro.reduceOnly)
		ro.filled = ro.qty
		delete(v.resting, id)
		fills = append(fills, model.FillEvent{
			Venue: v.cfg.Name, OrderID: id, Symbol: ro.symbol, Side: ro.side,
			FilledQty: qty, AvgPrice: px, Timestamp: snap.Timestamp,
		})
	}
	v.mu.Unlock()

	if cb.OnFill != nil {
		for _, f := range fills {
			cb.OnFill(f)
		}
	}
}

// applyFillLocked moves the simulated position. Caller holds the lock.
func (v *Venue) applyFillLocked(symbol string, side model.Side, qty float64, reduceOnly bool) {
	delta := qty
	if side == model.SideSell {
		delta = -qty
	}
	v.position[symbol] += delta
	if reduceOnly && abs(v.position[symbol]) < 1e-12 {
		delete(v.position, symbol)
	}
}

func (v *Venue) nextOrderID() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(v.cfg.Name), v.seq.Add(1))
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty float64, reduceOnly bool) (model.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	if qty <= 0 {
		return model.OrderResult{}, errors.New("quantity must be positive")
	}

	v.mu.Lock()
	snap, ok := v.lastBbo[symbol]
	if !ok {
		v.mu.Unlock()
		return model.OrderResult{}, fmt.Errorf("no market for %s", symbol)
	}
	if reduceOnly {
		held := abs(v.position[symbol])
		if held == 0 {
			v.mu.Unlock()
			return model.OrderResult{}, fmt.Errorf("reduce-only with no position in %s", symbol)
		}
		if qty > held {
			qty = held
		}
	}
	px := snap.Ask
	if side == model.SideSell {
		px = snap.Bid
	}

	id := v.nextOrderID()
	immediate := qty * v.cfg.FillFraction
	v.applyFillLocked(symbol, side, immediate, reduceOnly)
	if rest := qty - immediate; rest > 1e-12 {
		v.resting[id] = &restingOrder{
			id: id, symbol: symbol, side: side,
			qty: qty, filled: immediate, reduceOnly: reduceOnly,
		}
	}
	v.mu.Unlock()

	// the immediate fill travels in the ack; only the rested remainder is
	// reported through the fill callback later
	return model.OrderResult{
		OrderID: id, Symbol: symbol, Side: side,
		Qty: qty, FilledQty: immediate, AvgPrice: px,
	}, nil
}

func (v *Venue) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64, postOnly bool) (model.OrderResult, error) {
	symbol = strings.ToUpper(symbol)
	if qty <= 0 || price <= 0 {
		return model.OrderResult{}, errors.New("price and quantity must be positive")
	}

	v.mu.Lock()
	snap, ok := v.lastBbo[symbol]
	if !ok {
		v.mu.Unlock()
		return model.OrderResult{}, fmt.Errorf("no market for %s", symbol)
	}
	crosses := (side == model.SideBuy && price >= snap.Ask) ||
		(side == model.SideSell && price <= snap.Bid)
	if postOnly && crosses {
		v.mu.Unlock()
		return model.OrderResult{}, errors.New("post-only order would cross")
	}

	id := v.nextOrderID()
	if crosses {
		px := snap.Ask
		if side == model.SideSell {
			px = snap.Bid
		}
		v.applyFillLocked(symbol, side, qty, false)
		v.mu.Unlock()
		return model.OrderResult{
			OrderID: id, Symbol: symbol, Side: side,
			Qty: qty, FilledQty: qty, AvgPrice: px,
		}, nil
	}

	v.resting[id] = &restingOrder{id: id, symbol: symbol, side: side, price: price, qty: qty}
	v.mu.Unlock()
	return model.OrderResult{OrderID: id, Symbol: symbol, Side: side, Qty: qty}, nil
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage float64) bool {
	if leverage <= 0 {
		return false
	}
	v.mu.Lock()
	v.leverage[strings.ToUpper(symbol)] = leverage
	v.mu.Unlock()
	return true
}

func (v *Venue) CancelOrder(ctx context.Context, orderID, symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.resting[orderID]; !ok {
		return false
	}
	delete(v.resting, orderID)
	return true
}

// Position returns the simulated signed position, for assertions.
func (v *Venue) Position(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position[strings.ToUpper(symbol)]
}

func (v *Venue) Close() error { return nil }

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

var _ port.Venue = (*Venue)(nil)
