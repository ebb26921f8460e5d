package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
)

type nopJournal struct{}

func (nopJournal) SaveOpportunity(ctx context.Context, opp *model.Opportunity) error { return nil }
func (nopJournal) CreatePosition(ctx context.Context, pos *model.Position) error     { return nil }
func (nopJournal) UpdatePosition(ctx context.Context, pos *model.Position) error     { return nil }
func (nopJournal) ListOpenPositions(ctx context.Context) ([]*model.Position, error)  { return nil, nil }
func (nopJournal) InsertFill(ctx context.Context, fill *model.FillEvent) error       { return nil }
func (nopJournal) Close() error                                                      { return nil }

type stubPositions struct {
	open map[string]bool
}

func (s *stubPositions) HasOpen(symbol string) bool { return s.open[symbol] }

type placedOrder struct {
	Symbol     string
	Side       model.Side
	Qty        float64
	Price      float64
	ReduceOnly bool
	PostOnly   bool
	Market     bool
}

// mockVenue is a hand-rolled port.Venue for lifecycle tests. fillFraction
// controls how much of a market order fills at ack time.
type mockVenue struct {
	mu           sync.Mutex
	name         string
	rules        map[string]model.VenueRule
	balance      model.Balance
	fillFraction float64
	failOrders   bool

	seq       int
	placed    []placedOrder
	orderIDs  []string
	cancelled []string
}

func newMockVenue(name string, available float64, fillFraction float64) *mockVenue {
	return &mockVenue{
		name: name,
		rules: map[string]model.VenueRule{
			"BTCUSDT": {MinQty: 0.01, QtyPrecision: 2, MaxLeverage: 10},
		},
		balance:      model.Balance{Equity: available, Available: available},
		fillFraction: fillFraction,
	}
}

func (v *mockVenue) Name() string { return v.name }

func (v *mockVenue) setFailOrders(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failOrders = fail
}

func (v *mockVenue) LoadMarkets(ctx context.Context) (map[string]model.VenueRule, error) {
	return v.rules, nil
}

func (v *mockVenue) Balance(ctx context.Context) model.Balance { return v.balance }

func (v *mockVenue) StartFeed(ctx context.Context, cb port.MarketCallbacks) error { return nil }

func (v *mockVenue) place(symbol string, side model.Side, price, qty float64, reduceOnly, postOnly, market bool) (model.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failOrders {
		return model.OrderResult{}, errors.New("order rejected")
	}
	v.seq++
	id := fmt.Sprintf("%s-%d", v.name, v.seq)
	v.placed = append(v.placed, placedOrder{
		Symbol: symbol, Side: side, Qty: qty, Price: price,
		ReduceOnly: reduceOnly, PostOnly: postOnly, Market: market,
	})
	v.orderIDs = append(v.orderIDs, id)
	return model.OrderResult{
		OrderID: id, Symbol: symbol, Side: side,
		Qty: qty, FilledQty: qty * v.fillFraction, AvgPrice: price,
	}, nil
}

func (v *mockVenue) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty float64, reduceOnly bool) (model.OrderResult, error) {
	return v.place(symbol, side, 0, qty, reduceOnly, false, true)
}

func (v *mockVenue) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64, postOnly bool) (model.OrderResult, error) {
	return v.place(symbol, side, price, qty, false, postOnly, false)
}

func (v *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage float64) bool { return true }

func (v *mockVenue) CancelOrder(ctx context.Context, orderID, symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return true
}

func (v *mockVenue) Close() error { return nil }

func (v *mockVenue) orders() []placedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]placedOrder, len(v.placed))
	copy(out, v.placed)
	return out
}

func (v *mockVenue) lastOrderID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.orderIDs) == 0 {
		return ""
	}
	return v.orderIDs[len(v.orderIDs)-1]
}

var _ port.Venue = (*mockVenue)(nil)
