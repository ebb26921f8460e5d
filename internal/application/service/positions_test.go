package service

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"perparb/internal/application/port"
	"perparb/internal/domain"
	"perparb/internal/domain/model"
)

type cooldownSpy struct {
	mu    sync.Mutex
	calls []string
}

func (c *cooldownSpy) record(symbol string, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, symbol)
}

func (c *cooldownSpy) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

const baseMs = int64(1_000_000_000)

func seedBooks(book *domain.Book, nowMs int64, alphaAsk, betaBid float64) {
	book.UpdateBbo(model.BboSnapshot{Symbol: "BTCUSDT", Venue: "ALPHA", Bid: alphaAsk - 0.1, Ask: alphaAsk, Timestamp: nowMs})
	book.UpdateBbo(model.BboSnapshot{Symbol: "BTCUSDT", Venue: "BETA", Bid: betaBid, Ask: betaBid + 0.1, Timestamp: nowMs})
}

func newLifecycle(t *testing.T, a, b *mockVenue) (*Manager, *domain.Book, *cooldownSpy) {
	t.Helper()
	venues := []port.Venue{a, b}
	resolver := NewRuleResolver(venues, time.Second)
	if err := resolver.WarmUp(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("warm up failed: %v", err)
	}

	book := domain.NewBook(2 * time.Second)
	seedBooks(book, baseMs, 100.00, 100.60)

	spy := &cooldownSpy{}
	trades := map[string]TradeParams{
		"BTCUSDT": {
			MaxMarginUSD:   15,
			TargetLeverage: 20,
			Preset: Preset{
				ExitThresholdPct: 0.05,
				MinHold:          30 * time.Second,
				MaxHold:          3600 * time.Second,
			},
		},
	}
	m := NewManager(venues, resolver, book, nopJournal{}, trades, ManagerConfig{
		FillTimeout:  60 * time.Second,
		OrderTimeout: 60 * time.Second,
		CallTimeout:  time.Second,
	}, spy.record)
	return m, book, spy
}

func btcOpportunity() model.Opportunity {
	return model.Opportunity{
		Symbol: "BTCUSDT", LongVenue: "ALPHA", ShortVenue: "BETA",
		SpreadPct: 0.6, Kind: model.KindSpread, Timestamp: baseMs,
	}
}

func TestOpenFullFillsReachHedged(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 1000, 1)
	m, _, spy := newLifecycle(t, a, b)

	if err := m.Open(context.Background(), btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if !m.HasOpen("BTCUSDT") {
		t.Fatalf("expected an open position")
	}
	pos := m.OpenPositions()[0]
	if pos.Status != model.StatusHedged {
		t.Errorf("fully filled legs should be HEDGED, got %s", pos.Status)
	}
	// margin 15 at leverage clamped to 10 gives 150 notional at price 100
	if math.Abs(pos.Qty-1.50) > 1e-9 {
		t.Errorf("expected qty 1.50, got %v", pos.Qty)
	}

	aOrders, bOrders := a.orders(), b.orders()
	if len(aOrders) != 1 || len(bOrders) != 1 {
		t.Fatalf("expected one order per venue, got %d/%d", len(aOrders), len(bOrders))
	}
	if aOrders[0].Side != model.SideBuy || bOrders[0].Side != model.SideSell {
		t.Errorf("expected BUY on long venue and SELL on short venue")
	}
	if spy.count() == 0 {
		t.Errorf("entry attempt must start cooldown")
	}
}

func TestOpenFailsClosedOnBalance(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 10, 1) // below the 15 margin requirement
	m, _, spy := newLifecycle(t, a, b)

	if err := m.Open(context.Background(), btcOpportunity(), baseMs); err != nil {
		t.Fatalf("balance abort is not an error: %v", err)
	}

	if m.HasOpen("BTCUSDT") {
		t.Errorf("no position may exist after a balance abort")
	}
	if len(a.orders()) != 0 || len(b.orders()) != 0 {
		t.Errorf("no orders may be placed when a venue cannot prove margin")
	}
	if spy.count() == 0 {
		t.Errorf("aborted attempt must still start cooldown")
	}
}

func TestHedgeAfterPartialFillsAndSweep(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0) // nothing fills at ack
	b := newMockVenue("BETA", 1000, 0)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	aID, bID := a.lastOrderID(), b.lastOrderID()

	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: aID, Symbol: "BTCUSDT", Side: model.SideBuy, FilledQty: 1.0, AvgPrice: 100, Timestamp: baseMs + 1000})
	m.OnFill(model.FillEvent{Venue: "BETA", OrderID: bID, Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 0.4, AvgPrice: 100.6, Timestamp: baseMs + 1000})

	pos := m.OpenPositions()[0]
	if math.Abs(pos.PendingHedgeQty-0.6) > 1e-9 {
		t.Fatalf("expected pending hedge 0.6, got %v", pos.PendingHedgeQty)
	}

	// the short entry order is still working on the lagging venue, so no
	// hedge may be stacked on top of it
	m.FlushHedges(ctx, baseMs+2000)
	if len(b.orders()) != 1 {
		t.Fatalf("hedge must not be placed while an entry order works the same venue")
	}

	// past the order timeout the remainders are cancelled and the target
	// shrinks to the filled size
	m.SweepStaleOrders(ctx, baseMs+61_000)
	pos = m.OpenPositions()[0]
	if math.Abs(pos.Qty-1.0) > 1e-9 {
		t.Errorf("expected target shrunk to 1.0, got %v", pos.Qty)
	}
	if math.Abs(pos.PendingHedgeQty-0.6) > 1e-9 {
		t.Errorf("expected pending hedge 0.6 after sweep, got %v", pos.PendingHedgeQty)
	}

	m.FlushHedges(ctx, baseMs+62_000)
	bOrders := b.orders()
	if len(bOrders) != 2 {
		t.Fatalf("expected a hedge order on the lagging venue, got %d orders", len(bOrders))
	}
	hedge := bOrders[1]
	if hedge.Side != model.SideSell || math.Abs(hedge.Qty-0.6) > 1e-9 || !hedge.Market {
		t.Errorf("expected market SELL 0.6, got %+v", hedge)
	}

	m.OnFill(model.FillEvent{Venue: "BETA", OrderID: b.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 0.6, AvgPrice: 100.6, Timestamp: baseMs + 63_000})
	pos = m.OpenPositions()[0]
	if pos.PendingHedgeQty != 0 {
		t.Errorf("confirmed hedge fill must clear the pending quantity, got %v", pos.PendingHedgeQty)
	}
	if pos.Status != model.StatusHedged {
		t.Errorf("balanced legs should be HEDGED, got %s", pos.Status)
	}
}

func TestHedgeDustStaysPending(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0)
	b := newMockVenue("BETA", 1000, 0)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideBuy, FilledQty: 1.5, AvgPrice: 100, Timestamp: baseMs + 1000})
	m.OnFill(model.FillEvent{Venue: "BETA", OrderID: b.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 1.495, AvgPrice: 100.6, Timestamp: baseMs + 1000})

	m.SweepStaleOrders(ctx, baseMs+61_000)
	m.FlushHedges(ctx, baseMs+62_000)

	// 0.005 is below BETA's 0.01 minimum: it accumulates, no order goes out
	if len(b.orders()) != 1 {
		t.Errorf("dust below the venue minimum must not be flushed")
	}
	pos := m.OpenPositions()[0]
	if math.Abs(pos.PendingHedgeQty-0.005) > 1e-9 {
		t.Errorf("expected dust to stay pending, got %v", pos.PendingHedgeQty)
	}
}

func TestDustImbalanceStillReachesTimeCut(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0)
	b := newMockVenue("BETA", 1000, 0)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideBuy, FilledQty: 1.5, AvgPrice: 100, Timestamp: baseMs + 1000})
	m.OnFill(model.FillEvent{Venue: "BETA", OrderID: b.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 1.495, AvgPrice: 100.6, Timestamp: baseMs + 1000})

	// once the entry remainders are gone, the 0.005 residue is below BETA's
	// 0.01 minimum and can never be hedged away
	m.SweepStaleOrders(ctx, baseMs+61_000)
	pos := m.OpenPositions()[0]
	if pos.Status != model.StatusHedged {
		t.Fatalf("sub-minimum residue must not pin the position in OPENING, got %s", pos.Status)
	}

	m.EvaluateExits(ctx, baseMs+3_700_000)
	pos = m.OpenPositions()[0]
	if pos.Status != model.StatusClosing || pos.CloseReason != "time_cut" {
		t.Fatalf("expected CLOSING/time_cut past max hold, got %s/%s", pos.Status, pos.CloseReason)
	}
	aOrders, bOrders := a.orders(), b.orders()
	if len(aOrders) != 2 || len(bOrders) != 2 {
		t.Fatalf("expected a close order per venue, got %d/%d", len(aOrders), len(bOrders))
	}
	if !aOrders[1].ReduceOnly || math.Abs(aOrders[1].Qty-1.5) > 1e-9 {
		t.Errorf("expected reduce-only close of 1.5 on the long leg, got %+v", aOrders[1])
	}
	if !bOrders[1].ReduceOnly || math.Abs(bOrders[1].Qty-1.495) > 1e-9 {
		t.Errorf("expected reduce-only close of 1.495 on the short leg, got %+v", bOrders[1])
	}
}

func TestLeggedPositionRollsBack(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0)
	b := newMockVenue("BETA", 1000, 0)
	m, _, spy := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideBuy, FilledQty: 1.5, AvgPrice: 100, Timestamp: baseMs + 1000})

	m.CheckLegTimeouts(ctx, baseMs+61_000)

	pos := m.OpenPositions()[0]
	if pos.Status != model.StatusClosing || pos.CloseReason != "rollback" {
		t.Fatalf("expected CLOSING/rollback, got %s/%s", pos.Status, pos.CloseReason)
	}
	aOrders := a.orders()
	if len(aOrders) != 2 {
		t.Fatalf("expected a rollback order on the filled leg, got %d orders", len(aOrders))
	}
	rb := aOrders[1]
	if rb.Side != model.SideSell || !rb.ReduceOnly || math.Abs(rb.Qty-1.5) > 1e-9 {
		t.Errorf("expected reduce-only SELL 1.5, got %+v", rb)
	}
	if len(b.cancelled) == 0 {
		t.Errorf("the unfilled entry order must be cancelled before rollback")
	}

	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 1.5, AvgPrice: 99.9, Timestamp: baseMs + 62_000})
	if m.HasOpen("BTCUSDT") {
		t.Errorf("rolled-back position must be closed once the fill confirms")
	}
	if spy.count() < 2 {
		t.Errorf("close must start a fresh cooldown")
	}
}

func TestFailedCloseOrderRetriesNextPass(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0)
	b := newMockVenue("BETA", 1000, 0)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideBuy, FilledQty: 1.5, AvgPrice: 100, Timestamp: baseMs + 1000})

	// the rollback close is rejected by the venue
	a.setFailOrders(true)
	m.CheckLegTimeouts(ctx, baseMs+61_000)

	pos := m.OpenPositions()[0]
	if pos.Status != model.StatusClosing || pos.CloseReason != "rollback" {
		t.Fatalf("expected CLOSING/rollback, got %s/%s", pos.Status, pos.CloseReason)
	}
	if len(a.orders()) != 1 {
		t.Fatalf("a rejected close must not count as placed, got %d orders", len(a.orders()))
	}

	// the next monitor pass retries the close once the venue recovers
	a.setFailOrders(false)
	m.EvaluateExits(ctx, baseMs+62_000)
	aOrders := a.orders()
	if len(aOrders) != 2 {
		t.Fatalf("expected the close order to be retried, got %d orders", len(aOrders))
	}
	rb := aOrders[1]
	if rb.Side != model.SideSell || !rb.ReduceOnly || math.Abs(rb.Qty-1.5) > 1e-9 {
		t.Errorf("expected reduce-only SELL 1.5, got %+v", rb)
	}
	if m.OpenPositions()[0].Status != model.StatusClosing {
		t.Errorf("position stays CLOSING until the close fill confirms")
	}

	m.OnFill(model.FillEvent{Venue: "ALPHA", OrderID: a.lastOrderID(), Symbol: "BTCUSDT", Side: model.SideSell, FilledQty: 1.5, AvgPrice: 99.9, Timestamp: baseMs + 63_000})
	if m.HasOpen("BTCUSDT") {
		t.Errorf("position must close once the retried order fills")
	}
}

func TestUnfilledEntryIsAbandoned(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 0)
	b := newMockVenue("BETA", 1000, 0)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	m.CheckLegTimeouts(ctx, baseMs+61_000)

	if m.HasOpen("BTCUSDT") {
		t.Errorf("a position with no fills past the timeout must be abandoned")
	}
	if len(a.cancelled) == 0 || len(b.cancelled) == 0 {
		t.Errorf("both entry orders must be cancelled on abandonment")
	}
}

func TestExitRespectsMinHold(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 1000, 1)
	m, book, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// spread collapses well under the exit threshold, but the minimum hold
	// has not elapsed
	seedBooks(book, baseMs+10_000, 100.00, 100.02)
	m.EvaluateExits(ctx, baseMs+10_000)
	if len(a.orders()) != 1 || len(b.orders()) != 1 {
		t.Errorf("no exit may fire before the minimum hold time")
	}
}

func TestExitOnCollapsedSpread(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 1000, 1)
	m, book, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	seedBooks(book, baseMs+40_000, 100.00, 100.02) // 0.02 pct residual
	m.EvaluateExits(ctx, baseMs+40_000)

	if m.HasOpen("BTCUSDT") {
		t.Fatalf("position should close once the residual spread is under the threshold")
	}
	aOrders, bOrders := a.orders(), b.orders()
	if len(aOrders) != 2 || len(bOrders) != 2 {
		t.Fatalf("expected a close order per venue, got %d/%d", len(aOrders), len(bOrders))
	}
	if !aOrders[1].ReduceOnly || !bOrders[1].ReduceOnly {
		t.Errorf("close orders must be reduce-only")
	}
	if aOrders[1].Side != model.SideSell || bOrders[1].Side != model.SideBuy {
		t.Errorf("close sides must invert the entry sides")
	}
}

func TestExitForcedAtMaxHold(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 1000, 1)
	m, _, _ := newLifecycle(t, a, b)
	ctx := context.Background()

	if err := m.Open(ctx, btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// books are long stale at this point; the time cut fires regardless
	m.EvaluateExits(ctx, baseMs+3_600_001)
	if m.HasOpen("BTCUSDT") {
		t.Errorf("max hold must force the exit even without fresh quotes")
	}
}

func TestShutdownBlocksNewEntries(t *testing.T) {
	a := newMockVenue("ALPHA", 1000, 1)
	b := newMockVenue("BETA", 1000, 1)
	m, _, _ := newLifecycle(t, a, b)

	m.Shutdown()
	if err := m.Open(context.Background(), btcOpportunity(), baseMs); err != nil {
		t.Fatalf("open after shutdown is a no-op, not an error: %v", err)
	}
	if m.HasOpen("BTCUSDT") || len(a.orders()) != 0 {
		t.Errorf("no orders may be submitted after shutdown")
	}
}
