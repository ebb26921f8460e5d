package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	"perparb/internal/domain"
	"perparb/internal/domain/model"
	domainsvc "perparb/internal/domain/service"
)

const qtyEps = 1e-9

// Preset is a named strategy parameter set resolved per symbol.
type Preset struct {
	ExitThresholdPct float64
	MinHold          time.Duration
	MaxHold          time.Duration
	MakerEntry       bool // post-only limit for the long leg instead of a market order
}

// TradeParams is the per-symbol capital configuration.
type TradeParams struct {
	TargetNotionalUSD float64
	MaxMarginUSD      float64
	TargetLeverage    float64
	Preset            Preset
}

// ManagerConfig are the lifecycle timing knobs.
type ManagerConfig struct {
	FillTimeout  time.Duration // one-sided fill window before rollback
	OrderTimeout time.Duration // order age before the sweep cancels it
	CallTimeout  time.Duration // per venue network call
}

// Manager owns the position lifecycle state machine: it places entry legs,
// accumulates partial fills into a hedge, rolls back a legged position,
// drives exits, and cancels stale orders. It is the sole owner of the active
// position set; the scanner only asks HasOpen. The internal lock is never
// held across a venue call.
type Manager struct {
	venues   map[string]port.Venue
	resolver *RuleResolver
	book     *domain.Book
	journal  port.Journal
	trades   map[string]TradeParams
	cfg      ManagerConfig

	// onCooldown tells the scanner a symbol just attempted entry or closed.
	onCooldown func(symbol string, nowMs int64)

	mu     sync.Mutex
	open   map[string]*model.Position     // symbol -> position
	byID   map[string]*model.Position     // position id -> position
	orders map[string]*model.OrderContext // order id -> context

	shuttingDown atomic.Bool
}

func NewManager(venues []port.Venue, resolver *RuleResolver, book *domain.Book, journal port.Journal,
	trades map[string]TradeParams, cfg ManagerConfig, onCooldown func(symbol string, nowMs int64)) *Manager {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 60 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 60 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	if onCooldown == nil {
		onCooldown = func(string, int64) {}
	}
	vm := make(map[string]port.Venue, len(venues))
	for _, v := range venues {
		vm[v.Name()] = v
	}
	return &Manager{
		venues:     vm,
		resolver:   resolver,
		book:       book,
		journal:    journal,
		trades:     trades,
		cfg:        cfg,
		onCooldown: onCooldown,
		open:       make(map[string]*model.Position),
		byID:       make(map[string]*model.Position),
		orders:     make(map[string]*model.OrderContext),
	}
}

// Shutdown stops all new order submission. In-flight placements complete.
func (m *Manager) Shutdown() { m.shuttingDown.Store(true) }

// HasOpen reports whether a symbol already has a live position.
func (m *Manager) HasOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[symbol]
	return ok
}

// OpenPositions returns copies of the active positions.
func (m *Manager) OpenPositions() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, *p)
	}
	return out
}

// Open attempts entry on a confirmed opportunity: size the legs, verify free
// balance on both venues (failing closed), then submit both legs
// concurrently. Every abort path starts the symbol's cooldown.
func (m *Manager) Open(ctx context.Context, opp model.Opportunity, nowMs int64) error {
	if m.shuttingDown.Load() {
		return nil
	}
	trade, ok := m.trades[opp.Symbol]
	if !ok {
		return nil // symbol not configured for trading
	}

	longBbo, okL := m.book.Bbo(opp.Symbol, opp.LongVenue, nowMs)
	_, okS := m.book.Bbo(opp.Symbol, opp.ShortVenue, nowMs)
	if !okL || !okS {
		return nil // books went stale between scan and entry
	}

	qty := m.resolver.OrderQuantity(opp.Symbol, longBbo.Ask,
		trade.MaxMarginUSD, trade.TargetLeverage, trade.TargetNotionalUSD)
	if qty <= 0 {
		log.Warn().Str("symbol", opp.Symbol).Float64("price", longBbo.Ask).
			Msg("entry aborted: computed quantity below venue minimum")
		m.onCooldown(opp.Symbol, nowMs)
		return nil
	}

	longVenue, okL := m.venues[opp.LongVenue]
	shortVenue, okS := m.venues[opp.ShortVenue]
	if !okL || !okS {
		return fmt.Errorf("unknown venue in opportunity %s/%s", opp.LongVenue, opp.ShortVenue)
	}

	// Balance check fails closed: a venue that cannot prove free margin
	// aborts the entry before any order is committed.
	for _, v := range []port.Venue{longVenue, shortVenue} {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		bal := v.Balance(cctx)
		cancel()
		if bal.Available < trade.MaxMarginUSD {
			log.Warn().Str("symbol", opp.Symbol).Str("venue", v.Name()).
				Float64("available", bal.Available).Float64("required", trade.MaxMarginUSD).
				Msg("entry aborted: insufficient free balance")
			m.onCooldown(opp.Symbol, nowMs)
			return nil
		}
	}

	m.resolver.ApplyLeverage(ctx, opp.Symbol, trade.TargetLeverage, opp.LongVenue, opp.ShortVenue)

	pos := &model.Position{
		ID:          uuid.NewString(),
		Symbol:      opp.Symbol,
		LongVenue:   opp.LongVenue,
		ShortVenue:  opp.ShortVenue,
		Kind:        opp.Kind,
		Qty:         qty,
		EntryTime:   nowMs,
		EntrySpread: opp.SpreadPct,
		Status:      model.StatusOpening,
	}

	m.mu.Lock()
	if _, exists := m.open[opp.Symbol]; exists {
		m.mu.Unlock()
		return nil
	}
	m.open[opp.Symbol] = pos
	m.byID[pos.ID] = pos
	m.mu.Unlock()

	if err := m.journal.CreatePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("journal create position failed")
	}
	m.onCooldown(opp.Symbol, nowMs) // entry attempted, suppress re-entry either way

	var wg sync.WaitGroup
	var longRes, shortRes model.OrderResult
	var longErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		if trade.Preset.MakerEntry {
			longRes, longErr = longVenue.PlaceLimitOrder(cctx, opp.Symbol, model.SideBuy, longBbo.Ask, qty, true)
		} else {
			longRes, longErr = longVenue.PlaceMarketOrder(cctx, opp.Symbol, model.SideBuy, qty, false)
		}
	}()
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		shortRes, shortErr = shortVenue.PlaceMarketOrder(cctx, opp.Symbol, model.SideSell, qty, false)
	}()
	wg.Wait()

	if longErr != nil && shortErr != nil {
		// nothing committed, drop the position record
		m.mu.Lock()
		delete(m.open, opp.Symbol)
		delete(m.byID, pos.ID)
		m.mu.Unlock()
		pos.Status = model.StatusClosed
		pos.CloseReason = "abandoned"
		pos.CloseTime = nowMs
		if err := m.journal.UpdatePosition(ctx, pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("journal update failed")
		}
		return fmt.Errorf("both entry legs failed: long: %v, short: %v", longErr, shortErr)
	}

	if longErr == nil {
		m.registerOrder(pos, opp.LongVenue, model.SideBuy, model.LegEntry, qty, longRes, nowMs)
	} else {
		log.Error().Err(longErr).Str("symbol", opp.Symbol).Str("venue", opp.LongVenue).
			Msg("long entry leg failed, legging risk until rollback")
	}
	if shortErr == nil {
		m.registerOrder(pos, opp.ShortVenue, model.SideSell, model.LegEntry, qty, shortRes, nowMs)
	} else {
		log.Error().Err(shortErr).Str("symbol", opp.Symbol).Str("venue", opp.ShortVenue).
			Msg("short entry leg failed, legging risk until rollback")
	}

	log.Info().Str("symbol", opp.Symbol).Str("position", pos.ID).Float64("qty", qty).
		Float64("entry_spread_pct", opp.SpreadPct).Str("kind", string(opp.Kind)).Msg("entry submitted")
	return nil
}

// registerOrder records the order context and applies any quantity the venue
// already filled at ack time.
func (m *Manager) registerOrder(pos *model.Position, venue string, side model.Side, leg model.LegType,
	qty float64, res model.OrderResult, nowMs int64) {
	m.mu.Lock()
	m.orders[res.OrderID] = &model.OrderContext{
		OrderID:    res.OrderID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Venue:      venue,
		Side:       side,
		Leg:        leg,
		Qty:        qty,
		CreatedAt:  nowMs,
	}
	m.mu.Unlock()

	if res.FilledQty > 0 {
		m.OnFill(model.FillEvent{
			Venue:     venue,
			OrderID:   res.OrderID,
			Symbol:    pos.Symbol,
			Side:      side,
			FilledQty: res.FilledQty,
			AvgPrice:  res.AvgPrice,
			Timestamp: nowMs,
		})
	}
}

// OnFill is the single entry point for fill confirmations from every venue
// adapter. Unknown order ids are ignored. Safe for concurrent callers.
func (m *Manager) OnFill(ev model.FillEvent) {
	m.mu.Lock()
	oc, ok := m.orders[ev.OrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pos, ok := m.byID[oc.PositionID]
	if !ok {
		delete(m.orders, ev.OrderID)
		m.mu.Unlock()
		return
	}

	oc.FilledQty += ev.FilledQty
	if oc.Remaining() <= qtyEps {
		delete(m.orders, ev.OrderID)
	}

	switch oc.Leg {
	case model.LegEntry, model.LegHedge:
		if ev.Venue == pos.LongVenue {
			pos.LongFilled += ev.FilledQty
		} else {
			pos.ShortFilled += ev.FilledQty
		}
	case model.LegExit:
		if ev.Venue == pos.LongVenue {
			pos.LongClosed += ev.FilledQty
		} else {
			pos.ShortClosed += ev.FilledQty
		}
	}
	m.recomputeHedgeLocked(pos)
	m.advanceStatusLocked(pos, ev.Timestamp)

	snapshot := *pos
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.journal.InsertFill(ctx, &ev); err != nil {
		log.Error().Err(err).Str("order", ev.OrderID).Msg("journal insert fill failed")
	}
	if err := m.journal.UpdatePosition(ctx, &snapshot); err != nil {
		log.Error().Err(err).Str("position", snapshot.ID).Msg("journal update position failed")
	}
	if snapshot.Status == model.StatusClosed {
		m.onCooldown(snapshot.Symbol, ev.Timestamp)
		log.Info().Str("symbol", snapshot.Symbol).Str("position", snapshot.ID).
			Str("reason", snapshot.CloseReason).Msg("position closed")
	}
}

// recomputeHedgeLocked refreshes PendingHedgeQty: the leg imbalance not yet
// covered by an in-flight hedge order. It can only shrink through confirmed
// fills on the lagging (hedge) venue or a freshly placed hedge order, never
// by assumption. Caller holds the lock.
func (m *Manager) recomputeHedgeLocked(pos *model.Position) {
	inflight := 0.0
	for _, oc := range m.orders {
		if oc.PositionID == pos.ID && oc.Leg == model.LegHedge {
			inflight += oc.Remaining()
		}
	}
	pending := pos.Imbalance() - inflight
	if pending < qtyEps {
		pending = 0
	}
	pos.PendingHedgeQty = pending
}

// advanceStatusLocked moves a position forward when its fill totals warrant
// it. Caller holds the lock.
func (m *Manager) advanceStatusLocked(pos *model.Position, nowMs int64) {
	switch pos.Status {
	case model.StatusOpening:
		imb := pos.Imbalance()
		balanced := imb <= qtyEps && pos.LongFilled > qtyEps
		if !balanced && pos.LongFilled > qtyEps && pos.ShortFilled > qtyEps {
			// a residue the hedge venue would reject as sub-minimum can
			// never be flushed; it must not pin the position in OPENING,
			// or the hold-time exits would never see it
			if venue, _, ok := pos.LaggingVenue(); ok {
				minQty, prec := m.hedgeLimitsLocked(pos.Symbol, venue)
				if domainsvc.FloorToPrecision(imb, prec) < minQty {
					balanced = true
				}
			}
		}
		fullyFilled := pos.LongFilled >= pos.Qty-qtyEps && pos.ShortFilled >= pos.Qty-qtyEps
		if fullyFilled || (balanced && !m.hasLiveOrdersLocked(pos.ID, model.LegEntry)) {
			pos.Status = model.StatusHedged
		}
	case model.StatusClosing:
		longDone := pos.LongClosed >= pos.LongFilled-qtyEps
		shortDone := pos.ShortClosed >= pos.ShortFilled-qtyEps
		if longDone && shortDone {
			m.finalizeLocked(pos, nowMs)
		}
	}
}

func (m *Manager) hasLiveOrdersLocked(positionID string, leg model.LegType) bool {
	for _, oc := range m.orders {
		if oc.PositionID == positionID && oc.Leg == leg && oc.Remaining() > qtyEps {
			return true
		}
	}
	return false
}

// hasLiveOrderOnVenueLocked reports a working order for the position on one
// venue, regardless of leg type.
func (m *Manager) hasLiveOrderOnVenueLocked(positionID, venue string) bool {
	for _, oc := range m.orders {
		if oc.PositionID == positionID && oc.Venue == venue && oc.Remaining() > qtyEps {
			return true
		}
	}
	return false
}

func (m *Manager) finalizeLocked(pos *model.Position, nowMs int64) {
	pos.Status = model.StatusClosed
	pos.CloseTime = nowMs
	if pos.CloseReason == "" {
		pos.CloseReason = "take_profit"
	}
	delete(m.open, pos.Symbol)
	delete(m.byID, pos.ID)
	for id, oc := range m.orders {
		if oc.PositionID == pos.ID {
			delete(m.orders, id)
		}
	}
}

// FlushHedges converts accumulated leg imbalance into a market order on the
// lagging venue, but only once the pending quantity clears that venue's own
// minimum order size. Dust below the minimum keeps accumulating instead of
// being rejected at the exchange.
func (m *Manager) FlushHedges(ctx context.Context, nowMs int64) {
	if m.shuttingDown.Load() {
		return
	}

	type hedgeOrder struct {
		pos   *model.Position
		venue string
		side  model.Side
		qty   float64
	}
	var todo []hedgeOrder

	m.mu.Lock()
	for _, pos := range m.open {
		if pos.Status != model.StatusOpening && pos.Status != model.StatusHedged {
			continue
		}
		if pos.PendingHedgeQty <= qtyEps {
			continue
		}
		venue, side, ok := pos.LaggingVenue()
		if !ok {
			continue
		}
		// a working order on the lagging venue will shrink the imbalance
		// on its own; hedging on top of it would overshoot
		if m.hasLiveOrderOnVenueLocked(pos.ID, venue) {
			continue
		}
		minQty, prec := m.hedgeLimitsLocked(pos.Symbol, venue)
		qty := domainsvc.FloorToPrecision(pos.PendingHedgeQty, prec)
		if qty < minQty || qty <= qtyEps {
			continue // below hedge venue minimum, keep accumulating
		}
		todo = append(todo, hedgeOrder{pos: pos, venue: venue, side: side, qty: qty})
	}
	m.mu.Unlock()

	for _, h := range todo {
		v, ok := m.venues[h.venue]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		res, err := v.PlaceMarketOrder(cctx, h.pos.Symbol, h.side, h.qty, false)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("symbol", h.pos.Symbol).Str("venue", h.venue).
				Float64("qty", h.qty).Msg("hedge order failed, will retry")
			continue
		}
		m.registerOrder(h.pos, h.venue, h.side, model.LegHedge, h.qty, res, nowMs)
		// pending shrinks by what is now in flight
		m.mu.Lock()
		m.recomputeHedgeLocked(h.pos)
		m.mu.Unlock()
		log.Info().Str("symbol", h.pos.Symbol).Str("venue", h.venue).
			Float64("qty", h.qty).Msg("hedge order placed")
	}
}

func (m *Manager) hedgeLimitsLocked(symbol, venue string) (minQty float64, precision int) {
	if r, ok := m.resolver.VenueRule(symbol, venue); ok {
		min := r.MinQty
		if sr, ok := m.resolver.Rule(symbol); ok {
			return min, sr.QtyPrecision
		}
		return min, r.QtyPrecision
	}
	if sr, ok := m.resolver.Rule(symbol); ok {
		return sr.MinQty, sr.QtyPrecision
	}
	return 0, 8
}

// CheckLegTimeouts handles the highest-priority failure path: a position past
// the fill timeout with fills on exactly one leg is "legged", carrying naked
// directional exposure, and is closed immediately with a reduce-only order.
// A position with no fills at all past the timeout is abandoned.
func (m *Manager) CheckLegTimeouts(ctx context.Context, nowMs int64) {
	m.mu.Lock()
	var legged, empty []*model.Position
	for _, pos := range m.open {
		if pos.Status != model.StatusOpening {
			continue
		}
		if nowMs-pos.EntryTime <= m.cfg.FillTimeout.Milliseconds() {
			continue
		}
		oneSided := (pos.LongFilled > qtyEps) != (pos.ShortFilled > qtyEps)
		if oneSided {
			legged = append(legged, pos)
		} else if pos.LongFilled <= qtyEps && pos.ShortFilled <= qtyEps {
			empty = append(empty, pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range empty {
		m.cancelPositionOrders(ctx, pos)
		m.mu.Lock()
		pos.CloseReason = "abandoned"
		m.finalizeLocked(pos, nowMs)
		snapshot := *pos
		m.mu.Unlock()
		m.persistUpdate(&snapshot)
		m.onCooldown(pos.Symbol, nowMs)
		log.Warn().Str("symbol", pos.Symbol).Str("position", pos.ID).
			Msg("entry abandoned: no fills within fill timeout")
	}

	for _, pos := range legged {
		log.Error().Str("symbol", pos.Symbol).Str("position", pos.ID).
			Float64("long_filled", pos.LongFilled).Float64("short_filled", pos.ShortFilled).
			Msg("legged position detected, rolling back filled leg")
		m.cancelPositionOrders(ctx, pos)
		m.mu.Lock()
		pos.Status = model.StatusClosing
		pos.CloseReason = "rollback"
		m.mu.Unlock()
		m.closeOpenLegs(ctx, pos, nowMs)
	}
}

// cancelPositionOrders cancels every working order of a position. Cancel
// failures are logged; the order timeout sweep will try again.
func (m *Manager) cancelPositionOrders(ctx context.Context, pos *model.Position) {
	m.mu.Lock()
	var toCancel []*model.OrderContext
	for _, oc := range m.orders {
		if oc.PositionID == pos.ID && oc.Remaining() > qtyEps {
			toCancel = append(toCancel, oc)
		}
	}
	m.mu.Unlock()

	for _, oc := range toCancel {
		v, ok := m.venues[oc.Venue]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		okCancel := v.CancelOrder(cctx, oc.OrderID, oc.Symbol)
		cancel()
		if !okCancel {
			log.Warn().Str("order", oc.OrderID).Str("venue", oc.Venue).Msg("cancel refused")
			continue
		}
		m.mu.Lock()
		delete(m.orders, oc.OrderID)
		m.recomputeHedgeLocked(pos)
		m.mu.Unlock()
	}
}

// EvaluateExits runs the exit policy for every open position. Before the
// minimum hold no exit is considered; past the maximum hold the position is
// cut unconditionally; in between the residual spread decides. CLOSING
// positions with missing close orders are retried here, which also covers
// rollback orders that failed to place.
func (m *Manager) EvaluateExits(ctx context.Context, nowMs int64) {
	m.mu.Lock()
	var toClose, closing []*model.Position
	for _, pos := range m.open {
		switch pos.Status {
		case model.StatusClosing:
			closing = append(closing, pos)
			continue
		case model.StatusHedged:
		default:
			continue
		}

		trade, ok := m.trades[pos.Symbol]
		if !ok {
			continue
		}
		elapsed := nowMs - pos.EntryTime

		if elapsed > trade.Preset.MaxHold.Milliseconds() {
			pos.Status = model.StatusClosing
			pos.CloseReason = "time_cut"
			toClose = append(toClose, pos)
			continue
		}
		if elapsed < trade.Preset.MinHold.Milliseconds() {
			continue // entry costs have not amortized yet
		}

		longBbo, okL := m.book.Bbo(pos.Symbol, pos.LongVenue, nowMs)
		shortBbo, okS := m.book.Bbo(pos.Symbol, pos.ShortVenue, nowMs)
		if !okL || !okS {
			continue // stale books: no exit decision this pass
		}
		pos.CurrentSpread = domainsvc.ExitSpreadPct(longBbo.Ask, shortBbo.Bid)
		if pos.CurrentSpread <= trade.Preset.ExitThresholdPct {
			pos.Status = model.StatusClosing
			pos.CloseReason = "take_profit"
			toClose = append(toClose, pos)
		}
	}
	m.mu.Unlock()

	for _, pos := range toClose {
		log.Info().Str("symbol", pos.Symbol).Str("position", pos.ID).
			Str("reason", pos.CloseReason).Float64("current_spread_pct", pos.CurrentSpread).
			Msg("exit triggered")
		m.closeOpenLegs(ctx, pos, nowMs)
	}
	for _, pos := range closing {
		m.closeOpenLegs(ctx, pos, nowMs) // retry path for missing close orders
	}
}

// closeOpenLegs places a reduce-only market order for every leg that still
// holds quantity and has no working exit order. Placement failures are
// critical and retried every monitor pass, never dropped.
func (m *Manager) closeOpenLegs(ctx context.Context, pos *model.Position, nowMs int64) {
	type closeOrder struct {
		venue string
		side  model.Side
		qty   float64
	}

	m.mu.Lock()
	var todo []closeOrder
	for _, leg := range []struct {
		venue string
		side  model.Side
	}{
		{pos.LongVenue, model.SideSell},
		{pos.ShortVenue, model.SideBuy},
	} {
		held := pos.HeldQty(leg.venue)
		if held <= qtyEps {
			continue
		}
		if m.hasLiveOrderOnVenueLocked(pos.ID, leg.venue) {
			continue
		}
		todo = append(todo, closeOrder{venue: leg.venue, side: leg.side, qty: held})
	}
	nothingHeld := pos.HeldQty(pos.LongVenue) <= qtyEps && pos.HeldQty(pos.ShortVenue) <= qtyEps
	if nothingHeld && !m.hasLiveOrdersLocked(pos.ID, model.LegExit) {
		m.finalizeLocked(pos, nowMs)
		snapshot := *pos
		m.mu.Unlock()
		m.persistUpdate(&snapshot)
		m.onCooldown(pos.Symbol, nowMs)
		log.Info().Str("symbol", pos.Symbol).Str("position", pos.ID).
			Str("reason", pos.CloseReason).Msg("position closed")
		return
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range todo {
		c := c
		v, ok := m.venues[c.venue]
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			res, err := v.PlaceMarketOrder(cctx, pos.Symbol, c.side, c.qty, true)
			cancel()
			if err != nil {
				// unbounded directional risk while this leg stays open
				log.Error().Err(err).Str("symbol", pos.Symbol).Str("venue", c.venue).
					Float64("qty", c.qty).Msg("CRITICAL: close order failed, retrying next pass")
				return
			}
			m.registerOrder(pos, c.venue, c.side, model.LegExit, c.qty, res, nowMs)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	snapshot := *pos
	m.mu.Unlock()
	m.persistUpdate(&snapshot)
}

// SweepStaleOrders cancels any working order older than the order timeout.
// The cancel removes only the unfilled remainder: a position keeps whatever
// exposure actually filled and continues to be hedged and monitored, while a
// position with no fill at all is abandoned.
func (m *Manager) SweepStaleOrders(ctx context.Context, nowMs int64) {
	m.mu.Lock()
	var stale []*model.OrderContext
	for _, oc := range m.orders {
		if nowMs-oc.CreatedAt > m.cfg.OrderTimeout.Milliseconds() && oc.Remaining() > qtyEps {
			stale = append(stale, oc)
		}
	}
	m.mu.Unlock()

	for _, oc := range stale {
		v, ok := m.venues[oc.Venue]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		okCancel := v.CancelOrder(cctx, oc.OrderID, oc.Symbol)
		cancel()
		if !okCancel {
			log.Warn().Str("order", oc.OrderID).Str("venue", oc.Venue).Msg("stale order cancel refused")
			continue
		}
		log.Warn().Str("order", oc.OrderID).Str("venue", oc.Venue).Str("leg", string(oc.Leg)).
			Float64("filled", oc.FilledQty).Float64("cancelled", oc.Remaining()).
			Msg("stale order cancelled")

		m.mu.Lock()
		delete(m.orders, oc.OrderID)
		pos, live := m.byID[oc.PositionID]
		if !live {
			m.mu.Unlock()
			continue
		}
		if oc.Leg == model.LegEntry {
			if pos.LongFilled <= qtyEps && pos.ShortFilled <= qtyEps &&
				!m.hasLiveOrdersLocked(pos.ID, model.LegEntry) {
				pos.CloseReason = "abandoned"
				m.finalizeLocked(pos, nowMs)
				snapshot := *pos
				m.mu.Unlock()
				m.persistUpdate(&snapshot)
				m.onCooldown(pos.Symbol, nowMs)
				continue
			}
			// shrink the target to what actually filled so the hedge
			// converges on the real exposure
			lead := pos.LongFilled
			if pos.ShortFilled > lead {
				lead = pos.ShortFilled
			}
			if lead < pos.Qty {
				pos.Qty = lead
			}
		}
		m.recomputeHedgeLocked(pos)
		m.advanceStatusLocked(pos, nowMs)
		snapshot := *pos
		m.mu.Unlock()
		m.persistUpdate(&snapshot)
	}
}

func (m *Manager) persistUpdate(pos *model.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.journal.UpdatePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("journal update position failed")
	}
}
