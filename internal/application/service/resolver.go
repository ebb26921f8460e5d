package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	"perparb/internal/domain/model"
	domainsvc "perparb/internal/domain/service"
)

// RuleResolver loads every venue's market metadata and merges it into one
// conservative rule set per symbol. Symbols offered by fewer than two venues
// are dropped: there is no counterparty venue to arbitrage against.
type RuleResolver struct {
	mu          sync.RWMutex
	venues      map[string]port.Venue
	callTimeout time.Duration

	synced   map[string]model.SyncedRule
	perVenue map[string]map[string]model.VenueRule // symbol -> venue -> rule
}

func NewRuleResolver(venues []port.Venue, callTimeout time.Duration) *RuleResolver {
	if callTimeout <= 0 {
		callTimeout = 3 * time.Second
	}
	vm := make(map[string]port.Venue, len(venues))
	for _, v := range venues {
		vm[v.Name()] = v
	}
	return &RuleResolver{
		venues:      vm,
		callTimeout: callTimeout,
		synced:      make(map[string]model.SyncedRule),
		perVenue:    make(map[string]map[string]model.VenueRule),
	}
}

// WarmUp fetches market metadata from every venue and rebuilds the synced
// rules for the tracked symbols. A venue that fails to answer is skipped for
// this pass; warm-up only fails when no venue answered at all. Safe to call
// again to refresh rules on demand.
func (rr *RuleResolver) WarmUp(ctx context.Context, symbols []string) error {
	perVenue := make(map[string]map[string]model.VenueRule)
	answered := 0

	for name, v := range rr.venues {
		cctx, cancel := context.WithTimeout(ctx, rr.callTimeout)
		markets, err := v.LoadMarkets(cctx)
		cancel()
		if err != nil {
			log.Warn().Str("venue", name).Err(err).Msg("load markets failed, venue skipped this pass")
			continue
		}
		answered++
		for sym, rule := range markets {
			m := perVenue[sym]
			if m == nil {
				m = make(map[string]model.VenueRule)
				perVenue[sym] = m
			}
			m[name] = rule
		}
	}
	if answered == 0 {
		return errors.New("no venue answered market metadata warm-up")
	}

	synced := make(map[string]model.SyncedRule, len(symbols))
	for _, sym := range symbols {
		rule, ok := domainsvc.SyncRules(sym, perVenue[sym])
		if !ok {
			log.Warn().Str("symbol", sym).Int("venues", len(perVenue[sym])).
				Msg("symbol offered by fewer than two venues, excluded from scanning")
			continue
		}
		synced[sym] = rule
	}

	rr.mu.Lock()
	rr.synced = synced
	rr.perVenue = perVenue
	rr.mu.Unlock()

	log.Info().Int("venues", answered).Int("tradeable_symbols", len(synced)).Msg("rule warm-up complete")
	return nil
}

// Rule returns the synced rule for a symbol.
func (rr *RuleResolver) Rule(symbol string) (model.SyncedRule, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.synced[symbol]
	return r, ok
}

// VenueRule returns one venue's own rule for a symbol, used where per-venue
// limits matter (hedge dust checks) rather than the conservative merge.
func (rr *RuleResolver) VenueRule(symbol, venue string) (model.VenueRule, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.perVenue[symbol][venue]
	return r, ok
}

// TradeableSymbols lists symbols with a synced rule.
func (rr *RuleResolver) TradeableSymbols() []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	out := make([]string, 0, len(rr.synced))
	for sym := range rr.synced {
		out = append(out, sym)
	}
	return out
}

// OrderQuantity computes the order size for a symbol at the given price, or
// 0 when the symbol has no rule or the size falls below venue minimums.
// A missing rule is a configuration gap, not a fatal error.
func (rr *RuleResolver) OrderQuantity(symbol string, price, marginUsd, targetLeverage, targetNotionalUsd float64) float64 {
	rule, ok := rr.Rule(symbol)
	if !ok {
		log.Warn().Str("symbol", symbol).Msg("no synced rule for symbol, no trade")
		return 0
	}
	return domainsvc.OrderQuantity(rule, price, marginUsd, targetLeverage, targetNotionalUsd)
}

// ApplyLeverage sets the clamped leverage on both trade venues. Failures are
// logged and ignored; the venue keeps its previous setting.
func (rr *RuleResolver) ApplyLeverage(ctx context.Context, symbol string, targetLeverage float64, venues ...string) {
	rule, ok := rr.Rule(symbol)
	if !ok {
		return
	}
	lev := domainsvc.EffectiveLeverage(rule, targetLeverage)
	for _, name := range venues {
		v, ok := rr.venues[name]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, rr.callTimeout)
		if !v.SetLeverage(cctx, symbol, lev) {
			log.Warn().Str("venue", name).Str("symbol", symbol).Float64("leverage", lev).Msg("set leverage refused")
		}
		cancel()
	}
}
