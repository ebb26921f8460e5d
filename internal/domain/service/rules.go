package service

import (
	"math"
	"sort"

	"perparb/internal/domain/model"
)

// SyncRules merges every venue's rule for a symbol into the conservative
// SyncedRule. ok is false when fewer than two venues offer the symbol: a
// single-venue symbol cannot be arbitraged and is dropped.
func SyncRules(symbol string, perVenue map[string]model.VenueRule) (model.SyncedRule, bool) {
	if len(perVenue) < 2 {
		return model.SyncedRule{}, false
	}

	venues := make([]string, 0, len(perVenue))
	for v := range perVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	out := model.SyncedRule{Symbol: symbol, Venues: venues}
	first := true
	for _, v := range venues {
		r := perVenue[v]
		if first {
			out.MinQty = r.MinQty
			out.QtyPrecision = r.QtyPrecision
			out.MaxLeverage = r.MaxLeverage
			first = false
			continue
		}
		if r.MinQty > out.MinQty {
			out.MinQty = r.MinQty
		}
		if r.QtyPrecision < out.QtyPrecision {
			out.QtyPrecision = r.QtyPrecision
		}
		if r.MaxLeverage < out.MaxLeverage {
			out.MaxLeverage = r.MaxLeverage
		}
	}
	return out, true
}

// FloorToPrecision rounds qty down to the given number of decimal places.
// Negative precision means a step size above one: -1 floors to multiples of
// 10, -2 to multiples of 100.
func FloorToPrecision(qty float64, precision int) float64 {
	if qty <= 0 {
		return 0
	}
	step := math.Pow(10, float64(-precision))
	// tiny epsilon so 1.50/0.01 landing on 149.999999 still floors to 150
	return math.Floor(qty/step+1e-9) * step
}

// OrderQuantity computes the leverage-aware order size for a synced rule.
// Returns 0 ("no trade") when the rounded quantity falls below the rule's
// minimum: under-sizing is never rounded up past the allotted margin.
// Pure function of its inputs.
func OrderQuantity(rule model.SyncedRule, price, marginUsd, targetLeverage, targetNotionalUsd float64) float64 {
	if price <= 0 || marginUsd <= 0 {
		return 0
	}
	lev := EffectiveLeverage(rule, targetLeverage)
	notional := marginUsd * lev
	if targetNotionalUsd > 0 && targetNotionalUsd < notional {
		notional = targetNotionalUsd
	}
	qty := FloorToPrecision(notional/price, rule.QtyPrecision)
	if qty < rule.MinQty {
		return 0
	}
	return qty
}

// EffectiveLeverage clamps the configured target leverage to the rule.
func EffectiveLeverage(rule model.SyncedRule, targetLeverage float64) float64 {
	if targetLeverage <= 0 {
		return 1
	}
	if rule.MaxLeverage > 0 && targetLeverage > rule.MaxLeverage {
		return rule.MaxLeverage
	}
	return targetLeverage
}
