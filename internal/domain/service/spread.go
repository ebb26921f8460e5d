package service

import (
	"perparb/internal/domain/model"
)

// FilterOutliers drops venues whose mid deviates from the cross-venue mean by
// more than maxDeviationPct percent. A single corrupted feed would otherwise
// manufacture a phantom spread against every healthy venue.
func FilterOutliers(bbos map[string]model.BboSnapshot, maxDeviationPct float64) map[string]model.BboSnapshot {
	if len(bbos) < 2 || maxDeviationPct <= 0 {
		return bbos
	}

	var sum float64
	var n int
	for _, snap := range bbos {
		if m := snap.Mid(); m > 0 {
			sum += m
			n++
		}
	}
	if n < 2 {
		return bbos
	}
	mean := sum / float64(n)

	out := make(map[string]model.BboSnapshot, len(bbos))
	for ven, snap := range bbos {
		m := snap.Mid()
		if m <= 0 {
			continue
		}
		dev := (m - mean) / mean * 100
		if dev < 0 {
			dev = -dev
		}
		if dev <= maxDeviationPct {
			out[ven] = snap
		}
	}
	return out
}

// BestPair picks the cheapest ask (buy venue) and richest bid (sell venue).
// ok is false when fewer than two venues remain, both picks land on the same
// venue, or there is no positive edge (buy ask >= sell bid).
func BestPair(bbos map[string]model.BboSnapshot) (buy, sell model.BboSnapshot, ok bool) {
	if len(bbos) < 2 {
		return buy, sell, false
	}
	for _, snap := range bbos {
		if snap.Ask > 0 && (buy.Venue == "" || snap.Ask < buy.Ask) {
			buy = snap
		}
		if snap.Bid > 0 && (sell.Venue == "" || snap.Bid > sell.Bid) {
			sell = snap
		}
	}
	if buy.Venue == "" || sell.Venue == "" || buy.Venue == sell.Venue {
		return buy, sell, false
	}
	if buy.Ask >= sell.Bid {
		return buy, sell, false
	}
	return buy, sell, true
}

// SpreadPct is the entry edge in percent: sell the rich bid, buy the cheap ask.
func SpreadPct(buyAsk, sellBid float64) float64 {
	if buyAsk <= 0 {
		return 0
	}
	return (sellBid - buyAsk) / buyAsk * 100
}

// ExitSpreadPct is the residual edge on an open position: what a fresh entry
// between the same two venues would earn right now. Exit triggers when it
// collapses to the preset's exit threshold.
func ExitSpreadPct(longVenueAsk, shortVenueBid float64) float64 {
	return SpreadPct(longVenueAsk, shortVenueBid)
}

// EntryFloor lifts a configured entry threshold to at least the round-trip
// taker fees on both venues plus a safety margin, all in percent. A threshold
// below cost would deploy capital at a guaranteed loss.
func EntryFloor(thresholdPct, longFeePct, shortFeePct, safetyPct float64) float64 {
	floor := 2*(longFeePct+shortFeePct) + safetyPct
	if thresholdPct < floor {
		return floor
	}
	return thresholdPct
}

// NormalizeFundingRate rescales a venue's per-interval funding rate to the
// common comparison interval. An hourly rate compared over 8h is multiplied
// by 8; an 8h rate passes through.
func NormalizeFundingRate(rate, intervalHours, targetHours float64) float64 {
	if intervalHours <= 0 || targetHours <= 0 {
		return rate
	}
	return rate * targetHours / intervalHours
}

// FundingEdge finds the venue pair with the widest normalized funding-rate
// difference over targetHours. Longs pay positive funding and shorts receive
// it, so the long goes on the venue with the lower rate and the short on the
// higher one; the better of the two possible directions is chosen by sign.
// edgePct is the expected funding capture in percent over the interval.
func FundingEdge(rates map[string]model.FundingSnapshot, targetHours float64) (longVenue, shortVenue string, edgePct float64, ok bool) {
	if len(rates) < 2 {
		return "", "", 0, false
	}
	for v1, s1 := range rates {
		for v2, s2 := range rates {
			if v1 == v2 {
				continue
			}
			r1 := NormalizeFundingRate(s1.Rate, s1.IntervalHours, targetHours)
			r2 := NormalizeFundingRate(s2.Rate, s2.IntervalHours, targetHours)
			// long v1 / short v2 captures r2 - r1
			edge := (r2 - r1) * 100
			if edge > edgePct {
				longVenue, shortVenue, edgePct = v1, v2, edge
				ok = true
			}
		}
	}
	return longVenue, shortVenue, edgePct, ok
}
