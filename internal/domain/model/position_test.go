package model

import "testing"

func TestLaggingVenue(t *testing.T) {
	p := &Position{LongVenue: "ALPHA", ShortVenue: "BETA", LongFilled: 1.0, ShortFilled: 0.4}

	venue, side, ok := p.LaggingVenue()
	if !ok {
		t.Fatalf("expected a lagging venue")
	}
	if venue != "BETA" || side != SideSell {
		t.Errorf("expected SELL on BETA, got %s on %s", side, venue)
	}

	p.ShortFilled = 1.0
	if _, _, ok := p.LaggingVenue(); ok {
		t.Errorf("balanced legs must report no lagging venue")
	}
}

func TestHeldQty(t *testing.T) {
	p := &Position{LongVenue: "ALPHA", ShortVenue: "BETA",
		LongFilled: 1.5, ShortFilled: 1.5, LongClosed: 0.5}

	if got := p.HeldQty("ALPHA"); got != 1.0 {
		t.Errorf("expected 1.0 held on ALPHA, got %v", got)
	}
	if got := p.HeldQty("BETA"); got != 1.5 {
		t.Errorf("expected 1.5 held on BETA, got %v", got)
	}
	if got := p.HeldQty("GAMMA"); got != 0 {
		t.Errorf("unknown venue holds nothing, got %v", got)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Errorf("side opposites are wrong")
	}
}
