package domain

import (
	"testing"
	"time"

	"perparb/internal/domain/model"
)

func TestBookBboStaleness(t *testing.T) {
	b := NewBook(2 * time.Second)
	now := int64(1_000_000)

	b.UpdateBbo(model.BboSnapshot{Symbol: "BTCUSDT", Venue: "ALPHA", Bid: 100, Ask: 101, Timestamp: now})

	if _, ok := b.Bbo("BTCUSDT", "ALPHA", now+1500); !ok {
		t.Errorf("snapshot within staleness window should be returned")
	}
	if _, ok := b.Bbo("BTCUSDT", "ALPHA", now+2500); ok {
		t.Errorf("snapshot past staleness window should be treated as absent")
	}
}

func TestBookKeyNormalization(t *testing.T) {
	b := NewBook(2 * time.Second)
	now := int64(1_000_000)

	b.UpdateBbo(model.BboSnapshot{Symbol: "btcusdt", Venue: "alpha", Bid: 100, Ask: 101, Timestamp: now})

	snap, ok := b.Bbo("BTCUSDT", "ALPHA", now)
	if !ok {
		t.Fatalf("expected snapshot under normalized key")
	}
	if snap.Bid != 100 {
		t.Errorf("expected bid 100, got %v", snap.Bid)
	}
}

func TestBookFreshBbos(t *testing.T) {
	b := NewBook(2 * time.Second)
	now := int64(1_000_000)

	b.UpdateBbo(model.BboSnapshot{Symbol: "BTCUSDT", Venue: "ALPHA", Bid: 100, Ask: 101, Timestamp: now})
	b.UpdateBbo(model.BboSnapshot{Symbol: "BTCUSDT", Venue: "BETA", Bid: 100.5, Ask: 101.5, Timestamp: now - 5000})

	fresh := b.FreshBbos("BTCUSDT", now)
	if len(fresh) != 1 {
		t.Fatalf("expected 1 fresh snapshot, got %d", len(fresh))
	}
	if _, ok := fresh["ALPHA"]; !ok {
		t.Errorf("expected ALPHA to be the fresh venue")
	}
}

func TestBookFundingFreshness(t *testing.T) {
	b := NewBook(2 * time.Second)
	now := int64(10_000_000)

	b.UpdateFunding(model.FundingSnapshot{Symbol: "BTCUSDT", Venue: "ALPHA", Rate: 0.0001, IntervalHours: 8, Timestamp: now})

	if _, ok := b.Funding("BTCUSDT", "ALPHA", now+30*60*1000); !ok {
		t.Errorf("funding should stay fresh for an hour regardless of bbo staleness")
	}
	if _, ok := b.Funding("BTCUSDT", "ALPHA", now+2*60*60*1000); ok {
		t.Errorf("funding older than an hour should be absent")
	}
}

func TestBookMid(t *testing.T) {
	b := NewBook(2 * time.Second)
	now := int64(1_000_000)

	b.UpdateBbo(model.BboSnapshot{Symbol: "ETHUSDT", Venue: "ALPHA", Bid: 2000, Ask: 2002, Timestamp: now})

	mid, ok := b.Mid("ETHUSDT", "ALPHA", now)
	if !ok {
		t.Fatalf("expected mid")
	}
	if mid != 2001 {
		t.Errorf("expected mid 2001, got %v", mid)
	}
}
