package domain

import (
	"strings"
	"sync"
	"time"

	"perparb/internal/domain/model"
)

// DefaultStaleness is the window after which a snapshot counts as absent.
const DefaultStaleness = 2 * time.Second

// Book is the shared market data store: (symbol, venue) -> latest BBO and
// funding snapshots. Concurrent feed writers and the scan-tick reader share
// it. A snapshot older than the staleness window is treated as absent, which
// is a normal state, never an error.
type Book struct {
	mu        sync.RWMutex
	staleness time.Duration
	bbos      map[string]map[string]model.BboSnapshot     // symbol -> venue -> snapshot
	funding   map[string]map[string]model.FundingSnapshot // symbol -> venue -> snapshot
}

// NewBook creates an empty store. staleness <= 0 falls back to the default.
func NewBook(staleness time.Duration) *Book {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Book{
		staleness: staleness,
		bbos:      make(map[string]map[string]model.BboSnapshot),
		funding:   make(map[string]map[string]model.FundingSnapshot),
	}
}

func normKey(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// UpdateBbo overwrites the entry for the snapshot's (symbol, venue) key.
func (b *Book) UpdateBbo(snap model.BboSnapshot) {
	sym := normKey(snap.Symbol)
	ven := normKey(snap.Venue)
	if sym == "" || ven == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.bbos[sym]
	if m == nil {
		m = make(map[string]model.BboSnapshot)
		b.bbos[sym] = m
	}
	m[ven] = snap
}

// UpdateFunding overwrites the funding entry for (symbol, venue).
func (b *Book) UpdateFunding(snap model.FundingSnapshot) {
	sym := normKey(snap.Symbol)
	ven := normKey(snap.Venue)
	if sym == "" || ven == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.funding[sym]
	if m == nil {
		m = make(map[string]model.FundingSnapshot)
		b.funding[sym] = m
	}
	m[ven] = snap
}

func (b *Book) fresh(ts, nowMs int64) bool {
	return nowMs-ts <= b.staleness.Milliseconds()
}

// Bbo returns the snapshot for (symbol, venue), or ok=false when it is
// missing or older than the staleness window.
func (b *Book) Bbo(symbol, venue string, nowMs int64) (model.BboSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.bbos[normKey(symbol)][normKey(venue)]
	if !ok || !b.fresh(snap.Timestamp, nowMs) {
		return model.BboSnapshot{}, false
	}
	return snap, true
}

// Mid returns (bid+ask)/2 for (symbol, venue) if fresh.
func (b *Book) Mid(symbol, venue string, nowMs int64) (float64, bool) {
	snap, ok := b.Bbo(symbol, venue, nowMs)
	if !ok || snap.Mid() == 0 {
		return 0, false
	}
	return snap.Mid(), true
}

// FreshBbos returns every non-stale snapshot for a symbol, keyed by venue.
func (b *Book) FreshBbos(symbol string, nowMs int64) map[string]model.BboSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]model.BboSnapshot)
	for ven, snap := range b.bbos[normKey(symbol)] {
		if b.fresh(snap.Timestamp, nowMs) {
			out[ven] = snap
		}
	}
	return out
}

// Funding returns the funding snapshot for (symbol, venue) if fresh. Funding
// moves slowly, so the freshness window is 1h regardless of BBO staleness.
func (b *Book) Funding(symbol, venue string, nowMs int64) (model.FundingSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.funding[normKey(symbol)][normKey(venue)]
	if !ok || nowMs-snap.Timestamp > time.Hour.Milliseconds() {
		return model.FundingSnapshot{}, false
	}
	return snap, true
}

// FreshFunding returns every fresh funding snapshot for a symbol by venue.
func (b *Book) FreshFunding(symbol string, nowMs int64) map[string]model.FundingSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]model.FundingSnapshot)
	for ven, snap := range b.funding[normKey(symbol)] {
		if nowMs-snap.Timestamp <= time.Hour.Milliseconds() {
			out[ven] = snap
		}
	}
	return out
}
