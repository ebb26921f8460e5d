package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	"perparb/internal/domain"
	"perparb/internal/domain/model"
	domainsvc "perparb/internal/domain/service"
)

// SymbolStrategy carries the per-symbol scan parameters resolved from the
// configured preset plus the two venues' fee schedules.
type SymbolStrategy struct {
	EntryThresholdPct float64
	FundingEntryPct   float64 // 0 disables funding scans for the symbol
}

// ScannerConfig are the process-wide scan knobs.
type ScannerConfig struct {
	Confirmations        int           // consecutive confirming ticks before emit
	Cooldown             time.Duration // re-entry suppression after exit/attempt
	OutlierMaxDevPct     float64       // mid deviation filter
	EntrySafetyPct       float64       // added on top of round-trip fees
	FundingIntervalHours float64       // common funding comparison interval
}

// OpenPositionChecker is the one thing the scanner reads from the position
// manager: whether a symbol already has a live position.
type OpenPositionChecker interface {
	HasOpen(symbol string) bool
}

// Scanner reads the market data store each tick and emits confirmed
// opportunities. All confirmation counters and cooldown stamps live here,
// keyed by symbol, and reset the moment their qualifying condition breaks.
type Scanner struct {
	book      *domain.Book
	positions OpenPositionChecker
	journal   port.Journal
	cfg       ScannerConfig

	strategies map[string]SymbolStrategy
	venueFees  map[string]float64 // venue -> taker fee pct

	mu            sync.Mutex
	confirmations map[string]int   // "<symbol>|<kind>" -> consecutive confirms
	cooldownUntil map[string]int64 // symbol -> unix ms
}

func NewScanner(book *domain.Book, positions OpenPositionChecker, journal port.Journal,
	strategies map[string]SymbolStrategy, venueFees map[string]float64, cfg ScannerConfig) *Scanner {
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 120 * time.Second
	}
	if cfg.FundingIntervalHours <= 0 {
		cfg.FundingIntervalHours = 8
	}
	return &Scanner{
		book:          book,
		positions:     positions,
		journal:       journal,
		cfg:           cfg,
		strategies:    strategies,
		venueFees:     venueFees,
		confirmations: make(map[string]int),
		cooldownUntil: make(map[string]int64),
	}
}

// StartCooldown suppresses a symbol for the configured window. Called after
// every entry attempt and every position close.
func (s *Scanner) StartCooldown(symbol string, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil[symbol] = nowMs + s.cfg.Cooldown.Milliseconds()
	delete(s.confirmations, symbol+"|"+string(model.KindSpread))
	delete(s.confirmations, symbol+"|"+string(model.KindFunding))
}

func (s *Scanner) inCooldown(symbol string, nowMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nowMs < s.cooldownUntil[symbol]
}

// confirm bumps the counter for a key and reports whether it reached the
// requirement; reaching it resets the counter so the next emit needs a fresh
// streak.
func (s *Scanner) confirm(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations[key]++
	if s.confirmations[key] >= s.cfg.Confirmations {
		s.confirmations[key] = 0
		return true
	}
	return false
}

func (s *Scanner) reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.confirmations, key)
}

// Scan evaluates every configured symbol once and returns the confirmed
// opportunities. Symbols with an open position, in cooldown, or with fewer
// than two fresh quotes emit nothing.
func (s *Scanner) Scan(ctx context.Context, nowMs int64) []model.Opportunity {
	var out []model.Opportunity
	for symbol, strat := range s.strategies {
		if s.positions.HasOpen(symbol) {
			continue
		}
		if s.inCooldown(symbol, nowMs) {
			continue
		}
		if opp, ok := s.scanSpread(symbol, strat, nowMs); ok {
			s.persist(ctx, &opp)
			out = append(out, opp)
			continue // one entry per symbol per tick
		}
		if strat.FundingEntryPct > 0 {
			if opp, ok := s.scanFunding(symbol, strat, nowMs); ok {
				s.persist(ctx, &opp)
				out = append(out, opp)
			}
		}
	}
	return out
}

func (s *Scanner) scanSpread(symbol string, strat SymbolStrategy, nowMs int64) (model.Opportunity, bool) {
	key := symbol + "|" + string(model.KindSpread)

	bbos := s.book.FreshBbos(symbol, nowMs)
	if len(bbos) < 2 {
		s.reset(key)
		return model.Opportunity{}, false
	}
	bbos = domainsvc.FilterOutliers(bbos, s.cfg.OutlierMaxDevPct)

	buy, sell, ok := domainsvc.BestPair(bbos)
	if !ok {
		s.reset(key)
		return model.Opportunity{}, false
	}

	spread := domainsvc.SpreadPct(buy.Ask, sell.Bid)
	threshold := domainsvc.EntryFloor(strat.EntryThresholdPct,
		s.venueFees[buy.Venue], s.venueFees[sell.Venue], s.cfg.EntrySafetyPct)
	if spread < threshold {
		s.reset(key)
		return model.Opportunity{}, false
	}

	if !s.confirm(key) {
		return model.Opportunity{}, false
	}

	opp := model.Opportunity{
		Symbol:     symbol,
		LongVenue:  buy.Venue,
		ShortVenue: sell.Venue,
		SpreadPct:  spread,
		Kind:       model.KindSpread,
		Timestamp:  nowMs,
	}
	log.Info().Str("symbol", symbol).Str("long", opp.LongVenue).Str("short", opp.ShortVenue).
		Float64("spread_pct", spread).Float64("threshold_pct", threshold).
		Msg("spread opportunity confirmed")
	return opp, true
}

func (s *Scanner) scanFunding(symbol string, strat SymbolStrategy, nowMs int64) (model.Opportunity, bool) {
	key := symbol + "|" + string(model.KindFunding)

	// funding positions still need two fresh books to execute against
	bbos := s.book.FreshBbos(symbol, nowMs)
	if len(bbos) < 2 {
		s.reset(key)
		return model.Opportunity{}, false
	}

	rates := s.book.FreshFunding(symbol, nowMs)
	longVenue, shortVenue, edge, ok := domainsvc.FundingEdge(rates, s.cfg.FundingIntervalHours)
	if !ok || edge < strat.FundingEntryPct {
		s.reset(key)
		return model.Opportunity{}, false
	}
	if _, ok := bbos[longVenue]; !ok {
		s.reset(key)
		return model.Opportunity{}, false
	}
	if _, ok := bbos[shortVenue]; !ok {
		s.reset(key)
		return model.Opportunity{}, false
	}

	if !s.confirm(key) {
		return model.Opportunity{}, false
	}

	opp := model.Opportunity{
		Symbol:     symbol,
		LongVenue:  longVenue,
		ShortVenue: shortVenue,
		SpreadPct:  edge,
		Kind:       model.KindFunding,
		Timestamp:  nowMs,
	}
	log.Info().Str("symbol", symbol).Str("long", longVenue).Str("short", shortVenue).
		Float64("edge_pct", edge).Msg("funding opportunity confirmed")
	return opp, true
}

func (s *Scanner) persist(ctx context.Context, opp *model.Opportunity) {
	if err := s.journal.SaveOpportunity(ctx, opp); err != nil {
		log.Error().Err(err).Str("symbol", opp.Symbol).Msg("save opportunity failed")
	}
}
