package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	"perparb/internal/domain"
	"perparb/internal/domain/model"
)

// EngineConfig are the loop intervals.
type EngineConfig struct {
	ScanInterval    time.Duration // opportunity scan
	MonitorInterval time.Duration // exits, hedge flush, leg timeouts
	SweepInterval   time.Duration // stale order cancellation
}

// Engine wires the feed, scanner and position manager together and runs the
// periodic loops until the context is cancelled.
type Engine struct {
	venues   []port.Venue
	book     *domain.Book
	resolver *RuleResolver
	scanner  *Scanner
	manager  *Manager
	journal  port.Journal
	symbols  []string
	cfg      EngineConfig
}

func NewEngine(venues []port.Venue, book *domain.Book, resolver *RuleResolver,
	scanner *Scanner, manager *Manager, journal port.Journal, symbols []string, cfg EngineConfig) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 500 * time.Millisecond
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Engine{
		venues:   venues,
		book:     book,
		resolver: resolver,
		scanner:  scanner,
		manager:  manager,
		journal:  journal,
		symbols:  symbols,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled. Shutdown order matters: the manager
// stops submitting first, then the venue connections close, so an in-flight
// order is never orphaned by a dead connection.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.resolver.WarmUp(ctx, e.symbols); err != nil {
		return fmt.Errorf("warm up trading rules: %w", err)
	}
	e.reportStalePositions(ctx)

	cb := port.MarketCallbacks{
		OnBbo:     e.book.UpdateBbo,
		OnFunding: e.book.UpdateFunding,
		OnFill:    e.manager.OnFill,
	}
	for _, v := range e.venues {
		if err := v.StartFeed(ctx, cb); err != nil {
			return fmt.Errorf("start feed %s: %w", v.Name(), err)
		}
		log.Info().Str("venue", v.Name()).Msg("market feed started")
	}

	scanTicker := time.NewTicker(e.cfg.ScanInterval)
	defer scanTicker.Stop()
	monitorTicker := time.NewTicker(e.cfg.MonitorInterval)
	defer monitorTicker.Stop()
	sweepTicker := time.NewTicker(e.cfg.SweepInterval)
	defer sweepTicker.Stop()

	log.Info().Strs("symbols", e.resolver.TradeableSymbols()).
		Dur("scan_interval", e.cfg.ScanInterval).Msg("engine running")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-scanTicker.C:
			nowMs := time.Now().UnixMilli()
			for _, opp := range e.scanner.Scan(ctx, nowMs) {
				if err := e.manager.Open(ctx, opp, nowMs); err != nil {
					log.Error().Err(err).Str("symbol", opp.Symbol).Msg("entry failed")
				}
			}
		case <-monitorTicker.C:
			nowMs := time.Now().UnixMilli()
			e.manager.CheckLegTimeouts(ctx, nowMs)
			e.manager.FlushHedges(ctx, nowMs)
			e.manager.EvaluateExits(ctx, nowMs)
		case <-sweepTicker.C:
			e.manager.SweepStaleOrders(ctx, time.Now().UnixMilli())
		}
	}
}

// reportStalePositions surfaces positions the journal still marks open from a
// previous run. They are not resumed automatically: without the original
// order state the safe action is operator review, not blind re-adoption.
func (e *Engine) reportStalePositions(ctx context.Context) {
	stale, err := e.journal.ListOpenPositions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list open positions from journal failed")
		return
	}
	for _, p := range stale {
		log.Warn().Str("position", p.ID).Str("symbol", p.Symbol).
			Str("status", string(p.Status)).Float64("long_filled", p.LongFilled).
			Float64("short_filled", p.ShortFilled).
			Msg("journal holds a position from a previous run, manual review required")
	}
}

func (e *Engine) shutdown() {
	log.Info().Msg("shutting down")
	e.manager.Shutdown()

	// give in-flight placements a moment to complete before connections drop
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(openingPositions(e.manager.OpenPositions())) == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, v := range e.venues {
		if err := v.Close(); err != nil {
			log.Warn().Err(err).Str("venue", v.Name()).Msg("venue close failed")
		}
	}
	if err := e.journal.Close(); err != nil {
		log.Warn().Err(err).Msg("journal close failed")
	}
}

func openingPositions(positions []model.Position) []model.Position {
	var out []model.Position
	for _, p := range positions {
		if p.Status == model.StatusOpening {
			out = append(out, p)
		}
	}
	return out
}
