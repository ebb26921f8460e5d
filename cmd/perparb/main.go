package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"perparb/internal/application/port"
	appservice "perparb/internal/application/service"
	"perparb/internal/domain"
	"perparb/internal/domain/model"
	"perparb/internal/infrastructure/config"
	"perparb/internal/infrastructure/logger"
	"perparb/internal/infrastructure/storage/composite"
	"perparb/internal/infrastructure/storage/postgres"
	"perparb/internal/infrastructure/storage/redis"
	"perparb/internal/infrastructure/storage/sqlite"
	"perparb/internal/infrastructure/venue/paper"
)

func main() {
	logger.Setup("perparb")

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal := buildJournal(cfg)

	// venues (infrastructure -> application ports). Paper venues fill
	// against streamed quotes; real exchange adapters plug in the same way.
	var venues []port.Venue
	venueFees := make(map[string]float64)
	for name, vc := range cfg.Venues {
		if !vc.Enabled {
			log.Warn().Str("venue", name).Msg("venue disabled by config")
			continue
		}
		venues = append(venues, paper.New(paper.Config{
			Name:     name,
			Rules:    defaultRules(cfg.Symbols.List),
			QuoteURL: vc.WsURL,
		}))
		venueFees[name] = vc.TakerFeePct
	}
	if len(venues) < 2 {
		log.Fatal().Msg("at least two enabled venues are required")
	}

	book := domain.NewBook(time.Duration(cfg.App.StalenessMs) * time.Millisecond)
	callTimeout := time.Duration(cfg.App.CallTimeoutSec) * time.Second
	resolver := appservice.NewRuleResolver(venues, callTimeout)

	strategies := make(map[string]appservice.SymbolStrategy, len(cfg.Trade))
	trades := make(map[string]appservice.TradeParams, len(cfg.Trade))
	for sym, tc := range cfg.Trade {
		p := cfg.Presets[tc.Preset]
		strategies[sym] = appservice.SymbolStrategy{
			EntryThresholdPct: p.EntryThresholdPct,
			FundingEntryPct:   p.FundingEntryPct,
		}
		trades[sym] = appservice.TradeParams{
			TargetNotionalUSD: tc.TargetNotionalUSD,
			MaxMarginUSD:      tc.MaxMarginUSD,
			TargetLeverage:    tc.TargetLeverage,
			Preset: appservice.Preset{
				ExitThresholdPct: p.ExitThresholdPct,
				MinHold:          time.Duration(p.MinHoldTimeSec) * time.Second,
				MaxHold:          time.Duration(p.MaxHoldTimeSec) * time.Second,
				MakerEntry:       p.MakerEntry,
			},
		}
	}

	var manager *appservice.Manager
	var scanner *appservice.Scanner
	manager = appservice.NewManager(venues, resolver, book, journal, trades, appservice.ManagerConfig{
		FillTimeout:  time.Duration(cfg.App.FillTimeoutSec) * time.Second,
		OrderTimeout: time.Duration(cfg.App.OrderTimeoutSec) * time.Second,
		CallTimeout:  callTimeout,
	}, func(symbol string, nowMs int64) { scanner.StartCooldown(symbol, nowMs) })
	scanner = appservice.NewScanner(book, manager, journal, strategies, venueFees, appservice.ScannerConfig{
		Confirmations:        cfg.App.Confirmations,
		Cooldown:             time.Duration(cfg.App.CooldownSec) * time.Second,
		OutlierMaxDevPct:     cfg.App.OutlierMaxDevPct,
		EntrySafetyPct:       cfg.App.EntrySafetyPct,
		FundingIntervalHours: cfg.App.FundingIntervalHours,
	})

	engine := appservice.NewEngine(venues, book, resolver, scanner, manager, journal,
		cfg.Symbols.List, appservice.EngineConfig{
			ScanInterval:    time.Duration(cfg.App.ScanIntervalMs) * time.Millisecond,
			MonitorInterval: time.Duration(cfg.App.MonitorIntervalSec) * time.Second,
			SweepInterval:   time.Duration(cfg.App.OrderSweepIntervalSec) * time.Second,
		})

	log.Info().
		Str("config", *configPath).
		Int("symbols", len(cfg.Symbols.List)).
		Int("venues", len(venues)).
		Msg("perparb started")

	if err := engine.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine exited")
	}
}

// buildJournal assembles the storage chain: sqlite is the durable journal,
// redis and postgres mirrors attach when configured.
func buildJournal(cfg *config.Config) port.Journal {
	path := cfg.Storage.SQLitePath
	if path == "" {
		path = "data/perparb.db"
	}
	primary, err := sqlite.New(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("open sqlite journal failed")
	}
	journals := []port.Journal{primary}

	if addr := cfg.Storage.RedisAddr; addr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		prefix := cfg.Storage.RedisPrefix
		if prefix == "" {
			prefix = "perparb"
		}
		journals = append(journals, redis.New(rdb, prefix, 24*time.Hour, "", ""))
		log.Info().Str("addr", addr).Msg("redis mirror attached")
	}
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		archive, err := postgres.New(dsn)
		if err != nil {
			log.Warn().Err(err).Msg("postgres archive unavailable, continuing without it")
		} else {
			journals = append(journals, archive)
			log.Info().Msg("postgres archive attached")
		}
	}
	if len(journals) == 1 {
		return primary
	}
	return composite.New(journals...)
}

// defaultRules gives paper venues uniform order constraints. Real adapters
// report their own from LoadMarkets.
func defaultRules(symbols []string) map[string]model.VenueRule {
	rules := make(map[string]model.VenueRule, len(symbols))
	for _, sym := range symbols {
		rules[sym] = model.VenueRule{MinQty: 0.001, QtyPrecision: 3, MaxLeverage: 20}
	}
	return rules
}
