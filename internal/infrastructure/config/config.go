package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App struct {
		ScanIntervalMs        int     `toml:"scan_interval_ms"`
		MonitorIntervalSec    int     `toml:"monitor_interval_sec"`
		OrderSweepIntervalSec int     `toml:"order_sweep_interval_sec"`
		OrderTimeoutSec       int     `toml:"order_timeout_sec"`
		FillTimeoutSec        int     `toml:"fill_timeout_sec"`
		StalenessMs           int     `toml:"staleness_ms"`
		Confirmations         int     `toml:"confirmations"`
		CooldownSec           int     `toml:"cooldown_sec"`
		CallTimeoutSec        int     `toml:"call_timeout_sec"`
		OutlierMaxDevPct      float64 `toml:"outlier_max_dev_pct"`
		EntrySafetyPct        float64 `toml:"entry_safety_pct"`
		FundingIntervalHours  float64 `toml:"funding_interval_hours"`
	} `toml:"app"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	// Trade is keyed by symbol; symbols without an entry are not traded.
	Trade map[string]TradeConfig `toml:"trade"`

	// Presets are named strategy parameter sets referenced by trade entries.
	Presets map[string]Preset `toml:"preset"`

	Venues map[string]VenueConfig `toml:"venue"`

	Storage struct {
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
		RedisAddr   string `toml:"redis_addr"`
		RedisPrefix string `toml:"redis_prefix"`
	} `toml:"storage"`
}

type TradeConfig struct {
	TargetNotionalUSD float64 `toml:"target_notional_usd"`
	MaxMarginUSD      float64 `toml:"max_margin_usd"`
	TargetLeverage    float64 `toml:"target_leverage"`
	Preset            string  `toml:"preset"`
}

type Preset struct {
	EntryThresholdPct float64 `toml:"entry_threshold_pct"`
	ExitThresholdPct  float64 `toml:"exit_threshold_pct"`
	FundingEntryPct   float64 `toml:"funding_entry_pct"` // 0 disables funding entries
	MinHoldTimeSec    int     `toml:"min_hold_time_sec"`
	MaxHoldTimeSec    int     `toml:"max_hold_time_sec"`
	MakerEntry        bool    `toml:"maker_entry"` // post-only long leg
}

type VenueConfig struct {
	Enabled     bool    `toml:"enabled"`
	WsURL       string  `toml:"ws_url"`
	TakerFeePct float64 `toml:"taker_fee_pct"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	app := &cfg.App
	if app.ScanIntervalMs <= 0 {
		app.ScanIntervalMs = 500
	}
	if app.MonitorIntervalSec <= 0 {
		app.MonitorIntervalSec = 5
	}
	if app.OrderSweepIntervalSec <= 0 {
		app.OrderSweepIntervalSec = 10
	}
	if app.OrderTimeoutSec <= 0 {
		app.OrderTimeoutSec = 60
	}
	if app.FillTimeoutSec <= 0 {
		app.FillTimeoutSec = 60
	}
	if app.StalenessMs <= 0 {
		app.StalenessMs = 2000
	}
	if app.Confirmations <= 0 {
		app.Confirmations = 3
	}
	if app.CooldownSec <= 0 {
		app.CooldownSec = 120
	}
	if app.CallTimeoutSec <= 0 {
		app.CallTimeoutSec = 3
	}
	if app.OutlierMaxDevPct <= 0 {
		app.OutlierMaxDevPct = 3.0
	}
	if app.EntrySafetyPct <= 0 {
		app.EntrySafetyPct = 0.02
	}
	if app.FundingIntervalHours <= 0 {
		app.FundingIntervalHours = 8
	}

	for name, p := range cfg.Presets {
		if p.EntryThresholdPct <= 0 {
			p.EntryThresholdPct = 0.3
		}
		if p.ExitThresholdPct < 0 {
			p.ExitThresholdPct = 0
		}
		if p.MinHoldTimeSec <= 0 {
			p.MinHoldTimeSec = 30
		}
		if p.MaxHoldTimeSec <= 0 {
			p.MaxHoldTimeSec = 3600
		}
		cfg.Presets[name] = p
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	enabled := 0
	for name, vc := range cfg.Venues {
		if vc.Enabled {
			enabled++
		}
		if vc.TakerFeePct < 0 {
			return fmt.Errorf("venue.%s.taker_fee_pct is negative", name)
		}
	}
	if enabled < 2 {
		return errors.New("at least two enabled venues are required")
	}

	// uppercase trade keys so lookups match normalized symbols
	trade := make(map[string]TradeConfig, len(cfg.Trade))
	for sym, tc := range cfg.Trade {
		u := strings.ToUpper(strings.TrimSpace(sym))
		if tc.MaxMarginUSD <= 0 {
			return fmt.Errorf("trade.%s.max_margin_usd must be positive", sym)
		}
		if tc.TargetLeverage <= 0 {
			tc.TargetLeverage = 1
		}
		if tc.Preset == "" {
			return fmt.Errorf("trade.%s.preset is empty", sym)
		}
		if _, ok := cfg.Presets[tc.Preset]; !ok {
			return fmt.Errorf("trade.%s references unknown preset %q", sym, tc.Preset)
		}
		trade[u] = tc
	}
	cfg.Trade = trade

	for name, p := range cfg.Presets {
		if p.MaxHoldTimeSec < p.MinHoldTimeSec {
			return fmt.Errorf("preset.%s: max_hold_time_sec < min_hold_time_sec", name)
		}
		if p.ExitThresholdPct >= p.EntryThresholdPct {
			return fmt.Errorf("preset.%s: exit_threshold_pct must be below entry_threshold_pct", name)
		}
	}

	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
