package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	Venue       VenueConfig       `yaml:"venue"`
	Engine      EngineConfig      `yaml:"engine"`
	Gates       GatesConfig       `yaml:"gates"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Vault       VaultConfig       `yaml:"vault"`
	Risk        RiskConfig        `yaml:"risk"`
	State       StateConfig       `yaml:"state"`
	Server      ServerConfig      `yaml:"server"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Timescale   TimescaleConfig   `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type VenueConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Subaccount string        `yaml:"subaccount"`
}

// EngineConfig drives the per-vault control loop.
type EngineConfig struct {
	Market            string        `yaml:"market"`
	Mode              string        `yaml:"mode"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	DriftTolerancePct float64       `yaml:"drift_tolerance_pct"`
	CooldownSeconds   int           `yaml:"cooldown_seconds"`
	MinTradeSize      float64       `yaml:"min_trade_size"`
	TargetLeverage    float64       `yaml:"target_leverage"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	ConfirmPoll       time.Duration `yaml:"confirm_poll"`
}

type GatesConfig struct {
	FundingHaircut      float64       `yaml:"funding_haircut"`
	MaxNetworkLatency   time.Duration `yaml:"max_network_latency"`
	ReserveFloorUSD     float64       `yaml:"reserve_floor_usd"`
	MaxLeverage         float64       `yaml:"max_leverage"`
	MinHealthRatioPct   float64       `yaml:"min_health_ratio_pct"`
	ConfirmThresholdUSD float64       `yaml:"confirm_threshold_usd"`
	FeeBps              float64       `yaml:"fee_bps"`
	SlippageBps         float64       `yaml:"slippage_bps"`
	NetworkTipUSD       float64       `yaml:"network_tip_usd"`
}

type LiquidationConfig struct {
	WarningPct       float64       `yaml:"warning_pct"`
	ReducePct        float64       `yaml:"reduce_pct"`
	EmergencyPct     float64       `yaml:"emergency_pct"`
	AlertCooldown    time.Duration `yaml:"alert_cooldown"`
	StressVolatility float64       `yaml:"stress_volatility"`
	StressWiden      float64       `yaml:"stress_widen"`
}

type VaultConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncAttempts int           `yaml:"sync_attempts"`
	SyncBackoff  time.Duration `yaml:"sync_backoff"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
}

type RiskConfig struct {
	WindowSize      int     `yaml:"window_size"`
	ConfidenceLevel float64 `yaml:"confidence_level"`
	RiskFreeRate    float64 `yaml:"risk_free_rate"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DSN          string `yaml:"dsn"`
	Schema       string `yaml:"schema"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	QueueSize    int    `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = "paper"
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = 10 * time.Second
	}
	if cfg.Engine.DriftTolerancePct == 0 {
		cfg.Engine.DriftTolerancePct = 1.0
	}
	if cfg.Engine.CooldownSeconds == 0 {
		cfg.Engine.CooldownSeconds = 1800
	}
	if cfg.Engine.MinTradeSize == 0 {
		cfg.Engine.MinTradeSize = 0.005
	}
	if cfg.Engine.TargetLeverage == 0 {
		cfg.Engine.TargetLeverage = 1.0
	}
	if cfg.Engine.ConfirmTimeout == 0 {
		cfg.Engine.ConfirmTimeout = 30 * time.Second
	}
	if cfg.Engine.ConfirmPoll == 0 {
		cfg.Engine.ConfirmPoll = time.Second
	}
	if cfg.Gates.FundingHaircut == 0 {
		cfg.Gates.FundingHaircut = 0.5
	}
	if cfg.Gates.MaxNetworkLatency == 0 {
		cfg.Gates.MaxNetworkLatency = 500 * time.Millisecond
	}
	if cfg.Gates.MaxLeverage == 0 {
		cfg.Gates.MaxLeverage = 5.0
	}
	if cfg.Gates.MinHealthRatioPct == 0 {
		cfg.Gates.MinHealthRatioPct = 60.0
	}
	if cfg.Gates.ConfirmThresholdUSD == 0 {
		cfg.Gates.ConfirmThresholdUSD = 100.0
	}
	if cfg.Gates.FeeBps == 0 {
		cfg.Gates.FeeBps = 3.5
	}
	if cfg.Gates.SlippageBps == 0 {
		cfg.Gates.SlippageBps = 5.0
	}
	if cfg.Liquidation.WarningPct == 0 {
		cfg.Liquidation.WarningPct = 150.0
	}
	if cfg.Liquidation.ReducePct == 0 {
		cfg.Liquidation.ReducePct = 120.0
	}
	if cfg.Liquidation.EmergencyPct == 0 {
		cfg.Liquidation.EmergencyPct = 110.0
	}
	if cfg.Liquidation.AlertCooldown == 0 {
		cfg.Liquidation.AlertCooldown = time.Minute
	}
	if cfg.Liquidation.StressVolatility == 0 {
		cfg.Liquidation.StressVolatility = 0.8
	}
	if cfg.Liquidation.StressWiden == 0 {
		cfg.Liquidation.StressWiden = 1.2
	}
	if cfg.Vault.SyncInterval == 0 {
		cfg.Vault.SyncInterval = time.Minute
	}
	if cfg.Vault.SyncAttempts == 0 {
		cfg.Vault.SyncAttempts = 3
	}
	if cfg.Vault.SyncBackoff == 0 {
		cfg.Vault.SyncBackoff = time.Second
	}
	if cfg.Vault.SyncTimeout == 0 {
		cfg.Vault.SyncTimeout = 5 * time.Second
	}
	if cfg.Risk.WindowSize == 0 {
		cfg.Risk.WindowSize = 250
	}
	if cfg.Risk.ConfidenceLevel == 0 {
		cfg.Risk.ConfidenceLevel = 0.95
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-hedge-bot.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8787"
	}
	if cfg.Server.CommandTimeout == 0 {
		cfg.Server.CommandTimeout = 5 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.Market == "" {
		return errors.New("engine.market is required")
	}
	if cfg.Engine.Mode != "paper" && cfg.Engine.Mode != "live" {
		return fmt.Errorf("engine.mode must be paper or live, got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.Mode == "live" && cfg.Venue.Subaccount == "" {
		return errors.New("venue.subaccount is required in live mode")
	}
	if cfg.Venue.Subaccount != "" && !common.IsHexAddress(cfg.Venue.Subaccount) {
		return fmt.Errorf("venue.subaccount %q is not a valid address", cfg.Venue.Subaccount)
	}
	if cfg.Engine.DriftTolerancePct <= 0 || cfg.Engine.DriftTolerancePct > 50 {
		return errors.New("engine.drift_tolerance_pct must be within (0, 50]")
	}
	if cfg.Engine.CooldownSeconds < 0 {
		return errors.New("engine.cooldown_seconds must be >= 0")
	}
	if cfg.Engine.MinTradeSize <= 0 {
		return errors.New("engine.min_trade_size must be > 0")
	}
	if cfg.Gates.FundingHaircut < 0 || cfg.Gates.FundingHaircut > 1 {
		return errors.New("gates.funding_haircut must be within [0, 1]")
	}
	if cfg.Gates.MaxLeverage <= 0 || cfg.Gates.MaxLeverage > 50 {
		return errors.New("gates.max_leverage must be within (0, 50]")
	}
	if cfg.Gates.MinHealthRatioPct <= 0 {
		return errors.New("gates.min_health_ratio_pct must be > 0")
	}
	if !(cfg.Liquidation.EmergencyPct < cfg.Liquidation.ReducePct && cfg.Liquidation.ReducePct < cfg.Liquidation.WarningPct) {
		return errors.New("liquidation thresholds must satisfy emergency < reduce < warning")
	}
	if cfg.Vault.SyncAttempts < 1 {
		return errors.New("vault.sync_attempts must be >= 1")
	}
	if cfg.Risk.ConfidenceLevel <= 0 || cfg.Risk.ConfidenceLevel >= 1 {
		return errors.New("risk.confidence_level must be within (0, 1)")
	}
	if cfg.Risk.WindowSize < 2 {
		return errors.New("risk.window_size must be >= 2")
	}
	return nil
}
