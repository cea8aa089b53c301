package config

import (
	"testing"
	"time"
)

func validBase() *Config {
	cfg := &Config{Engine: EngineConfig{Market: "SOL-PERP"}}
	applyDefaults(cfg)
	return cfg
}

func TestEngineDefaults(t *testing.T) {
	cfg := validBase()
	if cfg.Engine.PollInterval != 10*time.Second {
		t.Fatalf("expected 10s poll interval default, got %v", cfg.Engine.PollInterval)
	}
	if cfg.Engine.DriftTolerancePct != 1.0 {
		t.Fatalf("expected 1%% drift tolerance default, got %v", cfg.Engine.DriftTolerancePct)
	}
	if cfg.Engine.CooldownSeconds != 1800 {
		t.Fatalf("expected 1800s cooldown default, got %v", cfg.Engine.CooldownSeconds)
	}
	if cfg.Engine.MinTradeSize != 0.005 {
		t.Fatalf("expected 0.005 min trade size default, got %v", cfg.Engine.MinTradeSize)
	}
	if cfg.Engine.ConfirmTimeout != 30*time.Second {
		t.Fatalf("expected 30s confirm timeout default, got %v", cfg.Engine.ConfirmTimeout)
	}
	if cfg.Engine.Mode != "paper" {
		t.Fatalf("expected paper mode default, got %q", cfg.Engine.Mode)
	}
}

func TestGateDefaults(t *testing.T) {
	cfg := validBase()
	if cfg.Gates.FundingHaircut != 0.5 {
		t.Fatalf("expected 0.5 funding haircut default, got %v", cfg.Gates.FundingHaircut)
	}
	if cfg.Gates.MaxNetworkLatency != 500*time.Millisecond {
		t.Fatalf("expected 500ms latency default, got %v", cfg.Gates.MaxNetworkLatency)
	}
	if cfg.Gates.MaxLeverage != 5.0 {
		t.Fatalf("expected 5x leverage default, got %v", cfg.Gates.MaxLeverage)
	}
	if cfg.Gates.MinHealthRatioPct != 60.0 {
		t.Fatalf("expected 60%% health floor default, got %v", cfg.Gates.MinHealthRatioPct)
	}
	if cfg.Gates.ConfirmThresholdUSD != 100.0 {
		t.Fatalf("expected $100 confirm threshold default, got %v", cfg.Gates.ConfirmThresholdUSD)
	}
}

func TestLiquidationDefaults(t *testing.T) {
	cfg := validBase()
	if cfg.Liquidation.WarningPct != 150 || cfg.Liquidation.ReducePct != 120 || cfg.Liquidation.EmergencyPct != 110 {
		t.Fatalf("expected 150/120/110 tiers, got %v/%v/%v",
			cfg.Liquidation.WarningPct, cfg.Liquidation.ReducePct, cfg.Liquidation.EmergencyPct)
	}
	if cfg.Liquidation.AlertCooldown != time.Minute {
		t.Fatalf("expected 60s alert cooldown default, got %v", cfg.Liquidation.AlertCooldown)
	}
}

func TestValidateRequiresMarket(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing market")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validBase()
	cfg.Engine.Mode = "dry-run"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestValidateLiveRequiresSubaccount(t *testing.T) {
	cfg := validBase()
	cfg.Engine.Mode = "live"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for live mode without subaccount")
	}
}

func TestValidateRejectsBadSubaccount(t *testing.T) {
	cfg := validBase()
	cfg.Venue.Subaccount = "not-an-address"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for malformed subaccount")
	}
	cfg.Venue.Subaccount = "0x52908400098527886E0F7030069857D2E4169EE7"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid subaccount, got %v", err)
	}
}

func TestValidateRejectsOutOfBoundsHaircut(t *testing.T) {
	cfg := validBase()
	cfg.Gates.FundingHaircut = 1.5
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for haircut > 1")
	}
}

func TestValidateRejectsInvertedLiquidationTiers(t *testing.T) {
	cfg := validBase()
	cfg.Liquidation.ReducePct = 160
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for reduce tier above warning tier")
	}
}

func TestValidateRejectsBadConfidence(t *testing.T) {
	cfg := validBase()
	cfg.Risk.ConfidenceLevel = 1.0
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for confidence level of 1")
	}
}

func TestValidateRejectsNegativeCooldown(t *testing.T) {
	cfg := validBase()
	cfg.Engine.CooldownSeconds = -1
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative cooldown")
	}
}

func TestValidateRejectsZeroDriftTolerance(t *testing.T) {
	cfg := validBase()
	cfg.Engine.DriftTolerancePct = 0
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for zero drift tolerance")
	}
}
