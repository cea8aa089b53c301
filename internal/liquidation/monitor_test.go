package liquidation

import (
	"math"
	"testing"
	"time"

	"dn-hedge-bot/internal/config"

	"go.uber.org/zap"
)

func testConfig() config.LiquidationConfig {
	return config.LiquidationConfig{
		WarningPct:       150,
		ReducePct:        120,
		EmergencyPct:     110,
		AlertCooldown:    time.Minute,
		StressVolatility: 0.8,
		StressWiden:      1.2,
	}
}

func TestEscalationSequence(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	sequence := []struct {
		health float64
		tier   Tier
	}{
		{160, TierNone},
		{140, TierWarning},
		{115, TierReduce},
		{108, TierEmergency},
	}
	for _, step := range sequence {
		a := m.Assess(step.health, 0.2)
		if a.Tier != step.tier {
			t.Fatalf("health %v: expected %s, got %s", step.health, step.tier, a.Tier)
		}
	}
}

func TestStressWidensThresholds(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	calm := m.Assess(155, 0.2)
	if calm.Tier != TierNone {
		t.Fatalf("155%% health should be clear in calm markets, got %s", calm.Tier)
	}
	stressed := m.Assess(155, 0.9)
	if stressed.Tier != TierWarning {
		t.Fatalf("155%% health should warn under stress (threshold 180%%), got %s", stressed.Tier)
	}
	if !stressed.Thresholds.Stressed {
		t.Fatalf("expected stressed thresholds flagged")
	}
}

func TestAlertCooldownSuppressesStorm(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	now := time.Now()
	if !m.ShouldAlert(TierWarning, now) {
		t.Fatalf("first alert must fire")
	}
	if m.ShouldAlert(TierWarning, now.Add(30*time.Second)) {
		t.Fatalf("repeat alert within cooldown must be suppressed")
	}
	if !m.ShouldAlert(TierWarning, now.Add(61*time.Second)) {
		t.Fatalf("alert after cooldown must fire")
	}
	// a different tier has its own cooldown
	if !m.ShouldAlert(TierReduce, now.Add(30*time.Second)) {
		t.Fatalf("different tier should not share the warning cooldown")
	}
}

func TestNoAlertWhenHealthy(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	if m.ShouldAlert(TierNone, time.Now()) {
		t.Fatalf("healthy tier must never alert")
	}
}

func TestReductionRestoresWarningLine(t *testing.T) {
	equity := 120.0
	maint := 100.0 // health 120, at the reduce trigger
	notional := 2000.0
	cut := ReductionNotional(equity, maint, notional, 150)
	if cut <= 0 || cut >= notional {
		t.Fatalf("expected partial reduction, got %v", cut)
	}
	// after the cut, remaining margin scales with remaining notional
	remainingMaint := maint * (notional - cut) / notional
	health := (equity / remainingMaint) * 100
	if health < 150-1e-9 {
		t.Fatalf("reduction too small: resulting health %v", health)
	}
	if math.Abs(health-150) > 1 {
		t.Fatalf("reduction oversized: resulting health %v", health)
	}
}

func TestReductionZeroWhenAlreadyHealthy(t *testing.T) {
	if cut := ReductionNotional(200, 100, 1000, 150); cut != 0 {
		t.Fatalf("expected no reduction at 200%% health, got %v", cut)
	}
}

func TestEmergencyPlanOrdering(t *testing.T) {
	plan := EmergencyPlan([]PositionRisk{
		{Market: "ETH-PERP", RiskContribution: 0.3, NotionalUSD: 500},
		{Market: "SOL-PERP", RiskContribution: 0.5, NotionalUSD: 400},
		{Market: "BTC-PERP", RiskContribution: 0.2, NotionalUSD: 900},
	})
	want := []string{"SOL-PERP", "ETH-PERP", "BTC-PERP"}
	for i, market := range want {
		if plan[i].Market != market {
			t.Fatalf("expected %s at %d, got %s", market, i, plan[i].Market)
		}
	}
}
