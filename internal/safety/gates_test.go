package safety

import (
	"errors"
	"testing"
	"time"

	"dn-hedge-bot/internal/config"

	"go.uber.org/zap"
)

func gateConfig() config.GatesConfig {
	return config.GatesConfig{
		FundingHaircut:      0.5,
		MaxNetworkLatency:   500 * time.Millisecond,
		ReserveFloorUSD:     5,
		MaxLeverage:         5,
		MinHealthRatioPct:   60,
		ConfirmThresholdUSD: 100,
		FeeBps:              3.5,
		SlippageBps:         5.0,
		NetworkTipUSD:       0.002,
	}
}

func passingContext() TradeContext {
	return TradeContext{
		NotionalUSD:        50,
		FundingRate:        0.001,
		NetworkLatency:     100 * time.Millisecond,
		OperatingBalance:   100,
		ProjectedLeverage:  1.5,
		ProjectedHealthPct: 300,
	}
}

func TestChainPassesHealthyTrade(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	res := chain.Validate(tc)
	if !res.Passed {
		t.Fatalf("expected pass, rejected by %s: %s", res.Gate, res.Reason)
	}
}

func TestProfitabilityRejectsNegativeFunding(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = -0.0005
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "profitability" {
		t.Fatalf("expected profitability rejection, got %+v", res)
	}
}

func TestProfitabilityRejectsCostAboveRevenue(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.0001 // $0.0025 discounted revenue, cost ~$0.044
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "profitability" {
		t.Fatalf("expected profitability rejection, got %+v", res)
	}
}

func TestNetworkGateRejectsHighLatency(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	tc.NetworkLatency = 900 * time.Millisecond
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "network-health" {
		t.Fatalf("expected network rejection, got %+v", res)
	}
}

func TestReserveGateRejectsLowBalance(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	tc.OperatingBalance = 1
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "reserve" {
		t.Fatalf("expected reserve rejection, got %+v", res)
	}
}

func TestLeverageBeforeHealth(t *testing.T) {
	// a trade failing both leverage and health must be reported as the
	// leverage gate, which sits earlier in the chain
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	tc.ProjectedLeverage = 8
	tc.ProjectedHealthPct = 40
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "leverage" {
		t.Fatalf("expected leverage rejection first, got %+v", res)
	}
}

func TestHealthGateRejectsLowHealth(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	tc.ProjectedHealthPct = 40
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "health" {
		t.Fatalf("expected health rejection, got %+v", res)
	}
}

func TestConfirmationRequiredAboveThreshold(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = 0.01
	tc.NotionalUSD = 250
	res := chain.Validate(tc)
	if res.Passed || res.Gate != "confirmation" {
		t.Fatalf("expected confirmation rejection, got %+v", res)
	}
	tc.ConfirmToken = "operator-ack-1"
	res = chain.Validate(tc)
	if !res.Passed {
		t.Fatalf("expected pass with token, rejected by %s: %s", res.Gate, res.Reason)
	}
}

func TestViolationCarriesGateName(t *testing.T) {
	chain := NewChain(gateConfig(), zap.NewNop())
	tc := passingContext()
	tc.FundingRate = -0.001
	err := chain.Validate(tc).Err()
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected Violation, got %v", err)
	}
	if v.Gate != "profitability" {
		t.Fatalf("expected profitability gate in violation, got %s", v.Gate)
	}
}
