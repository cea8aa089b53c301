package rebalance

import (
	"math"
	"testing"
	"time"

	"dn-hedge-bot/internal/position"
	"dn-hedge-bot/internal/risk"

	"go.uber.org/zap"
)

func testLimits() risk.Limits {
	return risk.Limits{
		MaxLeverage:       5,
		MaxDriftPct:       1,
		MinHealthRatioPct: 60,
		CooldownSeconds:   1800,
		MinTradeSize:      0.005,
	}
}

func driftedState(net float64) position.DeltaState {
	state := position.DeltaState{NetDelta: net, Status: position.StatusCritical}
	if net > 0 {
		state.SuggestedAction = position.ActionAddShort
	} else {
		state.SuggestedAction = position.ActionReduceShort
	}
	return state
}

func TestPlanBalancedProducesNothing(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	state := position.DeltaState{Status: position.StatusBalanced, SuggestedAction: position.ActionNone}
	if trade := c.Plan(state, testLimits(), CooldownState{}, 1, time.Now()); trade != nil {
		t.Fatalf("expected no trade when balanced, got %+v", trade)
	}
}

func TestPlanSkipsDustCorrection(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	if trade := c.Plan(driftedState(0.001), testLimits(), CooldownState{}, 1, time.Now()); trade != nil {
		t.Fatalf("expected no trade below min size, got %+v", trade)
	}
}

func TestPlanCorrectionNeutralizesDelta(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	for _, net := range []float64{0.5, -0.25, 1.75} {
		trade := c.Plan(driftedState(net), testLimits(), CooldownState{}, 1, time.Now())
		if trade == nil {
			t.Fatalf("expected trade for net delta %v", net)
		}
		// applying the correction must bring weighted delta to the zero target
		correction := trade.Size
		if trade.Side == SideSell {
			correction = -correction
		}
		if math.Abs(net+correction) > 1e-9 {
			t.Fatalf("net %v + correction %v != 0", net, correction)
		}
	}
}

func TestPlanDirectionFollowsSuggestedAction(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	long := c.Plan(driftedState(0.5), testLimits(), CooldownState{}, 1, time.Now())
	if long == nil || long.Side != SideSell {
		t.Fatalf("net long should sell, got %+v", long)
	}
	short := c.Plan(driftedState(-0.5), testLimits(), CooldownState{}, 1, time.Now())
	if short == nil || short.Side != SideBuy {
		t.Fatalf("net short should buy, got %+v", short)
	}
}

func TestCooldownEnforcement(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	limits := testLimits()
	now := time.Now()

	// first request succeeds: cooldown advanced by the caller
	first := c.Plan(driftedState(0.5), limits, CooldownState{}, 1, now)
	if first == nil {
		t.Fatalf("expected first trade")
	}
	confirmed := CooldownState{LastRebalanceAt: now}

	// second request 100s later is skipped
	if trade := c.Plan(driftedState(0.5), limits, confirmed, 1, now.Add(100*time.Second)); trade != nil {
		t.Fatalf("expected cooldown skip, got %+v", trade)
	}

	// had the first attempt failed, cooldown stays zero and retry is allowed
	if trade := c.Plan(driftedState(0.5), limits, CooldownState{}, 1, now.Add(100*time.Second)); trade == nil {
		t.Fatalf("expected immediate retry after failed attempt")
	}

	// after the window elapses the next correction goes through
	if trade := c.Plan(driftedState(0.5), limits, confirmed, 1, now.Add(1801*time.Second)); trade == nil {
		t.Fatalf("expected trade after cooldown elapsed")
	}
}

func TestHedgeRatioScalesSize(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	trade := c.Plan(driftedState(1.0), testLimits(), CooldownState{}, 0.9, time.Now())
	if trade == nil {
		t.Fatalf("expected trade")
	}
	if math.Abs(trade.Size-0.9) > 1e-9 {
		t.Fatalf("expected size 0.9 with hedge ratio 0.9, got %v", trade.Size)
	}
}

func TestHedgeRatioDerivation(t *testing.T) {
	if got := HedgeRatio(0.95, 0.02, 0.025); math.Abs(got-0.76) > 1e-9 {
		t.Fatalf("expected 0.76, got %v", got)
	}
	if got := HedgeRatio(0, 0.02, 0.02); got != 1 {
		t.Fatalf("expected fallback to 1 for zero correlation, got %v", got)
	}
	if got := HedgeRatio(0.9, 0, 0.02); got != 1 {
		t.Fatalf("expected fallback to 1 for degenerate vol, got %v", got)
	}
}

func TestPriorityTracksSeverity(t *testing.T) {
	c := NewCalculator("SOL-PERP", zap.NewNop())
	state := driftedState(0.5)
	state.Status = position.StatusWarning
	if trade := c.Plan(state, testLimits(), CooldownState{}, 1, time.Now()); trade == nil || trade.Priority != 1 {
		t.Fatalf("expected priority 1 for warning, got %+v", trade)
	}
	state.Status = position.StatusCritical
	if trade := c.Plan(state, testLimits(), CooldownState{}, 1, time.Now()); trade == nil || trade.Priority != 2 {
		t.Fatalf("expected priority 2 for critical, got %+v", trade)
	}
}
