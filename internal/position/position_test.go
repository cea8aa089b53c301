package position

import (
	"errors"
	"math"
	"testing"
	"time"
)

func freshSnap() Snapshot {
	return Snapshot{
		SpotQty:           2.0,
		PerpQty:           -2.0,
		SpotMark:          150,
		PerpMark:          150.3,
		Collateral:        400,
		UnsettledPnL:      10,
		MaintenanceMargin: 30,
		ObservedAt:        time.Now(),
	}
}

func TestDriftRecomputedFromScratch(t *testing.T) {
	cases := []struct {
		spot, perp float64
		want       float64
	}{
		{2.0, -2.0, 0},
		{2.0, -1.9, 5},
		{2.0, -2.1, -5},
		{1.0, -0.5, 50},
	}
	for _, tc := range cases {
		snap := Snapshot{SpotQty: tc.spot, PerpQty: tc.perp}
		state := DeriveDelta(snap, 1.0)
		net := tc.spot + tc.perp
		expect := (net / tc.spot) * 100
		if math.Abs(state.DriftPct-expect) > 1e-9 {
			t.Fatalf("spot=%v perp=%v: drift %v, recompute %v", tc.spot, tc.perp, state.DriftPct, expect)
		}
		if math.Abs(state.DriftPct-tc.want) > 1e-9 {
			t.Fatalf("spot=%v perp=%v: expected drift %v, got %v", tc.spot, tc.perp, tc.want, state.DriftPct)
		}
	}
}

func TestDriftWithNoSpotLeg(t *testing.T) {
	if got := DeriveDelta(Snapshot{PerpQty: -1}, 1.0).DriftPct; got != 100 {
		t.Fatalf("expected 100%% drift for unhedged perp, got %v", got)
	}
	if got := DeriveDelta(Snapshot{}, 1.0).DriftPct; got != 0 {
		t.Fatalf("expected 0%% drift for flat position, got %v", got)
	}
}

func TestStatusTiers(t *testing.T) {
	// tolerance 1%: balanced below 1, warning in [1, 2), critical from 2
	cases := []struct {
		perp   float64
		status Status
	}{
		{-1.995, StatusBalanced}, // 0.25% drift
		{-1.97, StatusWarning},   // 1.5% drift
		{-1.9, StatusCritical},   // 5% drift
	}
	for _, tc := range cases {
		state := DeriveDelta(Snapshot{SpotQty: 2, PerpQty: tc.perp}, 1.0)
		if state.Status != tc.status {
			t.Fatalf("perp=%v: expected %s, got %s (drift %v)", tc.perp, tc.status, state.Status, state.DriftPct)
		}
	}
}

func TestSuggestedAction(t *testing.T) {
	if got := DeriveDelta(Snapshot{SpotQty: 2, PerpQty: -1.9}, 1.0).SuggestedAction; got != ActionAddShort {
		t.Fatalf("net long should suggest ADD_SHORT, got %s", got)
	}
	if got := DeriveDelta(Snapshot{SpotQty: 2, PerpQty: -2.1}, 1.0).SuggestedAction; got != ActionReduceShort {
		t.Fatalf("net short should suggest REDUCE_SHORT, got %s", got)
	}
	if got := DeriveDelta(Snapshot{SpotQty: 2, PerpQty: -2.0}, 1.0).SuggestedAction; got != ActionNone {
		t.Fatalf("balanced should suggest NONE, got %s", got)
	}
}

func TestLeverageAndHealth(t *testing.T) {
	snap := freshSnap()
	m := DeriveMetrics(snap)
	equity := snap.Collateral + snap.UnsettledPnL
	total := 2*150 + 2*150.3
	if math.Abs(m.Leverage-total/equity) > 1e-9 {
		t.Fatalf("expected leverage %v, got %v", total/equity, m.Leverage)
	}
	if math.Abs(m.HealthRatio-(equity/30)*100) > 1e-9 {
		t.Fatalf("expected health %v, got %v", (equity/30)*100, m.HealthRatio)
	}
}

func TestHealthBounds(t *testing.T) {
	for _, collateral := range []float64{0, 0.001, 1, 1000} {
		h := HealthRatio(collateral, 50)
		if h < 0 {
			t.Fatalf("health must be >= 0, got %v for collateral %v", h, collateral)
		}
	}
	if h := HealthRatio(0.0001, 50); h > 0.001 {
		t.Fatalf("health should approach 0 with collateral, got %v", h)
	}
	if h := HealthRatio(100, 0); !math.IsInf(h, 1) {
		t.Fatalf("expected +Inf health without margin requirement, got %v", h)
	}
	if h := HealthRatio(-5, 50); h != 0 {
		t.Fatalf("expected clamped 0 health for negative equity, got %v", h)
	}
}

func TestEvaluateRejectsStaleSnapshot(t *testing.T) {
	mon := NewMonitor(10*time.Second, 1.0)
	snap := freshSnap()
	snap.ObservedAt = time.Now().Add(-21 * time.Second)
	_, _, err := mon.Evaluate(snap, time.Now())
	var dq *DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("expected DataQualityError for stale snapshot, got %v", err)
	}
}

func TestEvaluateRejectsMissingMark(t *testing.T) {
	mon := NewMonitor(10*time.Second, 1.0)
	snap := freshSnap()
	snap.SpotMark = 0
	_, _, err := mon.Evaluate(snap, time.Now())
	var dq *DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("expected DataQualityError for missing mark, got %v", err)
	}
}

func TestEvaluateAcceptsFreshSnapshot(t *testing.T) {
	mon := NewMonitor(10*time.Second, 1.0)
	state, m, err := mon.Evaluate(freshSnap(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != StatusBalanced {
		t.Fatalf("expected balanced, got %s", state.Status)
	}
	if m.HealthRatio <= 0 {
		t.Fatalf("expected positive health, got %v", m.HealthRatio)
	}
}
