package risk

import (
	"errors"
	"math"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, r := range []float64{0.01, 0.02, 0.03, 0.04} {
		w.Push(r)
	}
	got := w.Values()
	want := []float64{0.02, 0.03, 0.04}
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v at %d, got %v", want[i], i, got[i])
		}
	}
}

func TestVaRIsNonPositiveAndBounded(t *testing.T) {
	series := [][]float64{
		{0.01, -0.02, 0.005, -0.03, 0.015, -0.002, 0.01, -0.05},
		{0.1, 0.2, 0.05},            // all gains
		{-0.01, -0.02, -0.03},       // all losses
		{0.0, 0.0, 0.0},             // flat
	}
	const portfolio = 10000.0
	for _, returns := range series {
		v := HistoricalVaR(returns, 0.95, 1, portfolio)
		if v > 0 {
			t.Fatalf("VaR must be <= 0, got %v for %v", v, returns)
		}
		worst := 0.0
		for _, r := range returns {
			if r < 0 && math.Abs(r) > worst {
				worst = math.Abs(r)
			}
		}
		if math.Abs(v) > worst*portfolio+1e-9 {
			t.Fatalf("|VaR| %v exceeds worst loss %v", math.Abs(v), worst*portfolio)
		}
	}
}

func TestVaRScalesWithHorizon(t *testing.T) {
	returns := []float64{-0.01, -0.02, 0.01, 0.02, -0.005, 0.005, -0.015, 0.015, -0.01, 0.01}
	v1 := HistoricalVaR(returns, 0.95, 1, 1000)
	v7 := HistoricalVaR(returns, 0.95, 7, 1000)
	if v7 > v1 {
		t.Fatalf("7-day VaR should not be smaller in magnitude: v1=%v v7=%v", v1, v7)
	}
}

func TestSharpeUndefinedAtZeroVolatility(t *testing.T) {
	_, err := Sharpe([]float64{0.01, 0.01, 0.01}, 0)
	if !errors.Is(err, ErrZeroVolatility) {
		t.Fatalf("expected zero volatility error, got %v", err)
	}
}

func TestSortinoUsesDownsideOnly(t *testing.T) {
	tight := []float64{0.02, -0.01, 0.02, -0.011, 0.02, -0.009}
	wide := []float64{0.02, -0.001, 0.02, -0.03, 0.02, -0.0001}
	sTight, err := Sortino(tight, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sWide, err := Sortino(wide, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sTight <= sWide {
		t.Fatalf("tighter downside should score higher: tight=%v wide=%v", sTight, sWide)
	}
}

func TestDrawdownInvariant(t *testing.T) {
	series := [][]float64{
		{0.1, -0.2, 0.05, -0.1, 0.3},
		{0.01, 0.02, 0.03},
		{-0.05, -0.05, -0.05},
		{0.1, -0.3, 0.4, -0.05},
	}
	for _, returns := range series {
		maxDD, currentDD := Drawdowns(returns)
		if maxDD > 0 || currentDD > 0 {
			t.Fatalf("drawdowns must be <= 0, got max=%v current=%v", maxDD, currentDD)
		}
		if maxDD > currentDD {
			t.Fatalf("max drawdown %v must be <= current %v", maxDD, currentDD)
		}
	}
}

func TestCalmarUndefinedWithoutDrawdown(t *testing.T) {
	_, err := Calmar([]float64{0.01, 0.02, 0.01})
	if !errors.Is(err, ErrZeroDrawdown) {
		t.Fatalf("expected zero drawdown error, got %v", err)
	}
}

func TestEngineComputeInsufficientData(t *testing.T) {
	e := NewEngine(250, 0.95, 0)
	e.Observe(0.01)
	m, err := e.Compute(1000)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if !math.IsNaN(m.Sharpe) {
		t.Fatalf("expected NaN sharpe on insufficient data, got %v", m.Sharpe)
	}
}

func TestEngineComputeFullMetrics(t *testing.T) {
	e := NewEngine(250, 0.95, 0)
	returns := []float64{0.01, -0.02, 0.005, -0.03, 0.015, -0.002, 0.01, -0.01, 0.02, -0.005}
	for _, r := range returns {
		e.Observe(r)
	}
	m, err := e.Compute(10000, returns, returns)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Var1D > 0 {
		t.Fatalf("expected non-positive VaR, got %v", m.Var1D)
	}
	if m.Volatility <= 0 {
		t.Fatalf("expected positive volatility, got %v", m.Volatility)
	}
	if m.MaxDrawdown > m.CurrentDrawdown {
		t.Fatalf("drawdown invariant violated: %v > %v", m.MaxDrawdown, m.CurrentDrawdown)
	}
	if len(m.CorrelationMatrix) != 2 {
		t.Fatalf("expected 2x2 correlation matrix, got %d rows", len(m.CorrelationMatrix))
	}
}

func TestLimitsHolderAtomicReplace(t *testing.T) {
	h := NewLimitsHolder(Limits{MaxLeverage: 5, CooldownSeconds: 1800})
	if got := h.Current().MaxLeverage; got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}
	h.Replace(Limits{MaxLeverage: 3, CooldownSeconds: 900})
	cur := h.Current()
	if cur.MaxLeverage != 3 || cur.CooldownSeconds != 900 {
		t.Fatalf("expected replaced limits, got %+v", cur)
	}
}
