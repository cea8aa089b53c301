package risk

import (
	"errors"
	"math"
	"sort"
)

const periodsPerYear = 365

var (
	ErrInsufficientData = errors.New("insufficient return history")
	ErrZeroVolatility   = errors.New("volatility is zero")
	ErrZeroDrawdown     = errors.New("no drawdown observed")
)

// Metrics is the full risk picture recomputed from the rolling return
// series. Undefined ratios are NaN, never a silently wrong number.
type Metrics struct {
	Var1D             float64
	Var7D             float64
	ExpectedShortfall float64
	Sharpe            float64
	Sortino           float64
	Calmar            float64
	Volatility        float64
	CorrelationMatrix [][]float64
	MaxDrawdown       float64
	CurrentDrawdown   float64
}

type Engine struct {
	window       *Window
	confidence   float64
	riskFreeRate float64
}

func NewEngine(windowSize int, confidence, riskFreeRate float64) *Engine {
	return &Engine{
		window:       NewWindow(windowSize),
		confidence:   confidence,
		riskFreeRate: riskFreeRate,
	}
}

func (e *Engine) Observe(ret float64) {
	e.window.Push(ret)
}

func (e *Engine) Returns() []float64 {
	return e.window.Values()
}

// Compute derives every metric from the current window against the given
// portfolio value. Series is the set of aligned per-leg return histories
// used for the correlation matrix; it may be nil.
func (e *Engine) Compute(portfolioValue float64, series ...[]float64) (Metrics, error) {
	returns := e.window.Values()
	if len(returns) < 2 {
		return Metrics{Sharpe: math.NaN(), Sortino: math.NaN(), Calmar: math.NaN()}, ErrInsufficientData
	}

	m := Metrics{}
	m.Var1D = HistoricalVaR(returns, e.confidence, 1, portfolioValue)
	m.Var7D = HistoricalVaR(returns, e.confidence, 7, portfolioValue)
	m.ExpectedShortfall = ExpectedShortfall(returns, e.confidence, portfolioValue)
	m.Volatility = Volatility(returns)
	m.MaxDrawdown, m.CurrentDrawdown = Drawdowns(returns)

	if sharpe, err := Sharpe(returns, e.riskFreeRate); err != nil {
		m.Sharpe = math.NaN()
	} else {
		m.Sharpe = sharpe
	}
	if sortino, err := Sortino(returns, e.riskFreeRate); err != nil {
		m.Sortino = math.NaN()
	} else {
		m.Sortino = sortino
	}
	if calmar, err := Calmar(returns); err != nil {
		m.Calmar = math.NaN()
	} else {
		m.Calmar = calmar
	}
	if len(series) > 0 {
		m.CorrelationMatrix = CorrelationMatrix(series)
	}
	return m, nil
}

// HistoricalVaR sorts the series ascending, takes the (1 - confidence)
// percentile, and scales by sqrt(horizon). Result is always <= 0 and its
// magnitude never exceeds the worst observed loss.
func HistoricalVaR(returns []float64, confidence float64, horizonDays int, portfolioValue float64) float64 {
	if len(returns) == 0 || portfolioValue <= 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int((1 - confidence) * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	r := sorted[idx]
	if r > 0 {
		r = 0
	}
	v := r * math.Sqrt(float64(horizonDays)) * portfolioValue
	if worst := sorted[0]; worst < 0 {
		if floor := worst * portfolioValue; v < floor {
			v = floor
		}
	} else {
		v = 0
	}
	return v
}

// ExpectedShortfall is the mean loss beyond the VaR percentile.
func ExpectedShortfall(returns []float64, confidence float64, portfolioValue float64) float64 {
	if len(returns) == 0 || portfolioValue <= 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	cut := int((1 - confidence) * float64(len(sorted)))
	if cut < 1 {
		cut = 1
	}
	var sum float64
	n := 0
	for _, r := range sorted[:cut] {
		if r < 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return (sum / float64(n)) * portfolioValue
}

func Mean(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	return sum / float64(len(returns))
}

// Volatility is the sample standard deviation of the series.
func Volatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := Mean(returns)
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

func Sharpe(returns []float64, riskFreeRate float64) (float64, error) {
	if len(returns) < 2 {
		return 0, ErrInsufficientData
	}
	vol := Volatility(returns)
	if vol == 0 {
		return 0, ErrZeroVolatility
	}
	return (Mean(returns) - riskFreeRate) / vol, nil
}

// Sortino uses only the negative subset for the denominator volatility.
func Sortino(returns []float64, riskFreeRate float64) (float64, error) {
	if len(returns) < 2 {
		return 0, ErrInsufficientData
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return 0, ErrInsufficientData
	}
	vol := Volatility(downside)
	if vol == 0 {
		return 0, ErrZeroVolatility
	}
	return (Mean(returns) - riskFreeRate) / vol, nil
}

// Calmar is annualized return over the magnitude of the max drawdown.
func Calmar(returns []float64) (float64, error) {
	if len(returns) < 2 {
		return 0, ErrInsufficientData
	}
	maxDD, _ := Drawdowns(returns)
	if maxDD == 0 {
		return 0, ErrZeroDrawdown
	}
	annualized := Mean(returns) * periodsPerYear
	return annualized / math.Abs(maxDD), nil
}

// Drawdowns walks the compounded equity curve. Both values are <= 0 and
// maxDD <= currentDD by construction.
func Drawdowns(returns []float64) (maxDD, currentDD float64) {
	equity := 1.0
	peak := 1.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		dd := (equity - peak) / peak
		if dd < maxDD {
			maxDD = dd
		}
		currentDD = dd
	}
	return maxDD, currentDD
}
