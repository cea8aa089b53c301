package rebalance

import (
	"fmt"
	"math"
	"time"

	"dn-hedge-bot/internal/position"
	"dn-hedge-bot/internal/risk"

	"go.uber.org/zap"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// HedgeTrade is the single corrective trade proposed for a tick. It still
// has to clear the safety gate chain before submission.
type HedgeTrade struct {
	Market    string
	Side      Side
	Size      float64
	Priority  int
	Reasoning string
}

// CooldownState gates successive corrective trades. It advances only on a
// confirmed execution; a failed attempt leaves it untouched so the next
// tick may retry immediately.
type CooldownState struct {
	LastRebalanceAt time.Time
}

func (c CooldownState) Remaining(cooldown time.Duration, now time.Time) time.Duration {
	if c.LastRebalanceAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(c.LastRebalanceAt)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

type Calculator struct {
	market string
	log    *zap.Logger
}

func NewCalculator(market string, log *zap.Logger) *Calculator {
	return &Calculator{market: market, log: log}
}

// Plan emits at most one HedgeTrade. hedgeRatio is the effective ratio of
// perp units per spot unit, re-derived from the current spot/perp
// correlation rather than assumed 1:1.
func (c *Calculator) Plan(delta position.DeltaState, limits risk.Limits, cooldown CooldownState, hedgeRatio float64, now time.Time) *HedgeTrade {
	if delta.Status == position.StatusBalanced {
		c.log.Debug("no rebalance needed", zap.Float64("drift_pct", delta.DriftPct))
		return nil
	}
	size := math.Abs(delta.NetDelta)
	if size < limits.MinTradeSize {
		c.log.Info("rebalance skipped: below minimum trade size",
			zap.Float64("net_delta", delta.NetDelta),
			zap.Float64("min_trade_size", limits.MinTradeSize),
		)
		return nil
	}
	cooldownWindow := time.Duration(limits.CooldownSeconds) * time.Second
	if remaining := cooldown.Remaining(cooldownWindow, now); remaining > 0 {
		c.log.Info("rebalance skipped: cooldown active",
			zap.Duration("remaining", remaining),
			zap.Float64("drift_pct", delta.DriftPct),
		)
		return nil
	}

	if hedgeRatio <= 0 {
		hedgeRatio = 1
	}
	trade := &HedgeTrade{
		Market: c.market,
		Size:   size * hedgeRatio,
	}
	switch delta.SuggestedAction {
	case position.ActionAddShort:
		trade.Side = SideSell
		trade.Reasoning = fmt.Sprintf("net long %.6f (drift %.2f%%), adding short", delta.NetDelta, delta.DriftPct)
	case position.ActionReduceShort:
		trade.Side = SideBuy
		trade.Reasoning = fmt.Sprintf("net short %.6f (drift %.2f%%), reducing short", delta.NetDelta, delta.DriftPct)
	default:
		return nil
	}
	if delta.Status == position.StatusCritical {
		trade.Priority = 2
	} else {
		trade.Priority = 1
	}
	return trade
}

// HedgeRatio is the minimum-variance ratio: correlation scaled by the
// volatility ratio of the hedged leg to the hedging leg. Degenerate inputs
// fall back to 1:1.
func HedgeRatio(correlation, spotVol, perpVol float64) float64 {
	if perpVol <= 0 || spotVol <= 0 {
		return 1
	}
	ratio := correlation * spotVol / perpVol
	if ratio <= 0 {
		return 1
	}
	return ratio
}
