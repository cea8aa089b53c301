package safety

import (
	"fmt"
	"time"

	"dn-hedge-bot/internal/config"

	"go.uber.org/zap"
)

// CheckResult is the verdict of a single gate. The chain surfaces the first
// failing gate by name, never a generic rejection.
type CheckResult struct {
	Passed bool
	Gate   string
	Reason string
}

// Violation is the hard rejection error carrying the gate that fired.
type Violation struct {
	Gate   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("rejected by %s gate: %s", v.Gate, v.Reason)
}

func (r CheckResult) Err() error {
	if r.Passed {
		return nil
	}
	return &Violation{Gate: r.Gate, Reason: r.Reason}
}

// TradeContext carries everything the gates need about a proposed trade and
// the world it would execute in.
type TradeContext struct {
	NotionalUSD        float64
	FundingRate        float64
	NetworkLatency     time.Duration
	OperatingBalance   float64
	ProjectedLeverage  float64
	ProjectedHealthPct float64
	ConfirmToken       string
}

type Gate interface {
	Name() string
	Check(tc TradeContext) CheckResult
}

// Chain runs its gates in a fixed order and stops at the first failure.
// Cheap checks come first so expensive ones are skipped.
type Chain struct {
	gates []Gate
	log   *zap.Logger
}

func NewChain(cfg config.GatesConfig, log *zap.Logger) *Chain {
	return &Chain{
		log: log,
		gates: []Gate{
			&profitabilityGate{cfg: cfg},
			&networkGate{max: cfg.MaxNetworkLatency},
			&reserveGate{floor: cfg.ReserveFloorUSD},
			&leverageGate{max: cfg.MaxLeverage},
			&healthGate{floor: cfg.MinHealthRatioPct},
			&confirmationGate{threshold: cfg.ConfirmThresholdUSD},
		},
	}
}

func (c *Chain) Validate(tc TradeContext) CheckResult {
	for _, g := range c.gates {
		res := g.Check(tc)
		if !res.Passed {
			if c.log != nil {
				c.log.Warn("trade rejected",
					zap.String("gate", res.Gate),
					zap.String("reason", res.Reason),
					zap.Float64("notional_usd", tc.NotionalUSD),
				)
			}
			return res
		}
	}
	return CheckResult{Passed: true, Gate: "all"}
}

func pass(name string) CheckResult {
	return CheckResult{Passed: true, Gate: name}
}

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Gate: name, Reason: fmt.Sprintf(format, args...)}
}

// profitabilityGate compares the conservative expected funding revenue
// against estimated total cost. Negative funding means the position pays,
// which is an automatic failure.
type profitabilityGate struct {
	cfg config.GatesConfig
}

func (g *profitabilityGate) Name() string { return "profitability" }

func (g *profitabilityGate) Check(tc TradeContext) CheckResult {
	if tc.FundingRate <= 0 {
		return fail(g.Name(), "funding rate %.6f is non-positive; position would pay funding", tc.FundingRate)
	}
	cost := EstimatedCostUSD(tc.NotionalUSD, g.cfg)
	revenue := tc.NotionalUSD * tc.FundingRate * g.cfg.FundingHaircut
	if cost >= revenue {
		return fail(g.Name(), "estimated cost $%.4f >= discounted revenue $%.4f", cost, revenue)
	}
	return pass(g.Name())
}

// EstimatedCostUSD is fees plus expected slippage plus the network tip.
func EstimatedCostUSD(notionalUSD float64, cfg config.GatesConfig) float64 {
	return notionalUSD*(cfg.FeeBps+cfg.SlippageBps)/10000 + cfg.NetworkTipUSD
}

type networkGate struct {
	max time.Duration
}

func (g *networkGate) Name() string { return "network-health" }

func (g *networkGate) Check(tc TradeContext) CheckResult {
	if g.max > 0 && tc.NetworkLatency > g.max {
		return fail(g.Name(), "observed latency %s exceeds %s", tc.NetworkLatency, g.max)
	}
	return pass(g.Name())
}

type reserveGate struct {
	floor float64
}

func (g *reserveGate) Name() string { return "reserve" }

func (g *reserveGate) Check(tc TradeContext) CheckResult {
	if tc.OperatingBalance < g.floor {
		return fail(g.Name(), "operating balance $%.2f below reserve floor $%.2f", tc.OperatingBalance, g.floor)
	}
	return pass(g.Name())
}

type leverageGate struct {
	max float64
}

func (g *leverageGate) Name() string { return "leverage" }

func (g *leverageGate) Check(tc TradeContext) CheckResult {
	if g.max > 0 && tc.ProjectedLeverage > g.max {
		return fail(g.Name(), "projected leverage %.2fx exceeds maximum %.2fx", tc.ProjectedLeverage, g.max)
	}
	return pass(g.Name())
}

type healthGate struct {
	floor float64
}

func (g *healthGate) Name() string { return "health" }

func (g *healthGate) Check(tc TradeContext) CheckResult {
	if tc.ProjectedHealthPct < g.floor {
		return fail(g.Name(), "projected health %.1f%% below floor %.1f%%", tc.ProjectedHealthPct, g.floor)
	}
	return pass(g.Name())
}

// confirmationGate requires an explicit operator token for trades above the
// notional threshold.
type confirmationGate struct {
	threshold float64
}

func (g *confirmationGate) Name() string { return "confirmation" }

func (g *confirmationGate) Check(tc TradeContext) CheckResult {
	if tc.NotionalUSD > g.threshold && tc.ConfirmToken == "" {
		return fail(g.Name(), "notional $%.2f above $%.2f requires explicit confirmation", tc.NotionalUSD, g.threshold)
	}
	return pass(g.Name())
}
