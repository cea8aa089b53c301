package app

import (
	"time"

	"dn-hedge-bot/internal/position"
	"dn-hedge-bot/internal/risk"
	"dn-hedge-bot/internal/vault"
)

// Status is the read-only snapshot the loop publishes each tick. Consumers
// never mutate it.
type Status struct {
	Running           bool                `json:"running"`
	Mode              string              `json:"mode"`
	Market            string              `json:"market"`
	Delta             position.DeltaState `json:"delta"`
	Position          position.Metrics    `json:"position"`
	Risk              risk.Metrics        `json:"risk"`
	Ledger            vault.Ledger        `json:"ledger"`
	CooldownRemaining time.Duration       `json:"cooldown_remaining"`
	LastTickAt        time.Time           `json:"last_tick_at"`
}

// FundingUpdate is the periodic broadcast carrying the funding economics of
// the hedge.
type FundingUpdate struct {
	Market          string  `json:"market"`
	FundingRate     float64 `json:"funding_rate"`
	MarkPrice       float64 `json:"mark_price"`
	DriftPct        float64 `json:"drift_pct"`
	HealthRatio     float64 `json:"health_ratio"`
	DailyYieldUSD   float64 `json:"daily_yield_usd"`
	AnnualizedPct   float64 `json:"annualized_pct"`
	FreeCollateral  float64 `json:"free_collateral"`
	DeployedCapital float64 `json:"deployed_capital"`
}
