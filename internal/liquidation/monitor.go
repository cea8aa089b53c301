package liquidation

import (
	"math"
	"sort"
	"sync"
	"time"

	"dn-hedge-bot/internal/config"

	"go.uber.org/zap"
)

type Tier string

const (
	TierNone      Tier = "NONE"
	TierWarning   Tier = "WARNING"
	TierReduce    Tier = "REDUCE"
	TierEmergency Tier = "EMERGENCY"
)

// Assessment is one tick's verdict on liquidation proximity.
type Assessment struct {
	Tier        Tier
	HealthRatio float64
	Thresholds  Thresholds
	Recommended string
}

type Thresholds struct {
	WarningPct   float64
	ReducePct    float64
	EmergencyPct float64
	Stressed     bool
}

// PositionRisk ranks a position by its share of portfolio risk, used to
// order emergency closures.
type PositionRisk struct {
	Market           string
	Size             float64
	NotionalUSD      float64
	RiskContribution float64
}

// ActionRecord is the structured audit trail for every protection action.
type ActionRecord struct {
	Time             time.Time
	Tier             Tier
	TriggerHealth    float64
	PositionsTouched []string
	ResultingHealth  float64
	Detail           string
}

type Monitor struct {
	cfg config.LiquidationConfig
	log *zap.Logger

	mu        sync.Mutex
	lastAlert map[Tier]time.Time
}

func NewMonitor(cfg config.LiquidationConfig, log *zap.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		log:       log,
		lastAlert: make(map[Tier]time.Time),
	}
}

// Assess classifies the health ratio against the (possibly stress-widened)
// tiers. Under detected market stress thresholds widen so the warning fires
// earlier, preserving the probability of reaching true liquidation.
func (m *Monitor) Assess(healthRatio, volatility float64) Assessment {
	th := m.thresholds(volatility)
	a := Assessment{Tier: TierNone, HealthRatio: healthRatio, Thresholds: th}
	switch {
	case healthRatio < th.EmergencyPct:
		a.Tier = TierEmergency
		a.Recommended = "emergency closure: liquidate positions by descending risk contribution"
	case healthRatio < th.ReducePct:
		a.Tier = TierReduce
		a.Recommended = "reduce position to restore health above the warning line"
	case healthRatio < th.WarningPct:
		a.Tier = TierWarning
		a.Recommended = "add collateral or reduce exposure"
	}
	return a
}

func (m *Monitor) thresholds(volatility float64) Thresholds {
	th := Thresholds{
		WarningPct:   m.cfg.WarningPct,
		ReducePct:    m.cfg.ReducePct,
		EmergencyPct: m.cfg.EmergencyPct,
	}
	if m.cfg.StressVolatility > 0 && volatility >= m.cfg.StressVolatility {
		th.WarningPct *= m.cfg.StressWiden
		th.ReducePct *= m.cfg.StressWiden
		th.EmergencyPct *= m.cfg.StressWiden
		th.Stressed = true
	}
	return th
}

// ShouldAlert applies the per-tier alert cooldown so a hovering health
// ratio does not produce an alert storm.
func (m *Monitor) ShouldAlert(tier Tier, now time.Time) bool {
	if tier == TierNone {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastAlert[tier]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return false
	}
	m.lastAlert[tier] = now
	return true
}

// RecordAction logs the audit record for a protection action.
func (m *Monitor) RecordAction(rec ActionRecord) {
	m.log.Warn("liquidation protection action",
		zap.String("tier", string(rec.Tier)),
		zap.Float64("trigger_health", rec.TriggerHealth),
		zap.Strings("positions_touched", rec.PositionsTouched),
		zap.Float64("resulting_health", rec.ResultingHealth),
		zap.String("detail", rec.Detail),
		zap.Time("time", rec.Time),
	)
}

// ReductionNotional sizes the automatic position cut: the notional to close
// so that equity over the remaining maintenance margin clears targetPct.
func ReductionNotional(equity, maintenanceMargin, positionNotional, targetPct float64) float64 {
	if equity <= 0 || maintenanceMargin <= 0 || positionNotional <= 0 || targetPct <= 0 {
		return positionNotional
	}
	// margin the equity can support at the target health
	supportable := (equity * 100) / targetPct
	if maintenanceMargin <= supportable {
		return 0
	}
	fraction := 1 - supportable/maintenanceMargin
	if fraction >= 1 {
		return positionNotional
	}
	return positionNotional * fraction
}

// EmergencyPlan orders positions by descending risk contribution; ties
// break on notional so the plan is deterministic.
func EmergencyPlan(positions []PositionRisk) []PositionRisk {
	plan := append([]PositionRisk(nil), positions...)
	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].RiskContribution != plan[j].RiskContribution {
			return plan[i].RiskContribution > plan[j].RiskContribution
		}
		return math.Abs(plan[i].NotionalUSD) > math.Abs(plan[j].NotionalUSD)
	})
	return plan
}
