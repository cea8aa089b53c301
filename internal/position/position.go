package position

import (
	"fmt"
	"math"
	"time"
)

// Snapshot is one poll cycle's view of the hedged position. It is never
// mutated, only superseded by the next cycle's snapshot.
type Snapshot struct {
	SpotQty           float64
	PerpQty           float64
	SpotMark          float64
	PerpMark          float64
	Collateral        float64
	UnsettledPnL      float64
	MaintenanceMargin float64
	ObservedAt        time.Time
}

type Status string

const (
	StatusBalanced Status = "BALANCED"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

type Action string

const (
	ActionNone        Action = "NONE"
	ActionAddShort    Action = "ADD_SHORT"
	ActionReduceShort Action = "REDUCE_SHORT"
)

// DeltaState is derived in full from a Snapshot each tick; there is no
// incremental drift accounting.
type DeltaState struct {
	DriftPct        float64
	Status          Status
	SuggestedAction Action
	NetDelta        float64
}

type Metrics struct {
	Leverage    float64
	HealthRatio float64
	EquityUSD   float64
	SpotValue   float64
	PerpValue   float64
}

// DataQualityError marks a snapshot the monitor refuses to compute on.
// Callers must skip the tick rather than substitute defaults.
type DataQualityError struct {
	Reason string
}

func (e *DataQualityError) Error() string {
	return "data quality: " + e.Reason
}

type Monitor struct {
	pollInterval time.Duration
	tolerancePct float64
}

func NewMonitor(pollInterval time.Duration, tolerancePct float64) *Monitor {
	return &Monitor{pollInterval: pollInterval, tolerancePct: tolerancePct}
}

// Evaluate validates the snapshot and derives delta state plus leverage and
// health ratio. A stale or incomplete snapshot yields a DataQualityError.
func (m *Monitor) Evaluate(snap Snapshot, now time.Time) (DeltaState, Metrics, error) {
	if err := m.check(snap, now); err != nil {
		return DeltaState{}, Metrics{}, err
	}
	return DeriveDelta(snap, m.tolerancePct), DeriveMetrics(snap), nil
}

func (m *Monitor) check(snap Snapshot, now time.Time) error {
	if snap.ObservedAt.IsZero() {
		return &DataQualityError{Reason: "snapshot has no observation time"}
	}
	if age := now.Sub(snap.ObservedAt); age > 2*m.pollInterval {
		return &DataQualityError{Reason: fmt.Sprintf("snapshot age %s exceeds %s", age, 2*m.pollInterval)}
	}
	if snap.SpotMark <= 0 && snap.SpotQty != 0 {
		return &DataQualityError{Reason: "spot mark price missing"}
	}
	if snap.PerpMark <= 0 && snap.PerpQty != 0 {
		return &DataQualityError{Reason: "perp mark price missing"}
	}
	if snap.Collateral < 0 {
		return &DataQualityError{Reason: "negative collateral reported"}
	}
	return nil
}

// DeriveDelta recomputes drift from scratch: drift_pct = net/spot * 100 with
// the spot leg as the hedgeable base. With no spot leg the position is either
// flat (0%) or fully unhedged (100%).
func DeriveDelta(snap Snapshot, tolerancePct float64) DeltaState {
	net := snap.SpotQty + snap.PerpQty
	var drift float64
	switch {
	case snap.SpotQty > 0:
		drift = (net / snap.SpotQty) * 100
	case net != 0:
		drift = 100
	}

	state := DeltaState{DriftPct: drift, NetDelta: net}
	abs := math.Abs(drift)
	switch {
	case abs < tolerancePct:
		state.Status = StatusBalanced
	case abs < 2*tolerancePct:
		state.Status = StatusWarning
	default:
		state.Status = StatusCritical
	}
	switch {
	case state.Status == StatusBalanced:
		state.SuggestedAction = ActionNone
	case net > 0:
		state.SuggestedAction = ActionAddShort
	case net < 0:
		state.SuggestedAction = ActionReduceShort
	default:
		state.SuggestedAction = ActionNone
	}
	return state
}

func DeriveMetrics(snap Snapshot) Metrics {
	spotValue := math.Abs(snap.SpotQty) * snap.SpotMark
	perpValue := math.Abs(snap.PerpQty) * snap.PerpMark
	equity := snap.Collateral + snap.UnsettledPnL

	m := Metrics{EquityUSD: equity, SpotValue: spotValue, PerpValue: perpValue}
	total := spotValue + perpValue
	if equity > 0 {
		m.Leverage = total / equity
	} else if total > 0 {
		m.Leverage = math.Inf(1)
	}
	m.HealthRatio = HealthRatio(equity, snap.MaintenanceMargin)
	return m
}

// HealthRatio is equity over maintenance margin as a percentage. With no
// margin requirement the position cannot be liquidated, reported as +Inf.
func HealthRatio(equity, maintenanceMargin float64) float64 {
	if maintenanceMargin <= 0 {
		if equity <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	if equity <= 0 {
		return 0
	}
	return (equity / maintenanceMargin) * 100
}
