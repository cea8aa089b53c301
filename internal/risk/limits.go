package risk

import "sync/atomic"

// Limits are the operator-set thresholds gating every trade. Replaced as a
// whole; readers always see a consistent set.
type Limits struct {
	MaxLeverage       float64
	MaxDriftPct       float64
	MinHealthRatioPct float64
	CooldownSeconds   int
	MinTradeSize      float64
}

// LimitsHolder publishes the current Limits atomically.
type LimitsHolder struct {
	v atomic.Pointer[Limits]
}

func NewLimitsHolder(initial Limits) *LimitsHolder {
	h := &LimitsHolder{}
	h.v.Store(&initial)
	return h
}

func (h *LimitsHolder) Current() Limits {
	return *h.v.Load()
}

func (h *LimitsHolder) Replace(limits Limits) {
	h.v.Store(&limits)
}
