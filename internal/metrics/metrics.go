package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	Rebalances       Counter
	GateRejections   Counter
	SyncFailures     Counter
	LiquidationWarns Counter
	Reductions       Counter
	EmergencyCloses  Counter
	UnknownOutcomes  Counter
	TicksSkipped     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Rebalances:       n,
		GateRejections:   n,
		SyncFailures:     n,
		LiquidationWarns: n,
		Reductions:       n,
		EmergencyCloses:  n,
		UnknownOutcomes:  n,
		TicksSkipped:     n,
	}
}
