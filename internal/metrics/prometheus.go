package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	rebalances := counter("rebalances_total", "Total number of confirmed corrective trades.")
	gateRejections := counter("gate_rejections_total", "Total number of trades rejected by a safety gate.")
	syncFailures := counter("vault_sync_failures_total", "Total number of exhausted vault sync retry cycles.")
	liquidationWarns := counter("liquidation_warnings_total", "Total number of health ratio warning alerts.")
	reductions := counter("position_reductions_total", "Total number of automatic position reductions.")
	emergencyCloses := counter("emergency_closures_total", "Total number of emergency position closures.")
	unknownOutcomes := counter("unknown_outcomes_total", "Total number of trades with an unknown confirmation outcome.")
	ticksSkipped := counter("ticks_skipped_total", "Total number of control loop ticks skipped on bad data.")

	m := &Metrics{
		Rebalances:       promCounter{rebalances},
		GateRejections:   promCounter{gateRejections},
		SyncFailures:     promCounter{syncFailures},
		LiquidationWarns: promCounter{liquidationWarns},
		Reductions:       promCounter{reductions},
		EmergencyCloses:  promCounter{emergencyCloses},
		UnknownOutcomes:  promCounter{unknownOutcomes},
		TicksSkipped:     promCounter{ticksSkipped},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
