// Package metrics defines the prometheus instruments owned by the
// orchestrator. The collector is constructed at startup and threaded
// explicitly; there are no package-level registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanmeadows/maestro/internal/task"
)

// Collector bundles the engine's prometheus instruments.
type Collector struct {
	ClaimsTotal     prometheus.Counter
	StageAttempts   *prometheus.CounterVec
	LMInvocations   prometheus.Counter
	BreakerState    *prometheus.GaugeVec
	BudgetRemaining prometheus.Gauge
}

// NewCollector creates and registers the instruments on the given registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ClaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_claims_total",
			Help: "Successful task claims.",
		}),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_stage_attempts_total",
			Help: "Stage attempts by stage and outcome.",
		}, []string{"stage", "success"}),
		LMInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_lm_invocations_total",
			Help: "Language model invocations.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half_open, 2 open).",
		}, []string{"level", "identifier"}),
		BudgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_budget_remaining",
			Help: "Remaining LM invocation budget for the active run.",
		}),
	}

	reg.MustRegister(c.ClaimsTotal, c.StageAttempts, c.LMInvocations,
		c.BreakerState, c.BudgetRemaining)
	return c
}

// ObserveBreaker records a breaker state transition.
func (c *Collector) ObserveBreaker(level task.BreakerLevel, identifier string, state task.BreakerState) {
	var v float64
	switch state {
	case task.BreakerHalfOpen:
		v = 1
	case task.BreakerOpen:
		v = 2
	}
	c.BreakerState.WithLabelValues(string(level), identifier).Set(v)
}

// ObserveAttempt records a stage attempt outcome.
func (c *Collector) ObserveAttempt(stage task.Stage, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	c.StageAttempts.WithLabelValues(string(stage), label).Inc()
}
