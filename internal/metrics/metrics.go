// Package metrics exports Prometheus collectors for order outcomes, breaker state and
// risk gate decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/exchange"
)

const namespace = "execguard"

var breakerStates = []exchange.BreakerState{exchange.BreakerClosed, exchange.BreakerHalfOpen, exchange.BreakerOpen}

// Recorder owns the collectors. Register it once per registry.
type Recorder struct {
	orders        *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	gateDecisions *prometheus.CounterVec
	eligible      *prometheus.GaugeVec
	backtestRuns  *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
}

// NewRecorder registers collectors on reg; nil reg means the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "orders_total",
			Help:      "Order submissions by account type and outcome",
		}, []string{"account_type", "status"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "circuit_breaker_state",
			Help:      "1 for the current circuit breaker state, 0 otherwise",
		}, []string{"account_type", "state"}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk_gate",
			Name:      "decisions_total",
			Help:      "Risk gate decisions by symbol and reason",
		}, []string{"symbol", "reason"}),
		eligible: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk_gate",
			Name:      "backtest_eligible",
			Help:      "1 if the latest backtest marked the symbol eligible",
		}, []string{"symbol"}),
		backtestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk_gate",
			Name:      "backtest_runs_total",
			Help:      "Per-symbol backtest runs by result",
		}, []string{"result"}),
		persistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Best-effort state writes that failed",
		}, []string{"component"}),
	}
}

// ObserveOrder counts an order outcome.
func (r *Recorder) ObserveOrder(accountType domain.AccountType, status domain.OrderEventStatus) {
	r.orders.WithLabelValues(accountType.String(), string(status)).Inc()
}

// SetBreakerState marks state as current for the account type.
func (r *Recorder) SetBreakerState(accountType domain.AccountType, state exchange.BreakerState) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.breakerState.WithLabelValues(accountType.String(), string(s)).Set(v)
	}
}

// ObserveGateDecision counts a gate decision.
func (r *Recorder) ObserveGateDecision(symbol, reason string) {
	r.gateDecisions.WithLabelValues(symbol, reason).Inc()
}

// ObserveBacktest records one symbol's backtest outcome. err != nil counts a failed run.
func (r *Recorder) ObserveBacktest(symbol string, eligible bool, err error) {
	if err != nil {
		r.backtestRuns.WithLabelValues("error").Inc()
		return
	}
	r.backtestRuns.WithLabelValues("ok").Inc()
	v := 0.0
	if eligible {
		v = 1
	}
	r.eligible.WithLabelValues(symbol).Set(v)
}

// ObservePersistError counts a swallowed persistence failure.
func (r *Recorder) ObservePersistError(component string) {
	r.persistErrors.WithLabelValues(component).Inc()
}
