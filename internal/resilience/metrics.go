package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BreakerState exposes the state of every upstream breaker: 0=closed, 1=open, 2=half-open.
	BreakerState = mustRegisterGaugeVec(prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resto_upstream_breaker_state",
			Help: "Current upstream breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"target"},
	))
	BreakerTransitions = mustRegisterCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resto_upstream_breaker_transitions_total",
			Help: "Count of upstream breaker state transitions",
		},
		[]string{"target", "from", "to"},
	))
	BreakerOpenedTotal = mustRegisterCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resto_upstream_breaker_open_total",
			Help: "Number of times an upstream breaker opened",
		},
		[]string{"target"},
	))
	UpstreamAttempts = mustRegisterCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resto_upstream_attempts_total",
			Help: "HTTP attempts made against upstream dependencies by outcome",
		},
		[]string{"target", "outcome"},
	))
)

func mustRegisterGaugeVec(g *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return g
}

func mustRegisterCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
