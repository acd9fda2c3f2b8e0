package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMutationsTotal counts applied cart operations by kind.
	CartMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Count of applied cart mutations by operation.",
	}, []string{"op"})
	// CartPersistFailuresTotal counts snapshot reads/writes that failed and
	// pushed a cart into memory-only mode.
	CartPersistFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_persist_failures_total",
		Help: "Count of cart snapshot persistence failures by direction.",
	}, []string{"direction"})
	// CheckoutTransitionsTotal counts checkout state machine transitions.
	CheckoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_transitions_total",
		Help: "Count of checkout state transitions.",
	}, []string{"from", "to"})
	// OrderSubmissionsTotal counts order submission outcomes.
	OrderSubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_submissions_total",
		Help: "Count of order submissions by result.",
	}, []string{"result"})
	// PaymentOperationsTotal counts payment processor calls.
	PaymentOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_operations_total",
		Help: "Count of payment processor operations by outcome.",
	}, []string{"provider", "op", "result"})
	// CatalogFetchTotal counts menu lookups by source and outcome.
	CatalogFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_fetch_total",
		Help: "Count of menu fetches by source and result.",
	}, []string{"source", "result"})
	// EventsPublishedTotal counts domain event deliveries per sink.
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Count of domain event deliveries by sink and result.",
	}, []string{"sink", "result"})
)

// MustRegisterDomainMetrics registers the ordering collectors with reg.
func MustRegisterDomainMetrics(reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartMutationsTotal = registerCollector(reg, CartMutationsTotal)
		CartPersistFailuresTotal = registerCollector(reg, CartPersistFailuresTotal)
		CheckoutTransitionsTotal = registerCollector(reg, CheckoutTransitionsTotal)
		OrderSubmissionsTotal = registerCollector(reg, OrderSubmissionsTotal)
		PaymentOperationsTotal = registerCollector(reg, PaymentOperationsTotal)
		CatalogFetchTotal = registerCollector(reg, CatalogFetchTotal)
		EventsPublishedTotal = registerCollector(reg, EventsPublishedTotal)
	})
}

// registerCollector registers c, returning the collector already registered
// under the same descriptor when there is one.
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
	return c
}
