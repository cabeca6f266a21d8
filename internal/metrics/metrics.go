// Package metrics defines the Prometheus collectors exposed by the
// manager daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all instrument handles. A single instance is created at
// startup and injected into the reconciler and the price collector.
type Metrics struct {
	ReconcileTicks     *prometheus.CounterVec
	LockSkips          prometheus.Counter
	InstancesLaunched  *prometheus.CounterVec
	InstancesDeleted   *prometheus.CounterVec
	PriceRefreshes     prometheus.Counter
	PriceRefreshErrors prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "reconcile_ticks_total",
			Help:      "Reconciliation ticks by outcome.",
		}, []string{"outcome"}),
		LockSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "reconcile_lock_skips_total",
			Help:      "Reconciliation attempts dropped because the pool lock was held.",
		}),
		InstancesLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "instances_launched_total",
			Help:      "Spot requests submitted, by provider.",
		}, []string{"provider"}),
		InstancesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "instances_deleted_total",
			Help:      "Instance records deleted, by reason.",
		}, []string{"reason"}),
		PriceRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "price_refreshes_total",
			Help:      "Completed price collection runs.",
		}),
		PriceRefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spotfly",
			Name:      "price_refresh_errors_total",
			Help:      "Price collection runs that failed for at least one region.",
		}),
	}

	reg.MustRegister(
		m.ReconcileTicks,
		m.LockSkips,
		m.InstancesLaunched,
		m.InstancesDeleted,
		m.PriceRefreshes,
		m.PriceRefreshErrors,
	)
	return m
}

// NewUnregistered creates collectors on a private throwaway registry.
// Used by tests that do not scrape.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
