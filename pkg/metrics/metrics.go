// Package metrics holds the process's internal Prometheus registry: parse
// rate, circuit-breaker state, batch sizes and cache hit-rate gauges/
// counters. No HTTP handler is exposed here; a caller that wants one can
// register prometheus.Gatherer against promhttp.Handler itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this ingestor emits, behind its own
// prometheus.Registry rather than the global default, so tests can
// construct an isolated instance.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	TransactionsClassified prometheus.Counter
	ClassificationErrors   prometheus.Counter
	TradesProcessed        *prometheus.CounterVec // label: program
	BatchFlushLatency      prometheus.Histogram
	BatchSize              prometheus.Gauge
	CacheHitRate           prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec // label: connection_id; value 0/1/2 = closed/open/half_open
	PersistenceDegraded    prometheus.Counter

	BondingCurvesTracked   prometheus.Gauge
	AccountReconcileErrors prometheus.Counter
}

// New constructs a Registry backed by a fresh prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		TransactionsClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_transactions_classified_total",
			Help: "Total confirmed transactions successfully classified.",
		}),
		ClassificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_classification_errors_total",
			Help: "Total errors recovered during classification.",
		}),
		TradesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_trades_processed_total",
			Help: "Total trades applied to lifecycle state, by program.",
		}, []string{"program"}),
		BatchFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_batch_flush_latency_seconds",
			Help:    "Latency of a persistence batch flush.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_batch_current_target_size",
			Help: "Current adaptive batch target size.",
		}),
		CacheHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_cache_hit_rate",
			Help: "EWMA cache hit rate in [0, 1].",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_circuit_breaker_state",
			Help: "Per-connection circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"connection_id"}),
		PersistenceDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_persistence_degraded_total",
			Help: "Total times a batch failed persistence twice in a row.",
		}),
		BondingCurvesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_bonding_curves_tracked",
			Help: "Bonding-curve accounts currently polled by the account-truth reconciler.",
		}),
		AccountReconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_account_reconcile_errors_total",
			Help: "Total errors fetching or decoding a bonding-curve account during reconciliation.",
		}),
	}

	reg.MustRegister(
		r.TransactionsClassified,
		r.ClassificationErrors,
		r.TradesProcessed,
		r.BatchFlushLatency,
		r.BatchSize,
		r.CacheHitRate,
		r.CircuitBreakerState,
		r.PersistenceDegraded,
		r.BondingCurvesTracked,
		r.AccountReconcileErrors,
	)
	return r
}

// CircuitStateValue maps a model.CircuitState label to the gauge encoding
// documented on Registry.CircuitBreakerState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
