package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	walletsReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Subsystem: "reconciliation",
		Name:      "wallets_total",
		Help:      "Wallet reconciliations by result (raised, unchanged, skipped, failed).",
	}, []string{"currency", "result"})

	lastRunRaised = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot",
		Subsystem: "reconciliation",
		Name:      "last_run_raised",
		Help:      "Number of wallets raised to the chain in the last full run.",
	})

	lastRunSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot",
		Subsystem: "reconciliation",
		Name:      "last_run_skipped",
		Help:      "Number of wallets skipped because the oracle was unavailable in the last full run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowbot",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of full reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Subsystem: "reconciliation",
		Name:      "run_errors_total",
		Help:      "Full reconciliation runs aborted by a ledger error.",
	})
)

func init() {
	prometheus.MustRegister(
		walletsReconciled,
		lastRunRaised,
		lastRunSkipped,
		runDuration,
		runErrors,
	)
}
