package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	replayMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shortlet",
		Subsystem: "reconciliation",
		Name:      "replay_mismatches",
		Help:      "Payments whose realized totals disagree with an event log replay in the last run.",
	})

	exhaustedDeliveries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shortlet",
		Subsystem: "reconciliation",
		Name:      "exhausted_deliveries",
		Help:      "Failed deliveries past the attempt limit seen in the last run.",
	})

	redeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "reconciliation",
		Name:      "redeliveries_total",
		Help:      "Deliveries retried or looked up by the reconciliation job, by resulting outcome.",
	}, []string{"outcome"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shortlet",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		replayMismatches,
		exhaustedDeliveries,
		redeliveries,
		reconcileDuration,
	)
}
