package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Job runs by job and result (ok, error, skipped, panic).",
	}, []string{"job", "result"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shortlet",
		Subsystem: "jobs",
		Name:      "run_duration_seconds",
		Help:      "Duration of job runs that held the lock.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"job"})

	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "jobs",
		Name:      "items_total",
		Help:      "Per-item results of job runs.",
	}, []string{"job", "result"})
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, itemsTotal)
}
