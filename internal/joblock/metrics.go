package joblock

import "github.com/prometheus/client_golang/prometheus"

var (
	locksAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "joblock",
		Name:      "acquired_total",
		Help:      "Job locks acquired, by job.",
	}, []string{"job"})

	lockConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "joblock",
		Name:      "conflicts_total",
		Help:      "Acquire attempts that found the lock held.",
	}, []string{"job"})

	forceReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "joblock",
		Name:      "force_releases_total",
		Help:      "Locks removed by an admin.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(locksAcquired, lockConflicts, forceReleases)
}
