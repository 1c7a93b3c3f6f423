package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Disputes opened, by subject.",
	}, []string{"subject"})

	disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "dispute",
		Name:      "resolved_total",
		Help:      "Disputes decided, by decision and by who decided.",
	}, []string{"decision", "by"})

	slaBreaches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "dispute",
		Name:      "sla_breaches_total",
		Help:      "Escalated disputes auto-resolved after the admin deadline passed.",
	})
)

func init() {
	prometheus.MustRegister(disputesOpened, disputesResolved, slaBreaches)
}
