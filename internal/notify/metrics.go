package notify

import "github.com/prometheus/client_golang/prometheus"

var publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shortlet",
	Subsystem: "notify",
	Name:      "published_total",
	Help:      "Notifications handed to the publisher, by kind and result.",
}, []string{"kind", "result"})

func init() {
	prometheus.MustRegister(publishedTotal)
}
