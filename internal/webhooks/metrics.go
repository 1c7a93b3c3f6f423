package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	receivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Inbound provider webhooks by provider and handling status.",
	}, []string{"provider", "status"})

	forwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "webhook",
		Name:      "forwarded_total",
		Help:      "Notifications forwarded to the platform callback URL.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(receivedTotal, forwardedTotal)
}
