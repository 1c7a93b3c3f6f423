package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and result.",
	}, []string{"op", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shortlet",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payment gateway call latency including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRetryable(err) && !isTimeout(err):
		return "transient"
	case isTimeout(err):
		return "timeout"
	case isNotFound(err):
		return "not_found"
	default:
		return "rejected"
	}
}
