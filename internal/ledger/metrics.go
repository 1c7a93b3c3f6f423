package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	escrowEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "ledger",
		Name:      "escrow_events_total",
		Help:      "Escrow events committed, by type.",
	}, []string{"type"})

	escrowOverdrafts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "ledger",
		Name:      "escrow_overdrafts_total",
		Help:      "Writes rejected because they would move more than the booking holds.",
	})
)

func init() {
	prometheus.MustRegister(escrowEventsTotal, escrowOverdrafts)
}
