package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	roomFeeReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "settlement",
		Name:      "room_fee_releases_total",
		Help:      "Room fees split between realtor and platform.",
	})

	payoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "settlement",
		Name:      "payouts_total",
		Help:      "Realtor payouts that reached a final transfer outcome, by outcome.",
	}, []string{"outcome"})

	payoutRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "settlement",
		Name:      "payout_retries_total",
		Help:      "Failed payouts sent again.",
	})

	cancellations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "settlement",
		Name:      "cancellations_total",
		Help:      "Guest cancellations, by refund tier.",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(roomFeeReleases, payoutsTotal, payoutRetries, cancellations)
}
