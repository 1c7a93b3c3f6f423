package disbursement

import "github.com/prometheus/client_golang/prometheus"

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "shortlet",
	Subsystem: "disbursement",
	Name:      "deliveries_total",
	Help:      "Escrow event delivery outcomes by recipient and outcome kind.",
}, []string{"recipient", "outcome"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}
