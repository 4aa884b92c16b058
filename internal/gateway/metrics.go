package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	// CallsTotal counts provider API calls by outcome.
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuspay",
			Name:      "gateway_calls_total",
			Help:      "Total payment provider API calls by provider, operation and outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)

	// RetriesTotal counts retry attempts against providers.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuspay",
			Name:      "gateway_retries_total",
			Help:      "Total retries against payment providers.",
		},
		[]string{"provider", "op"},
	)
)

func init() {
	prometheus.MustRegister(CallsTotal, RetriesTotal)
}

func observeCall(provider, op, outcome string) {
	CallsTotal.WithLabelValues(provider, op, outcome).Inc()
}

func observeRetry(provider, op string) {
	RetriesTotal.WithLabelValues(provider, op).Inc()
}
