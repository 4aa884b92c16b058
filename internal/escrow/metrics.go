package escrow

import "github.com/prometheus/client_golang/prometheus"

// TransitionsTotal counts escrow state transitions by operation.
var TransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "campuspay",
		Name:      "escrow_transitions_total",
		Help:      "Total escrow state transitions by operation.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(TransitionsTotal)
}

func observeTransition(op string) {
	TransitionsTotal.WithLabelValues(op).Inc()
}
