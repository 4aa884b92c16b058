package payments

import "github.com/prometheus/client_golang/prometheus"

// WebhooksTotal counts applied webhook results by kind and outcome.
var WebhooksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "campuspay",
		Name:      "payment_webhooks_total",
		Help:      "Total applied gateway webhook results by kind and status.",
	},
	[]string{"kind", "status"},
)

func init() {
	prometheus.MustRegister(WebhooksTotal)
}

func observeWebhook(kind, status string) {
	WebhooksTotal.WithLabelValues(kind, status).Inc()
}
