package rewards

import "github.com/prometheus/client_golang/prometheus"

var (
	// RewardsTotal counts issued rewards by kind.
	RewardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campuspay",
			Name:      "rewards_issued_total",
			Help:      "Total rewards issued by kind.",
		},
		[]string{"kind"},
	)

	// StreakFlagsTotal counts streak claims flagged for IP churn.
	StreakFlagsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "campuspay",
			Name:      "streak_ip_flags_total",
			Help:      "Total streak claims flagged for high IP churn.",
		},
	)
)

func init() {
	prometheus.MustRegister(RewardsTotal, StreakFlagsTotal)
}

func observeReward(kind string) {
	RewardsTotal.WithLabelValues(kind).Inc()
}

func observeStreakFlag() {
	StreakFlagsTotal.Inc()
}
