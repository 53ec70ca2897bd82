package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletd",
		Name:      "settle_duration_seconds",
		Help:      "Time to settle one balance change including its ledger entry.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"backend", "outcome"})

	compensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletd",
		Name:      "settle_compensations_total",
		Help:      "Balance changes reversed after a failed ledger append, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(settleDuration, compensationsTotal)
}

func observe(backend string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	settleDuration.WithLabelValues(backend, outcome).Observe(time.Since(start).Seconds())
}
