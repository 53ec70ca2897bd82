package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "ledger_appends_total",
			Help:      "Ledger entries appended, by entry status.",
		},
		[]string{"status"},
	)

	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletd",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger store operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(ledgerAppendsTotal, ledgerOpDuration)
}

// observeOp returns a function that records the duration of op.
func observeOp(op string) func() {
	start := time.Now()
	return func() {
		ledgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
