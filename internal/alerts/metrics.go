package alerts

import "github.com/prometheus/client_golang/prometheus"

var (
	alertsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletd",
		Name:      "alerts_emitted_total",
		Help:      "Alerts accepted for delivery, by category.",
	}, []string{"category"})

	alertsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletd",
		Name:      "alerts_dropped_total",
		Help:      "Alerts that could not be stored, by reason.",
	}, []string{"reason"})

	alertQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletd",
		Name:      "alert_queue_depth",
		Help:      "Alerts waiting for delivery.",
	})
)

func init() {
	prometheus.MustRegister(alertsEmittedTotal, alertsDroppedTotal, alertQueueDepth)
}
