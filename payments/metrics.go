package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "expertlib",
		Subsystem: "payments",
		Name:      "pay_in_flight",
		Help:      "Payments currently dispatched to the wallet.",
	})

	metricPayQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "expertlib",
		Subsystem: "payments",
		Name:      "pay_queued",
		Help:      "Payments waiting for an in-flight slot.",
	})
)
