package relaypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPublishEmpty = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "expertlib",
	Subsystem: "relaypool",
	Name:      "publish_empty_total",
	Help:      "Publishes that reached zero relays.",
})
