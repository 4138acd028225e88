package expert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAsksSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "expert",
		Name:      "asks_seen_total",
		Help:      "Discovery asks matching this expert's hashtags.",
	})

	metricBidsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "expert",
		Name:      "bids_sent_total",
		Help:      "Bids published in response to asks.",
	})

	metricInvalidProofs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "expert",
		Name:      "invalid_proofs_total",
		Help:      "Payment proofs rejected for preimage mismatch.",
	})

	metricRepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "expert",
		Name:      "replies_sent_total",
		Help:      "Reply chunks published.",
	})
)
