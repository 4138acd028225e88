package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDuplicateQuotes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "expertlib",
	Subsystem: "client",
	Name:      "duplicate_quotes_total",
	Help:      "Quotes dropped because one was already accepted for the prompt.",
})
