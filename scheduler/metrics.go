package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAssignments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "scheduler",
		Name:      "assignments_total",
		Help:      "Job assignments handed to workers.",
	})

	metricRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "expertlib",
		Subsystem: "scheduler",
		Name:      "requeued_total",
		Help:      "Experts returned to the queue after worker loss or timeout.",
	})
)
