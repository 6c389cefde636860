package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_job_events_total",
			Help: "Job events by processing outcome",
		},
		[]string{"outcome"},
	)

	validationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobflow_validation_duration_seconds",
			Help:    "Duration of validation attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
