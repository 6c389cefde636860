package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_error_samples_total",
			Help: "Error samples recorded per monitored function",
		},
		[]string{"function"},
	)

	alertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobflow_alert_transitions_total",
			Help: "Alert raise/clear transitions per monitored function",
		},
		[]string{"function", "state"},
	)
)
