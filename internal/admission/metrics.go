package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for admission decisions.
var (
	admissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"check", "outcome"},
	)

	admissionStoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_store_failures_total",
			Help: "Total number of store failures on the admission path",
		},
		[]string{"policy"},
	)

	admissionBypassTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_bypass_total",
			Help: "Total number of checks short-circuited by a bypass flag",
		},
	)

	violationsRecordedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_violations_recorded_total",
			Help: "Total number of violations recorded",
		},
	)

	alertsEmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_alerts_emitted_total",
			Help: "Total number of violation alerts emitted",
		},
	)
)
