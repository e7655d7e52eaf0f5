package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "statusagent"

var (
	firingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "firings_total",
			Help:      "Number of schedule firings executed",
		},
		[]string{"schedule"},
	)

	taskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_failures_total",
			Help:      "Number of sampling tasks that returned an error or panicked",
		},
		[]string{"schedule", "task"},
	)

	registrationsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "registrations_denied_total",
			Help:      "Number of timer registrations refused by the host",
		},
		[]string{"schedule"},
	)

	recordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_emitted_total",
			Help:      "Number of status records written to the upload queue",
		},
		[]string{"stream"},
	)

	busEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_dropped_total",
			Help:      "Number of bus events dropped before delivery",
		},
		[]string{"event"},
	)
)

func ObserveFiring(schedule string) {
	firingsTotal.WithLabelValues(schedule).Inc()
}

func ObserveTaskFailure(schedule, task string) {
	taskFailuresTotal.WithLabelValues(schedule, task).Inc()
}

func ObserveRegistrationDenied(schedule string) {
	registrationsDenied.WithLabelValues(schedule).Inc()
}

func ObserveRecordEmitted(stream string) {
	recordsEmitted.WithLabelValues(stream).Inc()
}

func ObserveEventDropped(event string) {
	busEventsDropped.WithLabelValues(event).Inc()
}
