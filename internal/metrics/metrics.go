// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch metrics
	tasksAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_tasks_assigned_total",
		Help: "Total number of tasks handed out to agents",
	})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_tasks_completed_total",
		Help: "Total number of transcriptions submitted upstream",
	})

	tasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_tasks_skipped_total",
		Help: "Total number of tasks skipped by agents",
	})

	dispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_dispatch_failures_total",
		Help: "Dispatch operation failures by stage",
	}, []string{"stage"}) // stage=request|submit|skip

	// Queue metrics
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_queue_length",
		Help: "Number of task IDs in the assignment queue (last reconcile)",
	})

	tasksLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_tasks_locked",
		Help: "Number of queued tasks currently under lease (last reconcile)",
	})

	tasksAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskbridge_tasks_available",
		Help: "Number of assignable tasks (last reconcile)",
	})

	// Reconciler metrics
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_reconcile_runs_total",
		Help: "Reconciler ticks by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	reconcileChurn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_reconcile_churn_total",
		Help: "Queue entries added and removed by reconciliation",
	}, []string{"direction"}) // direction=added|removed

	// HTTP metrics
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbridge_http_requests_total",
		Help: "HTTP requests by method, route and status class",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskbridge_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	streamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbridge_stream_bytes_total",
		Help: "Audio bytes streamed to agents",
	})
)

func RecordTaskAssigned()  { tasksAssigned.Inc() }
func RecordTaskCompleted() { tasksCompleted.Inc() }
func RecordTaskSkipped()   { tasksSkipped.Inc() }

func RecordDispatchFailure(stage string) {
	dispatchFailures.WithLabelValues(stage).Inc()
}

// RecordQueueSnapshot publishes the reconciler's availability gauges.
func RecordQueueSnapshot(length, locked, available int) {
	queueLength.Set(float64(length))
	tasksLocked.Set(float64(locked))
	tasksAvailable.Set(float64(available))
}

func RecordReconcileRun(outcome string) {
	reconcileRuns.WithLabelValues(outcome).Inc()
}

func RecordReconcileChurn(added, removed int) {
	reconcileChurn.WithLabelValues("added").Add(float64(added))
	reconcileChurn.WithLabelValues("removed").Add(float64(removed))
}

func RecordHTTPRequest(method, route, status string) {
	httpRequests.WithLabelValues(method, route, status).Inc()
}

func ObserveHTTPDuration(route string, seconds float64) {
	httpDuration.WithLabelValues(route).Observe(seconds)
}

func RecordStreamBytes(n int64) {
	if n > 0 {
		streamBytes.Add(float64(n))
	}
}
