// Package metrics exposes Prometheus collectors for the workflow engine,
// scheduler, and lock layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	lockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Total lock acquire attempts grouped by outcome (acquired|contended|error).",
		},
		[]string{"outcome"},
	)

	lockRenewTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "lock",
			Name:      "renew_total",
			Help:      "Total lock renew attempts grouped by outcome (renewed|lost|error).",
		},
		[]string{"outcome"},
	)

	engineActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workflow_core",
			Subsystem: "engine",
			Name:      "active_engines",
			Help:      "Current count of engines with status=active and a live heartbeat.",
		},
	)

	engineHeartbeatTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "engine",
			Name:      "heartbeat_total",
			Help:      "Total heartbeat calls grouped by outcome (ok|missing_row|error).",
		},
		[]string{"outcome"},
	)

	instanceStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "workflow_core",
			Subsystem: "instance",
			Name:      "status_count",
			Help:      "Current workflow instance count grouped by status.",
		},
		[]string{"status"},
	)

	nodeExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "node",
			Name:      "execution_total",
			Help:      "Total node executions grouped by node kind and outcome (completed|failed).",
		},
		[]string{"kind", "outcome"},
	)

	nodeExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workflow_core",
			Subsystem: "node",
			Name:      "execution_duration_seconds",
			Help:      "Duration of node executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind"},
	)

	failoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "scheduler",
			Name:      "failover_total",
			Help:      "Total failover events grouped by terminal status (completed|failed).",
		},
		[]string{"status"},
	)

	retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_core",
			Subsystem: "instance",
			Name:      "retry_total",
			Help:      "Total workflow-level retries performed.",
		},
		[]string{"definition_name"},
	)
)

func init() {
	Registry.MustRegister(
		lockAcquireTotal,
		lockRenewTotal,
		engineActiveGauge,
		engineHeartbeatTotal,
		instanceStatusGauge,
		nodeExecutionTotal,
		nodeExecutionDuration,
		failoverTotal,
		retryTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the promhttp handler bound to the package registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordLockAcquire records the outcome of a lock acquire attempt.
func RecordLockAcquire(outcome string) {
	lockAcquireTotal.WithLabelValues(outcome).Inc()
}

// RecordLockRenew records the outcome of a lock renew attempt.
func RecordLockRenew(outcome string) {
	lockRenewTotal.WithLabelValues(outcome).Inc()
}

// SetActiveEngines sets the current live-engine gauge.
func SetActiveEngines(count int) {
	engineActiveGauge.Set(float64(count))
}

// RecordHeartbeat records a heartbeat call outcome.
func RecordHeartbeat(outcome string) {
	engineHeartbeatTotal.WithLabelValues(outcome).Inc()
}

// SetInstanceStatusCount sets the gauge for one instance status bucket.
func SetInstanceStatusCount(status string, count int) {
	instanceStatusGauge.WithLabelValues(status).Set(float64(count))
}

// RecordNodeExecution records a node execution outcome and duration.
func RecordNodeExecution(kind, outcome string, duration time.Duration) {
	nodeExecutionTotal.WithLabelValues(kind, outcome).Inc()
	nodeExecutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFailover records the terminal status of a failover event.
func RecordFailover(status string) {
	failoverTotal.WithLabelValues(status).Inc()
}

// RecordRetry records a workflow-level retry for a definition.
func RecordRetry(definitionName string) {
	retryTotal.WithLabelValues(definitionName).Inc()
}
