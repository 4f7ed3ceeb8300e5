// Package metrics exposes the Prometheus collectors this service scrapes:
// one job-level counter and duration histogram, one duration histogram for
// external tool invocations (labeled by tool, command and exit code), and
// counters for object-store operations and errors.
//
// # Concurrency
//
// Every exported Record*/Observe* function delegates straight to a
// prometheus collector, which is itself safe for concurrent use; this
// package holds no additional locks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	jobCount        prometheus.Counter
	jobDuration     *prometheus.HistogramVec
	commandDuration *prometheus.HistogramVec
	objectsCount    *prometheus.CounterVec
	s3ErrorCount    *prometheus.CounterVec
}

var defaultJobBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}
var defaultCommandBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60}

var active *Metrics

// Init initializes the process-wide Metrics registry. namespace is the
// metric name prefix (osmdbt); jobBuckets and commandBuckets are the
// histogram bucket boundaries, in seconds, configured via
// telemetry.metrics.buckets.
func Init(namespace string, jobBuckets, commandBuckets []float64) *Metrics {
	if len(jobBuckets) == 0 {
		jobBuckets = defaultJobBuckets
	}
	if len(commandBuckets) == 0 {
		commandBuckets = defaultCommandBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		jobCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_count",
			Help:      "Total number of jobs started.",
		}),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Total duration of a job, labeled by its terminal exit code.",
				Buckets:   jobBuckets,
			},
			[]string{"exitCode"},
		),

		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of an external tool invocation, labeled by tool, command and exit code.",
				Buckets:   commandBuckets,
			},
			[]string{"tool", "command", "exitCode"},
		),

		objectsCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_count",
				Help:      "Count of object-store operations, labeled get/put.",
			},
			[]string{"kind"},
		),

		s3ErrorCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "s3_error_count",
				Help:      "Count of object-store operation failures, labeled by operation kind.",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.jobCount,
		m.jobDuration,
		m.commandDuration,
		m.objectsCount,
		m.s3ErrorCount,
	)

	active = m
	return m
}

// RecordJobStart increments the per-job-start counter. Called exactly once
// per executeJob invocation that passes the single-flight guard.
func (m *Metrics) RecordJobStart() {
	m.jobCount.Inc()
}

// ObserveJobDuration records the total wall-clock duration of one job,
// labeled by its terminal exit code.
func (m *Metrics) ObserveJobDuration(exitCode int, d time.Duration) {
	m.jobDuration.WithLabelValues(exitCodeLabel(exitCode)).Observe(d.Seconds())
}

// ObserveCommandDuration records the duration of one external tool
// invocation.
func (m *Metrics) ObserveCommandDuration(tool, command string, exitCode int, d time.Duration) {
	m.commandDuration.WithLabelValues(tool, command, exitCodeLabel(exitCode)).Observe(d.Seconds())
}

// RecordObjectGet increments the get-kind object counter.
func (m *Metrics) RecordObjectGet() {
	m.objectsCount.WithLabelValues("get").Inc()
}

// RecordObjectPut increments the put-kind object counter.
func (m *Metrics) RecordObjectPut() {
	m.objectsCount.WithLabelValues("put").Inc()
}

// RecordS3Error increments the error counter for a given object-store
// operation kind (get, put).
func (m *Metrics) RecordS3Error(kind string) {
	m.s3ErrorCount.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler serving this registry's exposition text.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Active returns the process-wide Metrics instance initialized by Init, or
// nil if Init has not been called.
func Active() *Metrics {
	return active
}

func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "0"
	case 1:
		return "1"
	case 100:
		return "100"
	case 101:
		return "101"
	case 102:
		return "102"
	case 104:
		return "104"
	case 105:
		return "105"
	case 107:
		return "107"
	case 130:
		return "130"
	default:
		return "unknown"
	}
}
