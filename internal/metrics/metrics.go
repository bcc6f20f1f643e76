// Package metrics exposes Prometheus collectors for the orchestrator,
// grounded on the teacher's internal/metrics/metrics.go: the same
// sync.Once-guarded singleton and promauto registration pattern, narrowed
// from APEX.BUILD's execution/AI/billing metric families down to the
// control plane's own surface — HTTP, FSM transitions, the launcher, the
// bus, and the reaper/dispatcher background tasks.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every Prometheus collector the orchestrator registers.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// FSM / lifecycle
	TransitionsTotal  *prometheus.CounterVec
	ActiveBotsGauge   *prometheus.GaugeVec // labeled by platform
	TransitionIgnored *prometheus.CounterVec

	// Runtime launcher
	LaunchesTotal      *prometheus.CounterVec
	LaunchDuration     prometheus.Histogram
	LaunchFailureTotal *prometheus.CounterVec

	// Event bus
	BusPublishTotal  *prometheus.CounterVec
	BusPublishErrors *prometheus.CounterVec

	// Reaper / dispatcher
	ReapsTotal       *prometheus.CounterVec
	DispatchesTotal  prometheus.Counter
	DispatchFailures *prometheus.CounterVec

	StartupTime prometheus.Gauge
}

// Get returns the process-wide Metrics singleton, building it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by endpoint, method, and status class",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meetingbot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meetingbot",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meetingbot",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"endpoint"},
	)

	m.TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "fsm",
			Name:      "transitions_total",
			Help:      "Committed status transitions by from, to, and source",
		},
		[]string{"from", "to", "source"},
	)

	m.TransitionIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "fsm",
			Name:      "transitions_ignored_total",
			Help:      "Callback transitions rejected by the FSM table or the stop-latch guard",
		},
		[]string{"attempted_to", "reason"},
	)

	m.ActiveBotsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meetingbot",
			Subsystem: "fsm",
			Name:      "active_bots",
			Help:      "Meetings currently in the active set, by platform",
		},
		[]string{"platform"},
	)

	m.LaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "launcher",
			Name:      "launches_total",
			Help:      "Bot launch attempts by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	m.LaunchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meetingbot",
			Subsystem: "launcher",
			Name:      "launch_duration_seconds",
			Help:      "Time spent in Launcher.StartBot",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
	)

	m.LaunchFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "launcher",
			Name:      "launch_failures_total",
			Help:      "Launch failures by reason (limit_exceeded, timeout, runtime_error)",
		},
		[]string{"reason"},
	)

	m.BusPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Bus publishes attempted by channel family",
		},
		[]string{"family"},
	)

	m.BusPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "bus",
			Name:      "publish_errors_total",
			Help:      "Bus publish failures by channel family; the bus is best-effort so these never block a commit",
		},
		[]string{"family"},
	)

	m.ReapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "reaper",
			Name:      "reaps_total",
			Help:      "Scheduled reaps executed, by outcome",
		},
		[]string{"outcome"},
	)

	m.DispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "dispatcher",
			Name:      "dispatches_total",
			Help:      "Post-meeting task batches dispatched",
		},
	)

	m.DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meetingbot",
			Subsystem: "dispatcher",
			Name:      "task_failures_total",
			Help:      "Post-meeting tasks that returned an error, by task",
		},
		[]string{"task"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meetingbot",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Unix timestamp of process startup",
		},
	)
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordTransition records a committed FSM transition.
func (m *Metrics) RecordTransition(from, to, source string) {
	m.TransitionsTotal.WithLabelValues(from, to, source).Inc()
}

// RecordTransitionIgnored records a callback that the FSM table or the
// stop-latch guard rejected.
func (m *Metrics) RecordTransitionIgnored(attemptedTo, reason string) {
	m.TransitionIgnored.WithLabelValues(attemptedTo, reason).Inc()
}

// SetActiveBots sets the active-set gauge for platform.
func (m *Metrics) SetActiveBots(platform string, count int) {
	m.ActiveBotsGauge.WithLabelValues(platform).Set(float64(count))
}

// RecordLaunch records a Launcher.StartBot attempt and its duration.
func (m *Metrics) RecordLaunch(platform, outcome string, duration time.Duration) {
	m.LaunchesTotal.WithLabelValues(platform, outcome).Inc()
	m.LaunchDuration.Observe(duration.Seconds())
}

// RecordLaunchFailure records why a launch failed.
func (m *Metrics) RecordLaunchFailure(reason string) {
	m.LaunchFailureTotal.WithLabelValues(reason).Inc()
}

// RecordBusPublish records a publish attempt and whether it errored.
func (m *Metrics) RecordBusPublish(family string, err error) {
	m.BusPublishTotal.WithLabelValues(family).Inc()
	if err != nil {
		m.BusPublishErrors.WithLabelValues(family).Inc()
	}
}

// RecordReap records a completed scheduled reap.
func (m *Metrics) RecordReap(outcome string) {
	m.ReapsTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records one post-meeting dispatch batch.
func (m *Metrics) RecordDispatch() {
	m.DispatchesTotal.Inc()
}

// RecordDispatchFailure records a single failed post-meeting task.
func (m *Metrics) RecordDispatchFailure(task string) {
	m.DispatchFailures.WithLabelValues(task).Inc()
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
