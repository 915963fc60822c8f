package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"participant", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scenelink",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"participant", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved by the communication system.",
		},
		[]string{"transport", "direction", "message"},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "transport",
			Name:      "send_failures_total",
			Help:      "SendTo calls that failed.",
		},
		[]string{"transport", "reason"},
	)
	connectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "transport",
			Name:      "connection_events_total",
			Help:      "Participant connect/disconnect events.",
		},
		[]string{"event"},
	)
	resourceBytesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scenelink",
			Subsystem: "resource",
			Name:      "bytes_in_flight",
			Help:      "Sum of sizes of in-flight resource fetches.",
		},
	)
	resourceQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scenelink",
			Subsystem: "resource",
			Name:      "queued_fetches",
			Help:      "Resource fetches waiting for budget.",
		},
	)
	resourceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "resource",
			Name:      "fetches_total",
			Help:      "Finished resource fetches by outcome.",
		},
		[]string{"outcome"},
	)
	sceneFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "scene",
			Name:      "flushes_total",
			Help:      "Scene flushes by role (sent, applied, dropped).",
		},
		[]string{"role"},
	)
	sceneResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "scene",
			Name:      "resyncs_total",
			Help:      "Snapshot resync requests caused by flush gaps.",
		},
	)
	tasksExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "taskqueue",
			Name:      "tasks_total",
			Help:      "Tasks executed by worker threads.",
		},
	)
	watchdogStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scenelink",
			Subsystem: "taskqueue",
			Name:      "watchdog_stalls_total",
			Help:      "Workers reported unresponsive by the watchdog.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesTotal,
			sendFailures,
			connectionEvents,
			resourceBytesInFlight,
			resourceQueued,
			resourceFetches,
			sceneFlushes,
			sceneResyncs,
			tasksExecuted,
			watchdogStalls,
		)
	})
}

func RecordHTTPRequest(participant, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(participant, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(participant, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(transport, direction, message string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(transport, direction, message).Inc()
}

func RecordSendFailure(transport, reason string) {
	RegisterMetrics()
	sendFailures.WithLabelValues(transport, reason).Inc()
}

func RecordConnectionEvent(connected bool) {
	RegisterMetrics()
	event := "disconnected"
	if connected {
		event = "connected"
	}
	connectionEvents.WithLabelValues(event).Inc()
}

func SetResourceBudget(bytesInFlight uint64, queued int) {
	RegisterMetrics()
	resourceBytesInFlight.Set(float64(bytesInFlight))
	resourceQueued.Set(float64(queued))
}

func RecordResourceFetch(outcome string) {
	RegisterMetrics()
	resourceFetches.WithLabelValues(outcome).Inc()
}

func RecordSceneFlush(role string) {
	RegisterMetrics()
	sceneFlushes.WithLabelValues(role).Inc()
}

func RecordSceneResync() {
	RegisterMetrics()
	sceneResyncs.Inc()
}

func RecordTaskExecuted() {
	RegisterMetrics()
	tasksExecuted.Inc()
}

func RecordWatchdogStall() {
	RegisterMetrics()
	watchdogStalls.Inc()
}
