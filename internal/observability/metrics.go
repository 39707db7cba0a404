package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wabridge"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ready",
			Help:      "1 when the session handle is connected and ready.",
		},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state; the active state is 1.",
		},
		[]string{"state"},
	)
	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Session handles replaced after the first dial.",
		},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Transport events observed by the supervisor.",
		},
		[]string{"kind"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Outbound send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	sendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "send_duration_seconds",
			Help:      "Time spent forwarding one message to the session.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	storeSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "snapshots_total",
			Help:      "Message store snapshot writes by result.",
		},
		[]string{"result"},
	)
	storeSnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "snapshot_duration_seconds",
			Help:      "Message store snapshot write duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionReady,
			sessionState,
			sessionReconnects,
			sessionEvents,
			messagesSent,
			sendDuration,
			storeSnapshots,
			storeSnapshotDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// SetSessionState marks state as the only active state label.
func SetSessionState(state string, known []string, ready bool) {
	RegisterMetrics()
	for _, s := range known {
		value := 0.0
		if s == state {
			value = 1
		}
		sessionState.WithLabelValues(s).Set(value)
	}
	if ready {
		sessionReady.Set(1)
	} else {
		sessionReady.Set(0)
	}
}

func RecordReconnect() {
	RegisterMetrics()
	sessionReconnects.Inc()
}

func RecordSessionEvent(kind string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(kind).Inc()
}

// RecordSend counts one send. outcome is "sent", "no_session", "not_ready",
// or "failed".
func RecordSend(outcome string, duration time.Duration) {
	RegisterMetrics()
	messagesSent.WithLabelValues(outcome).Inc()
	if duration > 0 {
		sendDuration.Observe(duration.Seconds())
	}
}

func RecordSnapshot(success bool, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	storeSnapshots.WithLabelValues(result).Inc()
	storeSnapshotDuration.Observe(duration.Seconds())
}
