package sessionkit

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric event names.
const (
	MetricRefreshAttempt    = "refresh.attempt"
	MetricRefreshSuccess    = "refresh.success"
	MetricRefreshFailure    = "refresh.failure"
	MetricRefreshExhausted  = "refresh.exhausted"
	MetricRefreshNoToken    = "refresh.no_token"
	MetricRefreshCoalesced  = "refresh.coalesced"
	MetricSessionStale      = "session.stale"
	MetricLoginSuccess      = "login.success"
	MetricLoginFailure      = "login.failure"
	MetricLogout            = "logout"
	MetricActivityRecorded  = "activity.recorded"
	MetricProfileFallback   = "profile.fallback"
	MetricGuardAuthorized   = "guard.authorized"
	MetricGuardDenied       = "guard.denied"
	MetricGuardRedirected   = "guard.redirected"
	MetricRegisterSucceeded = "register.success"
)

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports session events as dashboard_session_events_total{event}.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// NewPrometheusMetrics registers the session counters on a dedicated registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_session_events_total",
			Help: "Session lifecycle events by type.",
		},
		[]string{"event"},
	)
	registry.MustRegister(events)
	return &PrometheusMetrics{registry: registry, events: events}
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Registry exposes the underlying registry.
func (recorder *PrometheusMetrics) Registry() *prometheus.Registry {
	return recorder.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}
