// Package metrics defines the Prometheus collectors for the relay bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesTotal        *prometheus.CounterVec
	AdmissionsTotal      *prometheus.CounterVec
	CapabilityCallsTotal *prometheus.CounterVec
	CapabilityDuration   *prometheus.HistogramVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound chat messages by channel and classified command.",
			},
			[]string{"channel", "command"},
		),
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_admissions_total",
				Help:      "Quota decisions by capability and result.",
			},
			[]string{"capability", "result"}, // "admitted" / "denied" / "error"
		),
		CapabilityCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_calls_total",
				Help:      "Remote AI calls by capability, outcome and error kind.",
			},
			[]string{"capability", "outcome", "kind"},
		),
		CapabilityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capability_call_duration_seconds",
				Help:      "Remote AI call duration in seconds.",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"capability"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	reg.MustRegister(
		m.MessagesTotal,
		m.AdmissionsTotal,
		m.CapabilityCallsTotal,
		m.CapabilityDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) Message(channel, command string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(channel, command).Inc()
}

func (m *Metrics) Admission(capability, result string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(capability, result).Inc()
}

// CapabilityCall records one remote call. kind is "" on success.
func (m *Metrics) CapabilityCall(capability, outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	m.CapabilityCallsTotal.WithLabelValues(capability, outcome, kind).Inc()
	m.CapabilityDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// Middleware records HTTP request count and duration. path should be the
// route pattern, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) Middleware(path string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
