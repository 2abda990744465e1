// Package metrics exposes Prometheus collectors for the wizard service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traumfunke/storyflow/internal/wizard"
)

const namespace = "storyflow"

// Metrics holds the service collectors and the registry they are registered on.
type Metrics struct {
	Registry *prometheus.Registry

	finalizeOutcomes *prometheus.CounterVec
	creditsDebited   *prometheus.CounterVec
	noticesQueued    prometheus.Counter
	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the process and
// Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		finalizeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wizard",
				Name:      "finalize_total",
				Help:      "Finalize calls by flow and outcome.",
			},
			[]string{"flow", "outcome"},
		),
		creditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wizard",
				Name:      "credits_debited_total",
				Help:      "Credits spent on submitted and failed requests.",
			},
			[]string{"flow"},
		),
		noticesQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "notices_queued_total",
				Help:      "Completion notices queued for delivery.",
			},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),
	}
	m.Registry.MustRegister(
		m.finalizeOutcomes,
		m.creditsDebited,
		m.noticesQueued,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// OutcomeHook returns a wizard.OutcomeHook that counts finalize outcomes and debits.
func (m *Metrics) OutcomeHook() wizard.OutcomeHook {
	return func(flow wizard.Flow, outcome wizard.Outcome, debited int) {
		m.finalizeOutcomes.WithLabelValues(string(flow), string(outcome)).Inc()
		if debited > 0 {
			m.creditsDebited.WithLabelValues(string(flow)).Add(float64(debited))
		}
	}
}

// RecordNotices counts notices queued by a sweep.
func (m *Metrics) RecordNotices(n int) {
	if n > 0 {
		m.noticesQueued.Add(float64(n))
	}
}

// InstrumentHandler wraps next with HTTP metrics collection. Paths are labelled by
// the matched route pattern so ids do not create new series.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routeLabel(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the ServeMux pattern ("GET /series/{id}") and falls back to
// the first path segment for unmatched requests.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	trimmed := strings.Trim(r.URL.Path, "/")
	if trimmed == "" {
		return "/"
	}
	first, _, _ := strings.Cut(trimmed, "/")
	return "/" + first
}
