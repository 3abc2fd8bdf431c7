package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

const namespace = "scanrelay"

// Metrics owns a private Prometheus registry so tests can build as many
// instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	triggered *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	attempts  *prometheus.CounterVec
}

// NewMetrics registers every collector. subscribers, when set, backs the
// live push-subscriber gauge.
func NewMetrics(subscribers func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_triggered_total",
			Help:      "Scan trigger requests by outcome.",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Worker callbacks by reported status and whether they changed state.",
		}, []string{"status", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Workflow dispatch attempts by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.triggered, m.callbacks, m.attempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if subscribers != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscribers",
			Help:      "Connected live-update subscribers.",
		}, func() float64 { return float64(subscribers()) }))
	}
	return m
}

func (m *Metrics) ScanTriggered(outcome string) {
	m.triggered.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CallbackIngested(status domain.Status, applied bool) {
	outcome := "noop"
	if applied {
		outcome = "applied"
	}
	m.callbacks.WithLabelValues(string(status), outcome).Inc()
}

func (m *Metrics) DispatchAttempt(outcome string) {
	m.attempts.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency. The route label is the
// chi pattern, so ids never explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrapWriter(w)

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
