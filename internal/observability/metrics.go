package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	executionDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Lease outcomes.
const (
	LeaseAcquired  = "acquired"
	LeaseContended = "contended"
	LeaseExpired   = "expired"
)

// Metrics holds the hub's Prometheus instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TransitionsAppliedTotal *prometheus.CounterVec
	ConflictsTotal          prometheus.Counter
	LeasesTotal             *prometheus.CounterVec
	ExecutionsTotal         *prometheus.CounterVec
	ExecutionDuration       prometheus.Histogram
	EventsTotal             *prometheus.CounterVec

	SummariesTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all instruments on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_transitions_applied_total",
			Help: "Status changes persisted, by prior and next status.",
		}, []string{"from", "to"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hub_transition_conflicts_total",
			Help: "Compare-and-swap attempts that lost to a concurrent writer.",
		}),
		LeasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_leases_total",
			Help: "Execution lease outcomes.",
		}, []string{"outcome"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_executions_total",
			Help: "Downstream executions by resulting status.",
		}, []string{"destination_area", "status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_execution_duration_seconds",
			Help:    "Time spent in the downstream executor.",
			Buckets: executionDurationBuckets,
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_events_total",
			Help: "Events emitted or resolved.",
		}, []string{"action"}),

		SummariesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_summaries_total",
			Help: "Hub summaries served, by cache result.",
		}, []string{"cache"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsAppliedTotal,
		m.ConflictsTotal,
		m.LeasesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.EventsTotal,
		m.SummariesTotal,
	)
	return m
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsAppliedTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) RecordLease(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LeasesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) RecordExecution(destinationArea, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(destinationArea, status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordEvent(action string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(action).Inc()
}

// RecordSummary counts a served summary; cache is "hit", "miss" or "off".
func (m *Metrics) RecordSummary(cache string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(cache).Inc()
}

// Middleware records request metrics under chi's route pattern so path
// parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
