package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitMetricsRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	m.RecordTransition("pending", "completed")
	m.RecordConflict()
	m.RecordLease(LeaseAcquired, 1)
	m.RecordExecution("legal", "completed", 10*time.Millisecond)
	m.RecordEvent("emitted")
	m.RecordSummary("miss")
	m.RecordHTTPRequest("GET", "/v1/health", 200, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"hub_http_requests_total",
		"hub_http_request_duration_seconds",
		"hub_transitions_applied_total",
		"hub_transition_conflicts_total",
		"hub_leases_total",
		"hub_executions_total",
		"hub_execution_duration_seconds",
		"hub_events_total",
		"hub_summaries_total",
	} {
		assert.True(t, names[want], want)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransitionsAppliedTotal.WithLabelValues("pending", "completed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordConflict()
	m.RecordLease(LeaseExpired, 3)
	m.RecordSummary("hit")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/transitions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/transitions/abc", nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/transitions/{id}", "404")))
}

func TestLoggerFromContext(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, LoggerFrom(context.Background(), base))
	assert.NotNil(t, LoggerFrom(context.Background(), nil))

	scoped := zap.NewExample()
	ctx := WithLogger(context.Background(), scoped)
	assert.Same(t, scoped, LoggerFrom(ctx, base))

	l, err := NewLogger("not-a-level")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
