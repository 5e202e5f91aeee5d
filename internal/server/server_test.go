package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"transithub/internal/config"
	"transithub/internal/domain"
	"transithub/internal/engine"
	"transithub/internal/executor"
	"transithub/internal/hub"
	"transithub/internal/observability"
	"transithub/internal/store"
	"transithub/internal/store/memory"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Store  store.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	legal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"execution_ref":"task-42","fields":{"legal_task_id":"task-42"}}`)
	}))
	t.Cleanup(legal.Close)

	st := memory.New()
	cfg := config.Default()
	cfg.Transitions.PointerKeys = []string{"legal_task_id"}
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	eng := engine.New(st, cfg).WithObservability(logger, metrics)
	handler, err := New(Config{
		Engine:     eng,
		Aggregator: hub.Aggregator{Store: st, ActivityLimit: 5, Logger: logger, Metrics: metrics},
		Executor:   executor.Webhook{Destinations: map[string]executor.Destination{"legal": {URL: legal.URL}}},
		BasePath:   "/v1",
		Auth:       AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Logger:     logger,
		Metrics:    metrics,
		Gatherer:   reg,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		Store:  st,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			st.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

var asAlice = map[string]string{"X-Actor-Id": "alice"}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createLegal(t *testing.T, ts *testServer) TransitionResponse {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", CreateTransitionRequest{
		OriginArea:      "sales",
		DestinationArea: "legal",
		TriggerKind:     "proposal.accepted",
		Payload:         map[string]any{"client": "acme"},
	}, asAlice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[TransitionResponse](t, data)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestCompleteThenReopen(t *testing.T) {
	ts := newTestServer(t)
	rec := createLegal(t, ts)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Nil(t, rec.CompletedAt)

	res, data := doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/transitions", ApplyTransitionRequest{
		ID: rec.ID, Status: domain.StatusCompleted, Note: "contract drafted",
	}, asAlice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[TransitionResponse](t, data)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.ErrorMessage)
	assert.Equal(t, "contract drafted", done.Payload[domain.KeyCompletedNote])
	assert.Equal(t, "alice", done.Payload[domain.KeyCompletedBy])
	assert.Equal(t, "acme", done.Payload["client"])

	res, data = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/transitions", ApplyTransitionRequest{
		ID: rec.ID, Status: domain.StatusPending, Note: "need to redo pricing",
	}, map[string]string{"X-Actor-Id": "bob"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	reopened := decode[TransitionResponse](t, data)
	assert.Equal(t, domain.StatusPending, reopened.Status)
	assert.Nil(t, reopened.CompletedAt)
	assert.Equal(t, "need to redo pricing", reopened.Payload[domain.KeyReopenedNote])
	assert.Equal(t, "bob", reopened.Payload[domain.KeyReopenedBy])
	assert.Equal(t, int64(3), reopened.Version)
}

func TestApplyUnknownTransition(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/transitions", ApplyTransitionRequest{
		ID: "does-not-exist", Status: domain.StatusCompleted,
	}, asAlice)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)
	rec := createLegal(t, ts)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"apply without id", http.MethodPatch, "/transitions", ApplyTransitionRequest{Status: domain.StatusCompleted}},
		{"apply without status", http.MethodPatch, "/transitions", ApplyTransitionRequest{ID: rec.ID}},
		{"apply unknown status", http.MethodPatch, "/transitions", ApplyTransitionRequest{ID: rec.ID, Status: "done"}},
		{"apply unknown action", http.MethodPatch, "/transitions", ApplyTransitionRequest{ID: rec.ID, Status: domain.StatusPending, Action: "rewind"}},
		{"create without origin", http.MethodPost, "/transitions", map[string]any{"destination_area": "legal", "trigger_kind": "x"}},
		{"create with reserved key", http.MethodPost, "/transitions", CreateTransitionRequest{
			OriginArea: "sales", DestinationArea: "legal", TriggerKind: "x",
			Payload: map[string]any{domain.KeyExecutionRef: "forged"},
		}},
		{"list unknown status", http.MethodGet, "/transitions?status=archived", nil},
		{"list negative limit", http.MethodGet, "/transitions?limit=-1", nil},
		{"emit without kind", http.MethodPost, "/events", map[string]any{"subject": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, ts.Client(), tc.method, ts.URL+tc.path, tc.body, asAlice)
			require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
			assert.Equal(t, "bad_request", decode[errorEnvelope](t, data).Error.Code)
		})
	}
}

func TestSchemaViolationIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", map[string]any{
		"origin_area": 42, "destination_area": "legal", "trigger_kind": "proposal.accepted",
	}, asAlice)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Contains(t, env.Error.Details, "errors")
}

func TestMutationsRequireActor(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", CreateTransitionRequest{
		OriginArea: "sales", DestinationArea: "legal", TriggerKind: "proposal.accepted",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	// reads stay open
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/transitions", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuth(t *testing.T) {
	ts := newTestServer(t)
	body := CreateTransitionRequest{OriginArea: "sales", DestinationArea: "legal", TriggerKind: "proposal.accepted"}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", body,
		map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "carol")})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	audit, err := ts.Store.ListAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "carol", audit[0].ActorID)

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", body,
		map[string]string{"Authorization": "Bearer " + signToken(t, "other-secret", "mallory"), "X-Actor-Id": "mallory"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", body,
		map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestExecute(t *testing.T) {
	ts := newTestServer(t)
	rec := createLegal(t, ts)

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions/"+rec.ID+"/execute", nil, asAlice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[TransitionResponse](t, data)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, "task-42", done.Payload[domain.KeyExecutionRef])
	assert.Equal(t, "task-42", done.Payload["legal_task_id"])
	assert.Equal(t, "alice", done.Payload[domain.KeyExecutedBy])
	assert.False(t, done.Executing)

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/transitions/"+rec.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, done.Version, decode[TransitionResponse](t, data).Version)
}

func TestExecuteAlreadyLeased(t *testing.T) {
	ts := newTestServer(t)
	rec := createLegal(t, ts)
	_, err := ts.Store.AcquireLease(context.Background(), rec.ID, "worker-1", time.Now(), time.Minute)
	require.NoError(t, err)

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions/"+rec.ID+"/execute", nil, asAlice)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "already_leased", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/transitions/"+rec.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[TransitionResponse](t, data)
	assert.True(t, got.Executing)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "worker-1", got.Lease.Owner)
}

func TestExecuteWithoutDestination(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions", CreateTransitionRequest{
		OriginArea: "legal", DestinationArea: "finance", TriggerKind: "contract.signed",
	}, asAlice)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	rec := decode[TransitionResponse](t, data)

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/transitions/"+rec.ID+"/execute", nil, asAlice)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Contains(t, decode[errorEnvelope](t, data).Error.Message, "finance")
}

func TestListTransitionsFilters(t *testing.T) {
	ts := newTestServer(t)
	a := createLegal(t, ts)
	createLegal(t, ts)
	res, _ := doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/transitions", ApplyTransitionRequest{
		ID: a.ID, Status: domain.StatusError, ErrorMessage: "client unreachable",
	}, asAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/transitions?status=error&to_area=legal", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	items := decode[[]TransitionResponse](t, data)
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].ID)
	require.NotNil(t, items[0].ErrorMessage)
	assert.Equal(t, "client unreachable", *items[0].ErrorMessage)

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/transitions?from_area=finance", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/events", EmitEventRequest{
		Kind: "invoice.overdue", Subject: "INV-7",
	}, asAlice)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	ev := decode[EventResponse](t, data)
	assert.Equal(t, domain.EventPending, ev.Status)

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/events/"+ev.ID+"/resolve", nil, asAlice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.EventResolved, decode[EventResponse](t, data).Status)

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/events?status=resolved", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]EventResponse](t, data), 1)

	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/events/missing/resolve", nil, asAlice)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHubSummary(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/hub/summary", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	empty := decode[SummaryResponse](t, data)
	assert.Equal(t, hub.SourceEvents, empty.PreferredSource)
	assert.Equal(t, 0, empty.Pending[hub.TotalKey])
	assert.Contains(t, string(data), `"recentActivity":[]`)

	createLegal(t, ts)
	createLegal(t, ts)
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/events", EmitEventRequest{Kind: "payment.failed", Subject: "acme"}, asAlice)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/hub/summary", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	s := decode[SummaryResponse](t, data)
	assert.Equal(t, 1, s.Pending[hub.SourceEvents])
	assert.Equal(t, 2, s.Pending[hub.SourceTransitions])
	assert.Equal(t, 3, s.Pending[hub.TotalKey])
	assert.Equal(t, hub.SourceTransitions, s.PreferredSource)
	require.Len(t, s.RecentActivity, 1)
	assert.Equal(t, domain.SeverityFinancial, s.RecentActivity[0].SeverityHint)
	assert.Equal(t, "payment.failed: acme", s.RecentActivity[0].Summary)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := createLegal(t, ts)
	res, _ := doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/transitions", ApplyTransitionRequest{ID: rec.ID, Status: domain.StatusCompleted}, asAlice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "hub_transitions_applied_total")
	assert.Contains(t, string(data), "hub_http_requests_total")
}

func TestOpenAPI(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Paths, "/v1/transitions")
	assert.Contains(t, doc.Paths, "/v1/hub/summary")
	assert.Contains(t, doc.Paths["/v1/transitions"], "patch")
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "actorHeader")

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/openapi.json")
}
