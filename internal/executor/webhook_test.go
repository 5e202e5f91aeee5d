package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transithub/internal/domain"
)

func legalRecord() domain.TransitionRecord {
	return domain.TransitionRecord{
		ID:              "tr-1",
		OriginArea:      "sales",
		DestinationArea: "legal",
		TriggerKind:     "proposal.accepted",
		Status:          domain.StatusPending,
		Payload:         domain.Payload{Business: map[string]any{"client": "acme"}},
		CreatedAt:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestWebhookPostsRecordAndReadsReference(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.Header.Get("X-Hub-Secret"))
		assert.Equal(t, "tr-1", r.Header.Get("X-Hub-Transition"))
		assert.Equal(t, "tr-1-0", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"execution_ref":"task-42","fields":{"legal_task_id":"L-42"}}`))
	}))
	defer srv.Close()

	wh := Webhook{Destinations: map[string]Destination{"legal": {URL: srv.URL, Secret: "s3cret"}}}
	res, err := wh.Execute(context.Background(), legalRecord())
	require.NoError(t, err)
	assert.Equal(t, "task-42", res.Ref)
	assert.Equal(t, "L-42", res.Fields["legal_task_id"])
	assert.Equal(t, "proposal.accepted", got.TriggerKind)
	assert.Equal(t, "acme", got.Payload["client"])
}

func TestWebhookFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "legal system down", http.StatusBadGateway)
	}))
	defer failing.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer empty.Close()

	_, err := Webhook{}.Execute(context.Background(), legalRecord())
	assert.ErrorIs(t, err, ErrNoDestination)

	_, err = Webhook{Destinations: map[string]Destination{"legal": {URL: failing.URL}}}.Execute(context.Background(), legalRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "legal system down")

	_, err = Webhook{Destinations: map[string]Destination{"legal": {URL: empty.URL}}}.Execute(context.Background(), legalRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution_ref")
}

func TestFuncAdapter(t *testing.T) {
	var ex Executor = Func(func(ctx context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Ref: "ref-" + rec.ID}, nil
	})
	res, err := ex.Execute(context.Background(), legalRecord())
	require.NoError(t, err)
	assert.Equal(t, "ref-tr-1", res.Ref)
}
