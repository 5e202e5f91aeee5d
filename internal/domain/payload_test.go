package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadSplitsReservedKeys(t *testing.T) {
	raw := `{
		"client": "acme",
		"amount": 1200,
		"execution_ref": "task-42",
		"executed_by": "worker-1",
		"executed_at": "2024-03-01T09:00:00Z",
		"reopened_by": "bob",
		"reopened_at": "2024-03-02T10:00:00Z",
		"reopened_note": "redo",
		"previous_executions": [
			{"execution_ref": "task-41", "reset_at": "2024-02-28T08:00:00Z", "reset_by": "carol", "legal_task_id": "L-1"}
		]
	}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Equal(t, map[string]any{"client": "acme", "amount": float64(1200)}, p.Business)
	assert.Equal(t, "task-42", p.Audit.ExecutionRef)
	assert.Equal(t, "worker-1", p.Audit.ExecutedBy)
	require.NotNil(t, p.Audit.ExecutedAt)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), p.Audit.ExecutedAt.UTC())
	require.NotNil(t, p.Audit.Reopened)
	assert.Equal(t, "bob", p.Audit.Reopened.By)
	assert.Equal(t, "redo", p.Audit.Reopened.Note)
	assert.Nil(t, p.Audit.Completed)
	require.Len(t, p.Audit.PreviousExecutions, 1)
	assert.Equal(t, "task-41", p.Audit.PreviousExecutions[0].ExecutionRef)
	assert.Equal(t, "carol", p.Audit.PreviousExecutions[0].ResetBy)
	assert.Equal(t, "L-1", p.Audit.PreviousExecutions[0].Fields["legal_task_id"])
}

func TestPayloadDocumentKeepsBothRegionsFlat(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	p := Payload{
		Business: map[string]any{"client": "acme"},
		Audit: AuditMetadata{
			Completed: &Stamp{By: "alice", At: ts, Note: "done"},
			PreviousExecutions: []ExecutionEntry{
				{ExecutionRef: "task-1", ResetAt: ts, ResetBy: "bob"},
			},
		},
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "acme", doc["client"])
	assert.Equal(t, "alice", doc["completed_by"])
	assert.Equal(t, "done", doc["completed_note"])
	assert.Equal(t, "2024-03-01T09:00:00Z", doc["completed_at"])
	prev, ok := doc["previous_executions"].([]any)
	require.True(t, ok)
	require.Len(t, prev, 1)
	entry := prev[0].(map[string]any)
	assert.Equal(t, "task-1", entry["execution_ref"])
	assert.Equal(t, "bob", entry["reset_by"])
}

func TestPayloadCloneDoesNotAlias(t *testing.T) {
	p := Payload{
		Business: map[string]any{"nested": map[string]any{"k": "v"}},
		Audit:    AuditMetadata{PreviousExecutions: []ExecutionEntry{{ExecutionRef: "a"}}},
	}
	c := p.Clone()
	c.Business["nested"].(map[string]any)["k"] = "changed"
	c.Audit.PreviousExecutions[0].ExecutionRef = "b"
	c.Audit.PreviousExecutions = append(c.Audit.PreviousExecutions, ExecutionEntry{ExecutionRef: "c"})

	assert.Equal(t, "v", p.Business["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", p.Audit.PreviousExecutions[0].ExecutionRef)
	assert.Len(t, p.Audit.PreviousExecutions, 1)
}

func TestPayloadRejectsMalformedTimestamps(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"executed_at": "yesterday"}`), &p)
	require.Error(t, err)
}
