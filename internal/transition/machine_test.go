package transition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transithub/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingRecord() domain.TransitionRecord {
	return domain.TransitionRecord{
		ID:              "tr-1",
		OriginArea:      "sales",
		DestinationArea: "legal",
		TriggerKind:     "proposal.accepted",
		Status:          domain.StatusPending,
		Payload:         domain.Payload{Business: map[string]any{"client": "acme"}},
		CreatedAt:       t0,
	}
}

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func TestApplyRejectsInvalidRequests(t *testing.T) {
	m := Machine{}
	_, err := m.Apply(domain.TransitionRecord{}, Request{Status: domain.StatusCompleted, Now: t0})
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = m.Apply(pendingRecord(), Request{Now: t0})
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = m.Apply(pendingRecord(), Request{Status: "done", Now: t0})
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestCompleteWithNote(t *testing.T) {
	rec := pendingRecord()
	out, err := Machine{}.Apply(rec, Request{Status: domain.StatusCompleted, Actor: "alice", Note: "contract drafted", Now: at(1)})
	require.NoError(t, err)

	require.NotNil(t, out.CompletedAt)
	assert.Equal(t, at(1), *out.CompletedAt)
	assert.Nil(t, out.ErrorMessage)
	require.NotNil(t, out.Payload.Audit.Completed)
	assert.Equal(t, "contract drafted", out.Payload.Audit.Completed.Note)
	assert.Equal(t, "alice", out.Payload.Audit.Completed.By)
	assert.Equal(t, "contract drafted", out.Payload.Map()[domain.KeyCompletedNote])

	// input untouched
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Nil(t, rec.Payload.Audit.Completed)
}

func TestCompleteWithoutNoteLeavesPayload(t *testing.T) {
	out, err := Machine{}.Apply(pendingRecord(), Request{Status: domain.StatusCompleted, Actor: "alice", Now: at(1)})
	require.NoError(t, err)
	assert.Nil(t, out.Payload.Audit.Completed)
	assert.Equal(t, map[string]any{"client": "acme"}, out.Payload.Map())
}

func TestErrorDefaultsMessageAndClearsCompletion(t *testing.T) {
	m := Machine{}
	done, err := m.Apply(pendingRecord(), Request{Status: domain.StatusCompleted, Actor: "a", Now: at(1)})
	require.NoError(t, err)

	// completed -> error is computed as-is; the machine does not police edges
	failed, err := m.Apply(done, Request{Status: domain.StatusError, Actor: "a", Now: at(2)})
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, domain.DefaultErrorMessage, *failed.ErrorMessage)
	assert.Nil(t, failed.CompletedAt)
	assert.Equal(t, done.Payload.Map(), failed.Payload.Map())

	failed, err = m.Apply(pendingRecord(), Request{Status: domain.StatusError, ErrorMessage: "legal system down", Now: at(3)})
	require.NoError(t, err)
	assert.Equal(t, "legal system down", *failed.ErrorMessage)
}

func TestReopenArchivesExecutionPointer(t *testing.T) {
	m := Machine{}
	rec := pendingRecord()
	rec = AttachExecution(rec, domain.ExecutionResult{Ref: "task-42"}, "worker-1", at(1))
	rec, err := m.Apply(rec, Request{Status: domain.StatusCompleted, Actor: "worker-1", Note: "contract drafted", Now: at(1)})
	require.NoError(t, err)

	out, err := m.Apply(rec, Request{Status: domain.StatusPending, Actor: "bob", Note: "need to redo pricing", Now: at(5)})
	require.NoError(t, err)

	assert.Nil(t, out.CompletedAt)
	assert.Nil(t, out.ErrorMessage)
	assert.Empty(t, out.Payload.Audit.ExecutionRef)
	require.Len(t, out.Payload.Audit.PreviousExecutions, 1)
	entry := out.Payload.Audit.PreviousExecutions[0]
	assert.Equal(t, "task-42", entry.ExecutionRef)
	assert.Equal(t, at(5), entry.ResetAt)
	assert.Equal(t, "bob", entry.ResetBy)
	require.NotNil(t, out.Payload.Audit.Reopened)
	assert.Equal(t, "need to redo pricing", out.Payload.Audit.Reopened.Note)
	assert.Nil(t, out.Payload.Audit.ErrorResolved)

	doc := out.Payload.Map()
	assert.NotContains(t, doc, domain.KeyExecutionRef)
	assert.Equal(t, "need to redo pricing", doc[domain.KeyReopenedNote])
}

func TestReopenTwiceIsIdempotentOnHistory(t *testing.T) {
	m := Machine{}
	rec := AttachExecution(pendingRecord(), domain.ExecutionResult{Ref: "task-1"}, "w", at(1))
	rec, err := m.Apply(rec, Request{Status: domain.StatusCompleted, Actor: "w", Now: at(1)})
	require.NoError(t, err)

	first, err := m.Apply(rec, Request{Status: domain.StatusPending, Actor: "bob", Now: at(2)})
	require.NoError(t, err)
	second, err := m.Apply(first, Request{Status: domain.StatusPending, Actor: "carol", Now: at(3)})
	require.NoError(t, err)

	assert.Len(t, second.Payload.Audit.PreviousExecutions, 1)
	require.NotNil(t, second.Payload.Audit.Reopened)
	assert.Equal(t, "carol", second.Payload.Audit.Reopened.By)
	assert.Equal(t, at(3), second.Payload.Audit.Reopened.At)
}

func TestHistoryIsMonotonic(t *testing.T) {
	m := Machine{}
	rec := pendingRecord()
	const cycles = 4
	for i := 0; i < cycles; i++ {
		rec = AttachExecution(rec, domain.ExecutionResult{Ref: "task-" + string(rune('a'+i))}, "w", at(i*10))
		var err error
		rec, err = m.Apply(rec, Request{Status: domain.StatusCompleted, Actor: "w", Now: at(i*10 + 1)})
		require.NoError(t, err)
		before := append([]domain.ExecutionEntry(nil), rec.Payload.Audit.PreviousExecutions...)
		rec, err = m.Apply(rec, Request{Status: domain.StatusPending, Actor: "op", Now: at(i*10 + 2)})
		require.NoError(t, err)
		require.Len(t, rec.Payload.Audit.PreviousExecutions, i+1)
		for j := range before {
			assert.Equal(t, before[j].ExecutionRef, rec.Payload.Audit.PreviousExecutions[j].ExecutionRef)
		}
	}
	assert.Equal(t, "task-d", rec.Payload.Audit.PreviousExecutions[cycles-1].ExecutionRef)
}

func TestReopenDisambiguation(t *testing.T) {
	m := Machine{}
	failed, err := m.Apply(pendingRecord(), Request{Status: domain.StatusError, Now: at(1)})
	require.NoError(t, err)

	out, err := m.Apply(failed, Request{Status: domain.StatusPending, Actor: "op", Note: "fixed creds", Now: at(2)})
	require.NoError(t, err)
	require.NotNil(t, out.Payload.Audit.ErrorResolved)
	assert.Nil(t, out.Payload.Audit.Reopened)
	assert.Equal(t, "fixed creds", out.Payload.Map()[domain.KeyErrorResolvedNote])

	out, err = m.Apply(failed, Request{Status: domain.StatusPending, Actor: "op", Action: domain.ActionResolveError, Now: at(2)})
	require.NoError(t, err)
	assert.NotNil(t, out.Payload.Audit.ErrorResolved)

	out, err = m.Apply(failed, Request{Status: domain.StatusPending, Actor: "op", Action: domain.ActionReopen, Now: at(2)})
	require.NoError(t, err)
	assert.NotNil(t, out.Payload.Audit.Reopened)
	assert.Nil(t, out.Payload.Audit.ErrorResolved)

	done, err := m.Apply(pendingRecord(), Request{Status: domain.StatusCompleted, Now: at(1)})
	require.NoError(t, err)
	for _, action := range []string{"", domain.ActionReopen, domain.ActionResolveError} {
		out, err = m.Apply(done, Request{Status: domain.StatusPending, Actor: "op", Action: action, Now: at(2)})
		require.NoError(t, err)
		assert.NotNil(t, out.Payload.Audit.Reopened, "action %q", action)
		assert.Nil(t, out.Payload.Audit.ErrorResolved, "action %q", action)
	}
}

func TestCompletedAtAndErrorMessageNeverBothSet(t *testing.T) {
	m := Machine{}
	rec := pendingRecord()
	steps := []Request{
		{Status: domain.StatusCompleted},
		{Status: domain.StatusPending},
		{Status: domain.StatusError, ErrorMessage: "boom"},
		{Status: domain.StatusPending, Action: domain.ActionResolveError},
		{Status: domain.StatusError},
		{Status: domain.StatusCompleted},
		{Status: domain.StatusPending},
		{Status: domain.StatusPending},
	}
	for i, req := range steps {
		req.Actor = "op"
		req.Now = at(i)
		var err error
		rec, err = m.Apply(rec, req)
		require.NoError(t, err)
		assert.False(t, rec.CompletedAt != nil && rec.ErrorMessage != nil, "step %d", i)
		if rec.Status == domain.StatusPending {
			assert.Nil(t, rec.CompletedAt)
			assert.Nil(t, rec.ErrorMessage)
		}
	}
}

func TestProductPointerKeysAreArchived(t *testing.T) {
	m := Machine{PointerKeys: []string{"legal_task_id"}}
	rec := pendingRecord()
	rec = AttachExecution(rec, domain.ExecutionResult{Ref: "task-9", Fields: map[string]any{"legal_task_id": "L-9"}}, "w", at(1))
	rec, err := m.Apply(rec, Request{Status: domain.StatusCompleted, Now: at(1)})
	require.NoError(t, err)

	out, err := m.Apply(rec, Request{Status: domain.StatusPending, Actor: "op", Now: at(2)})
	require.NoError(t, err)
	assert.NotContains(t, out.Payload.Business, "legal_task_id")
	assert.Equal(t, "acme", out.Payload.Business["client"])
	require.Len(t, out.Payload.Audit.PreviousExecutions, 1)
	assert.Equal(t, "L-9", out.Payload.Audit.PreviousExecutions[0].Fields["legal_task_id"])

	// only a product key, no typed pointer
	rec = pendingRecord()
	rec.Payload.Business["legal_task_id"] = "L-10"
	out, err = m.Apply(rec, Request{Status: domain.StatusPending, Actor: "op", Now: at(3)})
	require.NoError(t, err)
	require.Len(t, out.Payload.Audit.PreviousExecutions, 1)
	assert.Empty(t, out.Payload.Audit.PreviousExecutions[0].ExecutionRef)
}

func TestStatusChangeDropsLease(t *testing.T) {
	rec := pendingRecord()
	rec.Lease = &domain.Lease{RecordID: rec.ID, Owner: "w", ExpiresAt: at(10)}

	same, err := Machine{}.Apply(rec, Request{Status: domain.StatusPending, Now: at(1)})
	require.NoError(t, err)
	assert.NotNil(t, same.Lease)

	done, err := Machine{}.Apply(rec, Request{Status: domain.StatusCompleted, Now: at(1)})
	require.NoError(t, err)
	assert.Nil(t, done.Lease)
}

func TestArchiveSupersededKeepsCurrentPointer(t *testing.T) {
	m := Machine{}
	rec := AttachExecution(pendingRecord(), domain.ExecutionResult{Ref: "task-B"}, "worker-b", at(6))
	rec, err := m.Apply(rec, Request{Status: domain.StatusCompleted, Actor: "worker-b", Now: at(6)})
	require.NoError(t, err)

	out, ok := ArchiveSuperseded(rec, domain.ExecutionResult{
		Ref:    "task-A",
		Fields: map[string]any{"legal_task_id": "L-1", domain.KeyExecutionRef: "ignored"},
	}, "worker-a", at(7))
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, "task-B", out.Payload.Audit.ExecutionRef)
	assert.Equal(t, "worker-b", out.Payload.Audit.ExecutedBy)
	require.Len(t, out.Payload.Audit.PreviousExecutions, 1)
	entry := out.Payload.Audit.PreviousExecutions[0]
	assert.Equal(t, "task-A", entry.ExecutionRef)
	assert.Equal(t, "worker-a", entry.ResetBy)
	assert.Equal(t, map[string]any{"legal_task_id": "L-1"}, entry.Fields)
	assert.Empty(t, rec.Payload.Audit.PreviousExecutions)

	_, ok = ArchiveSuperseded(rec, domain.ExecutionResult{}, "worker-a", at(7))
	assert.False(t, ok)
}
