package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"transithub/internal/config"
	"transithub/internal/domain"
	"transithub/internal/engine"
	"transithub/internal/executor"
	"transithub/internal/executor/mocks"
	"transithub/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T, clk *clock) engine.Engine {
	t.Helper()
	eng := engine.New(memory.New(), config.Default()).WithObservability(zaptest.NewLogger(t), nil)
	eng.Now = clk.Now
	for _, id := range []string{"tr-ok", "tr-fail", "tr-held", "tr-stale"} {
		_, err := eng.CreateTransition(context.Background(), engine.CreateOptions{
			ID: id, OriginArea: "sales", DestinationArea: "legal", TriggerKind: "proposal.accepted", ActorID: "alice",
		})
		require.NoError(t, err)
	}
	return eng
}

func TestRunOnce(t *testing.T) {
	clk := &clock{now: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	eng := newEngine(t, clk)
	ctx := context.Background()

	// tr-stale is left behind by a crashed worker; tr-held is busy elsewhere.
	_, err := eng.Guard.TryAcquire(ctx, "tr-stale", "crashed")
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	_, err = eng.Guard.TryAcquire(ctx, "tr-held", "other")
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	ex := mocks.NewMockExecutor(ctrl)
	ex.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error) {
		if rec.ID == "tr-fail" {
			return domain.ExecutionResult{}, errors.New("legal system down")
		}
		return domain.ExecutionResult{Ref: "task-" + rec.ID}, nil
	}).Times(3)

	w := Worker{Engine: eng, Executor: ex, Owner: "worker-1", Batch: 10, Logger: zaptest.NewLogger(t)}
	st, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Swept: 1, Completed: 2, Failed: 1}, st)

	stale, err := eng.GetTransition(ctx, "tr-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stale.Status)
	assert.Equal(t, "task-tr-stale", stale.Payload.Audit.ExecutionRef)

	held, err := eng.GetTransition(ctx, "tr-held")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, held.Status)
	assert.Equal(t, "other", held.Lease.Owner)

	failed, err := eng.GetTransition(ctx, "tr-fail")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, failed.Status)
}

func TestRunOnceSkipsRecordsLostToAnotherWorker(t *testing.T) {
	clk := &clock{now: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	eng := newEngine(t, clk)
	ctx := context.Background()

	// Another worker grabs every record right after this one listed them.
	racing := executor.Func(func(context.Context, domain.TransitionRecord) (domain.ExecutionResult, error) {
		t.Fatal("executor must not run for a record leased elsewhere")
		return domain.ExecutionResult{}, nil
	})
	batch, err := eng.PendingBatch(ctx, 10)
	require.NoError(t, err)
	for _, rec := range batch {
		_, err := eng.Guard.TryAcquire(ctx, rec.ID, "other")
		require.NoError(t, err)
	}
	w := Worker{Engine: eng, Executor: racing, Owner: "worker-1"}
	st, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestRunStopsOnCancel(t *testing.T) {
	clk := &clock{now: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	eng := newEngine(t, clk)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	seen := map[string]bool{}
	ex := executor.Func(func(_ context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[rec.ID] = true
		if len(seen) == 4 {
			cancel()
		}
		return domain.ExecutionResult{Ref: "ok"}, nil
	})

	done := make(chan error, 1)
	go func() {
		done <- Worker{Engine: eng, Executor: ex, Owner: "worker-1", Interval: time.Millisecond}.Run(ctx)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 4)
}
