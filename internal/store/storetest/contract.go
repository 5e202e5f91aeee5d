// Package storetest holds the behaviour every store.Store implementation must
// share. Driver packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"transithub/internal/domain"
	"transithub/internal/store"
)

// Suite exercises a store built fresh for every test by New.
type Suite struct {
	suite.Suite
	New   func(t *testing.T) store.Store
	store store.Store
	ctx   context.Context
	base  time.Time
}

func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	suite.Run(t, &Suite{New: newStore})
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.store = s.New(s.T())
}

func (s *Suite) TearDownTest() {
	if s.store != nil {
		s.Require().NoError(s.store.Close())
	}
}

func (s *Suite) record(id string, offset time.Duration) domain.TransitionRecord {
	at := s.base.Add(offset)
	return domain.TransitionRecord{
		ID:              id,
		OriginArea:      "sales",
		DestinationArea: "legal",
		TriggerKind:     "proposal.accepted",
		Payload:         domain.Payload{Business: map[string]any{"client": "acme"}},
		Status:          domain.StatusPending,
		Version:         1,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func createdAudit(id string) domain.AuditEntry {
	return domain.AuditEntry{Action: store.ActionTransitionCreated, EntityKind: store.EntityTransition, EntityID: id, ActorID: "tester"}
}

func (s *Suite) mustCreate(rec domain.TransitionRecord) {
	s.Require().NoError(s.store.CreateTransition(s.ctx, rec, createdAudit(rec.ID)))
}

func (s *Suite) TestCreateAndGet() {
	s.mustCreate(s.record("tr-1", 0))
	got, err := s.store.GetTransition(s.ctx, "tr-1")
	s.Require().NoError(err)
	s.Equal("sales", got.OriginArea)
	s.Equal(domain.StatusPending, got.Status)
	s.Equal(int64(1), got.Version)
	s.Equal("acme", got.Payload.Business["client"])
	s.True(s.base.Equal(got.CreatedAt))
	s.Nil(got.Lease)

	err = s.store.CreateTransition(s.ctx, s.record("tr-1", 0), createdAudit("tr-1"))
	s.True(errors.Is(err, domain.ErrConflict))
}

func (s *Suite) TestGetUnknown() {
	_, err := s.store.GetTransition(s.ctx, "does-not-exist")
	s.True(errors.Is(err, domain.ErrNotFound))
}

func (s *Suite) TestCompareAndSwap() {
	s.mustCreate(s.record("tr-1", 0))
	cur, err := s.store.GetTransition(s.ctx, "tr-1")
	s.Require().NoError(err)

	next := cur
	done := s.base.Add(time.Minute)
	next.Status = domain.StatusCompleted
	next.CompletedAt = &done
	next.UpdatedAt = done
	next.Payload.Audit.ExecutionRef = "task-42"
	audit := domain.AuditEntry{Action: store.ActionTransitionApplied, EntityKind: store.EntityTransition, EntityID: "tr-1", ActorID: "alice", Detail: "pending -> completed"}

	stored, err := s.store.CompareAndSwapStatus(s.ctx, next, cur.Version, audit)
	s.Require().NoError(err)
	s.Equal(cur.Version+1, stored.Version)
	s.Equal(domain.StatusCompleted, stored.Status)
	s.Require().NotNil(stored.CompletedAt)
	s.True(done.Equal(*stored.CompletedAt))
	s.Equal("task-42", stored.Payload.Audit.ExecutionRef)

	// stale writer loses
	_, err = s.store.CompareAndSwapStatus(s.ctx, next, cur.Version, audit)
	s.True(errors.Is(err, domain.ErrConflict))

	next.ID = "does-not-exist"
	_, err = s.store.CompareAndSwapStatus(s.ctx, next, 1, audit)
	s.True(errors.Is(err, domain.ErrNotFound))

	entries, err := s.store.ListAudit(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(store.ActionTransitionApplied, entries[0].Action)
	s.Equal("alice", entries[0].ActorID)
}

func (s *Suite) TestListNewestFirstWithFilters() {
	for i := 0; i < 5; i++ {
		rec := s.record(fmt.Sprintf("tr-%d", i), time.Duration(i)*time.Minute)
		if i%2 == 1 {
			rec.DestinationArea = "finance"
			rec.TriggerKind = "invoice.issued"
		}
		s.mustCreate(rec)
	}
	all, err := s.store.ListTransitions(s.ctx, store.TransitionFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 5)
	s.Equal("tr-4", all[0].ID)
	s.Equal("tr-0", all[4].ID)

	finance, err := s.store.ListTransitions(s.ctx, store.TransitionFilter{DestinationArea: "finance"})
	s.Require().NoError(err)
	s.Len(finance, 2)

	limited, err := s.store.ListTransitions(s.ctx, store.TransitionFilter{OriginArea: "sales", TriggerKind: "proposal.accepted", Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(limited, 2)
	s.Equal("tr-4", limited[0].ID)
	s.Equal("tr-2", limited[1].ID)

	n, err := s.store.CountTransitions(s.ctx, domain.StatusPending)
	s.Require().NoError(err)
	s.Equal(5, n)
	n, err = s.store.CountTransitions(s.ctx, domain.StatusError)
	s.Require().NoError(err)
	s.Equal(0, n)
}

func (s *Suite) TestListOldestFirstSkipsLiveLeases() {
	for i := 0; i < 6; i++ {
		s.mustCreate(s.record(fmt.Sprintf("tr-%d", i), time.Duration(i)*time.Minute))
	}
	now := s.base.Add(10 * time.Minute)
	_, err := s.store.AcquireLease(s.ctx, "tr-0", "worker-a", now, 5*time.Minute)
	s.Require().NoError(err)
	_, err = s.store.AcquireLease(s.ctx, "tr-2", "worker-a", now.Add(-10*time.Minute), 5*time.Minute)
	s.Require().NoError(err)

	got, err := s.store.ListTransitions(s.ctx, store.TransitionFilter{
		Status:      domain.StatusPending,
		OldestFirst: true,
		FreeAt:      now,
		Limit:       3,
	})
	s.Require().NoError(err)
	ids := make([]string, 0, len(got))
	for _, rec := range got {
		ids = append(ids, rec.ID)
	}
	// tr-2's lease expired before now and is listed again.
	s.Equal([]string{"tr-1", "tr-2", "tr-3"}, ids)

	all, err := s.store.ListTransitions(s.ctx, store.TransitionFilter{OldestFirst: true})
	s.Require().NoError(err)
	s.Require().Len(all, 6)
	s.Equal("tr-0", all[0].ID)
	s.Equal("tr-5", all[5].ID)
}

func (s *Suite) TestLeaseLifecycle() {
	s.mustCreate(s.record("tr-1", 0))
	now := s.base.Add(time.Minute)

	lease, err := s.store.AcquireLease(s.ctx, "tr-1", "worker-a", now, 5*time.Minute)
	s.Require().NoError(err)
	s.Equal("worker-a", lease.Owner)
	s.True(now.Add(5 * time.Minute).Equal(lease.ExpiresAt))

	_, err = s.store.AcquireLease(s.ctx, "tr-1", "worker-b", now.Add(time.Minute), 5*time.Minute)
	s.True(errors.Is(err, domain.ErrAlreadyLeased))

	rec, err := s.store.GetTransition(s.ctx, "tr-1")
	s.Require().NoError(err)
	s.Require().NotNil(rec.Lease)
	s.Equal("worker-a", rec.Lease.Owner)
	s.Equal(int64(2), rec.Version)

	// expired leases can be taken over
	later := now.Add(6 * time.Minute)
	lease, err = s.store.AcquireLease(s.ctx, "tr-1", "worker-b", later, 5*time.Minute)
	s.Require().NoError(err)
	s.Equal("worker-b", lease.Owner)

	_, err = s.store.AcquireLease(s.ctx, "missing", "worker-b", later, time.Minute)
	s.True(errors.Is(err, domain.ErrNotFound))
}

func (s *Suite) TestLeaseRequiresPending() {
	rec := s.record("tr-1", 0)
	done := s.base
	rec.Status = domain.StatusCompleted
	rec.CompletedAt = &done
	s.mustCreate(rec)

	_, err := s.store.AcquireLease(s.ctx, "tr-1", "worker-a", s.base, time.Minute)
	s.True(errors.Is(err, domain.ErrConflict))
}

func (s *Suite) TestReleaseExpiredLeases() {
	s.mustCreate(s.record("tr-1", 0))
	s.mustCreate(s.record("tr-2", time.Second))
	_, err := s.store.AcquireLease(s.ctx, "tr-1", "worker-a", s.base, time.Minute)
	s.Require().NoError(err)
	_, err = s.store.AcquireLease(s.ctx, "tr-2", "worker-a", s.base, time.Hour)
	s.Require().NoError(err)

	released, err := s.store.ReleaseExpiredLeases(s.ctx, s.base.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal([]string{"tr-1"}, released)

	rec, err := s.store.GetTransition(s.ctx, "tr-1")
	s.Require().NoError(err)
	s.Nil(rec.Lease)
	rec, err = s.store.GetTransition(s.ctx, "tr-2")
	s.Require().NoError(err)
	s.NotNil(rec.Lease)

	entries, err := s.store.ListAudit(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(store.ActionTransitionLeaseExpired, entries[0].Action)
	s.Equal("tr-1", entries[0].EntityID)
}

func (s *Suite) TestConcurrentAcquireHasOneWinner() {
	s.mustCreate(s.record("tr-1", 0))
	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		blocked int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.AcquireLease(s.ctx, "tr-1", fmt.Sprintf("worker-%d", i), s.base, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrAlreadyLeased):
				blocked++
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(1, wins)
	s.Equal(workers-1, blocked)
}

func (s *Suite) TestEvents() {
	for i, kind := range []string{"proposal.accepted", "invoice.paid", "client.created"} {
		ev := domain.Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Kind:      kind,
			Status:    domain.EventPending,
			Subject:   "subject " + kind,
			Payload:   map[string]any{"n": float64(i)},
			CreatedAt: s.base.Add(time.Duration(i) * time.Minute),
		}
		audit := domain.AuditEntry{Action: store.ActionEventEmitted, EntityKind: store.EntityEvent, EntityID: ev.ID, ActorID: "tester"}
		s.Require().NoError(s.store.AppendEvent(s.ctx, ev, audit))
	}

	got, err := s.store.GetEvent(s.ctx, "ev-1")
	s.Require().NoError(err)
	s.Equal("invoice.paid", got.Kind)
	s.Equal(float64(1), got.Payload["n"])

	list, err := s.store.ListEvents(s.ctx, store.EventFilter{Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("ev-2", list[0].ID)

	audit := domain.AuditEntry{Action: store.ActionEventResolved, EntityKind: store.EntityEvent, EntityID: "ev-0", ActorID: "tester"}
	resolved, err := s.store.ResolveEvent(s.ctx, "ev-0", audit)
	s.Require().NoError(err)
	s.Equal(domain.EventResolved, resolved.Status)
	again, err := s.store.ResolveEvent(s.ctx, "ev-0", audit)
	s.Require().NoError(err)
	s.Equal(domain.EventResolved, again.Status)

	_, err = s.store.ResolveEvent(s.ctx, "missing", audit)
	s.True(errors.Is(err, domain.ErrNotFound))

	pending, err := s.store.CountEvents(s.ctx, domain.EventPending)
	s.Require().NoError(err)
	s.Equal(2, pending)

	onlyPending, err := s.store.ListEvents(s.ctx, store.EventFilter{Status: domain.EventPending, Kind: "client.created"})
	s.Require().NoError(err)
	s.Require().Len(onlyPending, 1)
	s.Equal("ev-2", onlyPending[0].ID)

	// one emitted row per event plus one resolve
	entries, err := s.store.ListAudit(s.ctx, 0)
	s.Require().NoError(err)
	s.Len(entries, 4)
	s.Equal(store.ActionEventResolved, entries[0].Action)
}

func (s *Suite) TestAppendAudit() {
	entry := domain.AuditEntry{Action: "note", EntityKind: store.EntityTransition, EntityID: "tr-9", ActorID: "ops", Detail: "manual note", CreatedAt: s.base}
	s.Require().NoError(s.store.AppendAudit(s.ctx, entry))
	entries, err := s.store.ListAudit(s.ctx, 10)
	s.Require().NoError(err)
	require.Len(s.T(), entries, 1)
	s.Equal("manual note", entries[0].Detail)
	s.True(s.base.Equal(entries[0].CreatedAt))
}
