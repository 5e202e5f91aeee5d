// Package memory is an in-process Store used by tests and the memory driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transithub/internal/domain"
	"transithub/internal/store"
)

// Store keeps everything in maps guarded by one RWMutex. Writes that pair a
// record change with an audit row happen under the same lock.
type Store struct {
	mu          sync.RWMutex
	transitions map[string]domain.TransitionRecord
	events      map[string]domain.Event
	audit       []domain.AuditEntry
	nextAuditID int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		transitions: make(map[string]domain.TransitionRecord),
		events:      make(map[string]domain.Event),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateTransition(_ context.Context, rec domain.TransitionRecord, audit domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transitions[rec.ID]; exists {
		return fmt.Errorf("%w: transition %s already exists", domain.ErrConflict, rec.ID)
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.transitions[rec.ID] = cloneRecord(rec)
	s.appendAuditLocked(audit)
	return nil
}

func (s *Store) GetTransition(_ context.Context, id string) (domain.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.transitions[id]
	if !ok {
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *Store) CompareAndSwapStatus(_ context.Context, next domain.TransitionRecord, expectedVersion int64, audit domain.AuditEntry) (domain.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.transitions[next.ID]
	if !ok {
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, next.ID)
	}
	if cur.Version != expectedVersion {
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s at version %d, expected %d", domain.ErrConflict, next.ID, cur.Version, expectedVersion)
	}
	stored := cloneRecord(next)
	stored.CreatedAt = cur.CreatedAt
	stored.Version = expectedVersion + 1
	s.transitions[next.ID] = stored
	s.appendAuditLocked(audit)
	return cloneRecord(stored), nil
}

func (s *Store) ListTransitions(_ context.Context, f store.TransitionFilter) ([]domain.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TransitionRecord
	for _, rec := range s.transitions {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.OriginArea != "" && rec.OriginArea != f.OriginArea {
			continue
		}
		if f.DestinationArea != "" && rec.DestinationArea != f.DestinationArea {
			continue
		}
		if f.TriggerKind != "" && rec.TriggerKind != f.TriggerKind {
			continue
		}
		if !f.FreeAt.IsZero() && rec.Executing(f.FreeAt) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if f.OldestFirst {
			return newer(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID)
		}
		return newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountTransitions(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.transitions {
		if status == "" || rec.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) AcquireLease(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transitions[id]
	if !ok {
		return domain.Lease{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
	}
	if rec.Status != domain.StatusPending {
		return domain.Lease{}, fmt.Errorf("%w: transition %s is %s", domain.ErrConflict, id, rec.Status)
	}
	now = now.UTC()
	if rec.Executing(now) {
		return domain.Lease{}, fmt.Errorf("%w: transition %s held by %s", domain.ErrAlreadyLeased, id, rec.Lease.Owner)
	}
	rec.Version++
	lease := domain.Lease{RecordID: id, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	rec.Lease = &lease
	rec.UpdatedAt = now
	s.transitions[id] = rec
	s.appendAuditLocked(domain.AuditEntry{
		Action:     store.ActionTransitionLeased,
		EntityKind: store.EntityTransition,
		EntityID:   id,
		ActorID:    owner,
		CreatedAt:  now,
	})
	return lease, nil
}

func (s *Store) ReleaseExpiredLeases(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()
	var released []string
	for id, rec := range s.transitions {
		if rec.Lease == nil || rec.Lease.ExpiresAt.After(now) {
			continue
		}
		owner := rec.Lease.Owner
		rec.Lease = nil
		rec.Version++
		rec.UpdatedAt = now
		s.transitions[id] = rec
		released = append(released, id)
		s.appendAuditLocked(domain.AuditEntry{
			Action:     store.ActionTransitionLeaseExpired,
			EntityKind: store.EntityTransition,
			EntityID:   id,
			ActorID:    owner,
			CreatedAt:  now,
		})
	}
	sort.Strings(released)
	return released, nil
}

func (s *Store) AppendEvent(_ context.Context, ev domain.Event, audit domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("%w: event %s already exists", domain.ErrConflict, ev.ID)
	}
	ev.Payload = domain.CloneDocument(ev.Payload)
	s.events[ev.ID] = ev
	s.appendAuditLocked(audit)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
	}
	ev.Payload = domain.CloneDocument(ev.Payload)
	return ev, nil
}

func (s *Store) ResolveEvent(_ context.Context, id string, audit domain.AuditEntry) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
	}
	if ev.Status != domain.EventResolved {
		ev.Status = domain.EventResolved
		s.events[id] = ev
		s.appendAuditLocked(audit)
	}
	ev.Payload = domain.CloneDocument(ev.Payload)
	return ev, nil
}

func (s *Store) ListEvents(_ context.Context, f store.EventFilter) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, ev := range s.events {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		ev.Payload = domain.CloneDocument(ev.Payload)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if status == "" || ev.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

func (s *Store) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.audit)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AuditEntry, 0, n)
	for i := len(s.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *Store) appendAuditLocked(entry domain.AuditEntry) {
	if entry.Action == "" {
		return
	}
	s.nextAuditID++
	entry.ID = s.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
}

func newer(at time.Time, id string, bt time.Time, bid string) bool {
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return id > bid
}

func cloneRecord(rec domain.TransitionRecord) domain.TransitionRecord {
	out := rec
	out.Payload = rec.Payload.Clone()
	if rec.CompletedAt != nil {
		ts := *rec.CompletedAt
		out.CompletedAt = &ts
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		out.ErrorMessage = &msg
	}
	if rec.Lease != nil {
		l := *rec.Lease
		out.Lease = &l
	}
	return out
}
