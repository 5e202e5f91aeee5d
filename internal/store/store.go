// Package store defines the persistence port shared by the engine, the
// execution guard and the hub aggregator.
package store

import (
	"context"
	"time"

	"transithub/internal/domain"
)

// Audit actions written alongside mutations.
const (
	ActionTransitionCreated      = "transition.created"
	ActionTransitionApplied      = "transition.applied"
	ActionTransitionLeased       = "transition.leased"
	ActionTransitionLeaseExpired = "transition.lease_expired"
	ActionEventEmitted           = "event.emitted"
	ActionEventResolved          = "event.resolved"
)

// Entity kinds recorded in the audit log.
const (
	EntityTransition = "transition"
	EntityEvent      = "event"
)

// TransitionFilter narrows ListTransitions. Empty fields match everything.
type TransitionFilter struct {
	Status          string
	OriginArea      string
	DestinationArea string
	TriggerKind     string
	// OldestFirst orders by creation time ascending instead of newest first.
	OldestFirst bool
	// FreeAt, when set, drops records whose lease is still live at that time.
	FreeAt time.Time
	Limit  int
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Status string
	Kind   string
	Limit  int
}

// Store persists transition records, events and the audit log. Mutations that
// take an AuditEntry write it in the same transaction as the change.
//
// Implementations return domain.ErrNotFound for unknown ids,
// domain.ErrConflict when an expected version no longer matches and
// domain.ErrAlreadyLeased when a live lease blocks acquisition.
type Store interface {
	CreateTransition(ctx context.Context, rec domain.TransitionRecord, audit domain.AuditEntry) error
	GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error)
	// CompareAndSwapStatus persists next if the stored version still equals
	// expectedVersion. The returned record carries the bumped version.
	CompareAndSwapStatus(ctx context.Context, next domain.TransitionRecord, expectedVersion int64, audit domain.AuditEntry) (domain.TransitionRecord, error)
	// ListTransitions returns newest first.
	ListTransitions(ctx context.Context, filter TransitionFilter) ([]domain.TransitionRecord, error)
	CountTransitions(ctx context.Context, status string) (int, error)

	// AcquireLease marks a pending record as executing until now+ttl. It
	// fails with ErrAlreadyLeased while another live lease exists and with
	// ErrConflict when the record is no longer pending.
	AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (domain.Lease, error)
	// ReleaseExpiredLeases clears leases whose expiry is at or before now and
	// returns the affected record ids.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	AppendEvent(ctx context.Context, ev domain.Event, audit domain.AuditEntry) error
	GetEvent(ctx context.Context, id string) (domain.Event, error)
	// ResolveEvent flips status to resolved. Resolving twice is a no-op.
	ResolveEvent(ctx context.Context, id string, audit domain.AuditEntry) (domain.Event, error)
	// ListEvents returns newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error)
	CountEvents(ctx context.Context, status string) (int, error)

	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	// ListAudit returns newest first.
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)

	Close() error
}

