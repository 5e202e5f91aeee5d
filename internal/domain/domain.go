package domain

import "time"

// Event statuses.
const (
	EventPending  = "pending"
	EventResolved = "resolved"
)

// Transition statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Actions disambiguate a return to pending.
const (
	ActionReopen       = "reopen"
	ActionResolveError = "resolve_error"
)

// Severity hints for the activity feed.
const (
	SeverityFinancial = "financial"
	SeverityPersonnel = "personnel"
	SeverityGeneric   = "generic"
)

// DefaultErrorMessage is recorded when an actor marks a record failed without a reason.
const DefaultErrorMessage = "actor-reported error"

type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status" enum:"pending,resolved"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
}

// TransitionRecord is one cross-area handoff and its full history.
type TransitionRecord struct {
	ID              string     `json:"id"`
	OriginArea      string     `json:"origin_area"`
	DestinationArea string     `json:"destination_area"`
	TriggerKind     string     `json:"trigger_kind"`
	Payload         Payload    `json:"payload"`
	Status          string     `json:"status" enum:"pending,completed,error"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" format:"date-time"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Lease           *Lease     `json:"lease,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time  `json:"updated_at" format:"date-time"`
}

// Executing reports whether a live lease is held at now.
func (r TransitionRecord) Executing(now time.Time) bool {
	return r.Lease != nil && r.Lease.ExpiresAt.After(now)
}

// Lease marks a record as being executed by Owner until ExpiresAt.
type Lease struct {
	RecordID   string    `json:"record_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at" format:"date-time"`
	ExpiresAt  time.Time `json:"expires_at" format:"date-time"`
}

// ExecutionResult is what a downstream executor reports back.
type ExecutionResult struct {
	Ref    string
	Fields map[string]any
}

// AuditEntry is a row of the change log written alongside every mutation.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	ActorID    string    `json:"actor_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

// ActivityEntry is a normalized feed item.
type ActivityEntry struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Summary      string    `json:"summary"`
	OccurredAt   time.Time `json:"occurredAt" format:"date-time"`
	SeverityHint string    `json:"severityHint" enum:"financial,personnel,generic"`
}
