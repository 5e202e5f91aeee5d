package server

import (
	"time"

	"transithub/internal/domain"
)

// Request payloads

type CreateTransitionRequest struct {
	ID              string         `json:"id,omitempty"`
	OriginArea      string         `json:"origin_area"`
	DestinationArea string         `json:"destination_area"`
	TriggerKind     string         `json:"trigger_kind"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// ApplyTransitionRequest leaves id and status optional in the schema so a
// missing value is reported as 400 with a reason.
type ApplyTransitionRequest struct {
	ID           string `json:"id,omitempty"`
	Status       string `json:"status,omitempty" doc:"pending, completed or error"`
	ErrorMessage string `json:"error_message,omitempty"`
	Note         string `json:"note,omitempty"`
	Action       string `json:"action,omitempty" doc:"reopen or resolve_error; only read when status is pending"`
}

type EmitEventRequest struct {
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	Subject string         `json:"subject,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Response payloads

type LeaseResponse struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type TransitionResponse struct {
	ID              string         `json:"id"`
	OriginArea      string         `json:"origin_area"`
	DestinationArea string         `json:"destination_area"`
	TriggerKind     string         `json:"trigger_kind"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status" enum:"pending,completed,error"`
	CompletedAt     *time.Time     `json:"completed_at"`
	ErrorMessage    *string        `json:"error_message"`
	Executing       bool           `json:"executing"`
	Lease           *LeaseResponse `json:"lease,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type EventResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status" enum:"pending,resolved"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type SummaryResponse struct {
	Pending         map[string]int         `json:"pending"`
	PreferredSource string                 `json:"preferredSource"`
	RecentActivity  []domain.ActivityEntry `json:"recentActivity"`
	GeneratedAt     time.Time              `json:"generatedAt"`
}

func transitionResponse(r domain.TransitionRecord, now time.Time) TransitionResponse {
	out := TransitionResponse{
		ID:              r.ID,
		OriginArea:      r.OriginArea,
		DestinationArea: r.DestinationArea,
		TriggerKind:     r.TriggerKind,
		Payload:         r.Payload.Map(),
		Status:          r.Status,
		CompletedAt:     r.CompletedAt,
		ErrorMessage:    r.ErrorMessage,
		Executing:       r.Executing(now),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Lease != nil {
		out.Lease = &LeaseResponse{Owner: r.Lease.Owner, AcquiredAt: r.Lease.AcquiredAt, ExpiresAt: r.Lease.ExpiresAt}
	}
	return out
}

func mapTransitions(items []domain.TransitionRecord, now time.Time) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(items))
	for _, r := range items {
		out = append(out, transitionResponse(r, now))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		Kind:      e.Kind,
		Status:    e.Status,
		Subject:   e.Subject,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
