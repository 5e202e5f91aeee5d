// Package transition computes the next persisted representation of a
// transition record. It performs no I/O; clock and actor come in with the
// request.
package transition

import (
	"fmt"
	"strings"
	"time"

	"transithub/internal/domain"
)

// Request describes a requested status change.
type Request struct {
	Status       string
	Actor        string
	Note         string
	ErrorMessage string
	// Action only matters when Status is pending.
	Action string
	Now    time.Time
}

// Machine applies status changes. PointerKeys lists product-specific business
// keys that point at a downstream artifact; they are archived together with
// the typed execution pointer when a record goes back to pending.
type Machine struct {
	PointerKeys []string
}

// ValidStatus reports whether s is one of the three transition statuses.
func ValidStatus(s string) bool {
	switch s {
	case domain.StatusPending, domain.StatusCompleted, domain.StatusError:
		return true
	}
	return false
}

// ValidAction reports whether a is empty or a known action.
func ValidAction(a string) bool {
	switch a {
	case "", domain.ActionReopen, domain.ActionResolveError:
		return true
	}
	return false
}

// Apply returns the record as it should be persisted after req. The input
// record is never modified.
func (m Machine) Apply(rec domain.TransitionRecord, req Request) (domain.TransitionRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return rec, fmt.Errorf("%w: record id is required", domain.ErrInvalidRequest)
	}
	if req.Status == "" {
		return rec, fmt.Errorf("%w: status is required", domain.ErrInvalidRequest)
	}
	if !ValidStatus(req.Status) {
		return rec, fmt.Errorf("%w: invalid status %q", domain.ErrInvalidRequest, req.Status)
	}
	now := req.Now.UTC()
	prior := rec.Status
	next := rec
	next.Payload = rec.Payload.Clone()
	next.Status = req.Status
	next.UpdatedAt = now
	if prior != req.Status {
		next.Lease = nil
	}

	switch req.Status {
	case domain.StatusCompleted:
		next.CompletedAt = &now
		next.ErrorMessage = nil
		if req.Note != "" {
			next.Payload.Audit.Completed = &domain.Stamp{By: req.Actor, At: now, Note: req.Note}
		}
	case domain.StatusError:
		msg := strings.TrimSpace(req.ErrorMessage)
		if msg == "" {
			msg = domain.DefaultErrorMessage
		}
		next.ErrorMessage = &msg
		next.CompletedAt = nil
	case domain.StatusPending:
		next.CompletedAt = nil
		next.ErrorMessage = nil
		m.archiveExecution(&next.Payload, req.Actor, now)
		stamp := &domain.Stamp{By: req.Actor, At: now, Note: req.Note}
		if prior == domain.StatusError && req.Action != domain.ActionReopen {
			next.Payload.Audit.ErrorResolved = stamp
		} else {
			next.Payload.Audit.Reopened = stamp
		}
	}
	return next, nil
}

// archiveExecution moves any execution pointer into previous_executions.
// Nothing is appended when no pointer is present.
func (m Machine) archiveExecution(p *domain.Payload, actor string, now time.Time) {
	entry := domain.ExecutionEntry{
		ExecutionRef: p.Audit.ExecutionRef,
		ExecutedAt:   p.Audit.ExecutedAt,
		ExecutedBy:   p.Audit.ExecutedBy,
		ResetAt:      now,
		ResetBy:      actor,
	}
	found := p.Audit.HasExecution()
	for _, key := range m.PointerKeys {
		v, ok := p.Business[key]
		if !ok || domain.IsReservedKey(key) {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = map[string]any{}
		}
		entry.Fields[key] = v
		delete(p.Business, key)
		found = true
	}
	if !found {
		return
	}
	p.Audit.PreviousExecutions = append(p.Audit.PreviousExecutions, entry)
	p.Audit.ExecutionRef = ""
	p.Audit.ExecutedAt = nil
	p.Audit.ExecutedBy = ""
}

// AttachExecution records the pointer to the downstream artifact produced by
// an execution attempt. It is written before the completed transition.
func AttachExecution(rec domain.TransitionRecord, res domain.ExecutionResult, actor string, now time.Time) domain.TransitionRecord {
	out := rec
	out.Payload = rec.Payload.Clone()
	ts := now.UTC()
	out.Payload.Audit.ExecutionRef = res.Ref
	out.Payload.Audit.ExecutedAt = &ts
	out.Payload.Audit.ExecutedBy = actor
	if len(res.Fields) > 0 && out.Payload.Business == nil {
		out.Payload.Business = map[string]any{}
	}
	for k, v := range res.Fields {
		if domain.IsReservedKey(k) {
			continue
		}
		out.Payload.Business[k] = v
	}
	return out
}

// ArchiveSuperseded records the result of an attempt that can no longer
// become the current execution, e.g. one whose lease was lost to another
// worker. The result goes straight into previous_executions and the current
// pointer is left alone. It reports false when the result carries nothing
// worth keeping.
func ArchiveSuperseded(rec domain.TransitionRecord, res domain.ExecutionResult, actor string, now time.Time) (domain.TransitionRecord, bool) {
	ts := now.UTC()
	entry := domain.ExecutionEntry{
		ExecutionRef: res.Ref,
		ExecutedAt:   &ts,
		ExecutedBy:   actor,
		ResetAt:      ts,
		ResetBy:      actor,
	}
	for k, v := range res.Fields {
		if domain.IsReservedKey(k) {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = map[string]any{}
		}
		entry.Fields[k] = v
	}
	if entry.ExecutionRef == "" && entry.Fields == nil {
		return rec, false
	}
	out := rec
	out.Payload = rec.Payload.Clone()
	out.Payload.Audit.PreviousExecutions = append(out.Payload.Audit.PreviousExecutions, entry)
	return out, true
}
