package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved payload keys owned by the transition state machine.
const (
	KeyExecutionRef       = "execution_ref"
	KeyExecutedAt         = "executed_at"
	KeyExecutedBy         = "executed_by"
	KeyPreviousExecutions = "previous_executions"
	KeyCompletedBy        = "completed_by"
	KeyCompletedAt        = "completed_at"
	KeyCompletedNote      = "completed_note"
	KeyReopenedBy         = "reopened_by"
	KeyReopenedAt         = "reopened_at"
	KeyReopenedNote       = "reopened_note"
	KeyErrorResolvedBy    = "error_resolved_by"
	KeyErrorResolvedAt    = "error_resolved_at"
	KeyErrorResolvedNote  = "error_resolved_note"
	KeyResetAt            = "reset_at"
	KeyResetBy            = "reset_by"
)

var reservedKeys = map[string]bool{
	KeyExecutionRef:       true,
	KeyExecutedAt:         true,
	KeyExecutedBy:         true,
	KeyPreviousExecutions: true,
	KeyCompletedBy:        true,
	KeyCompletedAt:        true,
	KeyCompletedNote:      true,
	KeyReopenedBy:         true,
	KeyReopenedAt:         true,
	KeyReopenedNote:       true,
	KeyErrorResolvedBy:    true,
	KeyErrorResolvedAt:    true,
	KeyErrorResolvedNote:  true,
}

// IsReservedKey reports whether key belongs to the audit region of a payload.
func IsReservedKey(key string) bool {
	return reservedKeys[key]
}

// Payload is a single JSON document split into two regions: free-form
// business data owned by the producer and audit data owned by the state
// machine. Both regions share one object on the wire.
type Payload struct {
	Business map[string]any
	Audit    AuditMetadata
}

// Stamp is a by/at/note triple written when an actor annotates a phase.
type Stamp struct {
	By   string
	At   time.Time
	Note string
}

// AuditMetadata holds the reserved keys the state machine reasons about.
type AuditMetadata struct {
	ExecutionRef       string
	ExecutedAt         *time.Time
	ExecutedBy         string
	PreviousExecutions []ExecutionEntry
	Completed          *Stamp
	Reopened           *Stamp
	ErrorResolved      *Stamp
}

// HasExecution reports whether a typed execution pointer is present.
func (a AuditMetadata) HasExecution() bool {
	return a.ExecutionRef != "" || a.ExecutedAt != nil || a.ExecutedBy != ""
}

// ExecutionEntry archives one execution attempt when a record is reset.
type ExecutionEntry struct {
	ExecutionRef string
	ExecutedAt   *time.Time
	ExecutedBy   string
	// Fields carries product-specific pointer keys moved out of the business region.
	Fields  map[string]any
	ResetAt time.Time
	ResetBy string
}

func (e ExecutionEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.ExecutionRef != "" {
		out[KeyExecutionRef] = e.ExecutionRef
	}
	if e.ExecutedAt != nil {
		out[KeyExecutedAt] = e.ExecutedAt.UTC()
	}
	if e.ExecutedBy != "" {
		out[KeyExecutedBy] = e.ExecutedBy
	}
	out[KeyResetAt] = e.ResetAt.UTC()
	out[KeyResetBy] = e.ResetBy
	return json.Marshal(out)
}

func (e *ExecutionEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ExecutionEntry{}
	for k, v := range raw {
		switch k {
		case KeyExecutionRef:
			e.ExecutionRef = stringValue(v)
		case KeyExecutedBy:
			e.ExecutedBy = stringValue(v)
		case KeyExecutedAt:
			ts, err := timeValue(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			e.ExecutedAt = ts
		case KeyResetBy:
			e.ResetBy = stringValue(v)
		case KeyResetAt:
			ts, err := timeValue(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if ts != nil {
				e.ResetAt = *ts
			}
		default:
			if e.Fields == nil {
				e.Fields = map[string]any{}
			}
			e.Fields[k] = v
		}
	}
	return nil
}

// Map renders the payload as the single document persisted and served.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p.Business)+8)
	for k, v := range p.Business {
		out[k] = v
	}
	a := p.Audit
	if a.ExecutionRef != "" {
		out[KeyExecutionRef] = a.ExecutionRef
	}
	if a.ExecutedAt != nil {
		out[KeyExecutedAt] = a.ExecutedAt.UTC()
	}
	if a.ExecutedBy != "" {
		out[KeyExecutedBy] = a.ExecutedBy
	}
	if len(a.PreviousExecutions) > 0 {
		out[KeyPreviousExecutions] = a.PreviousExecutions
	}
	putStamp(out, a.Completed, KeyCompletedBy, KeyCompletedAt, KeyCompletedNote)
	putStamp(out, a.Reopened, KeyReopenedBy, KeyReopenedAt, KeyReopenedNote)
	putStamp(out, a.ErrorResolved, KeyErrorResolvedBy, KeyErrorResolvedAt, KeyErrorResolvedNote)
	return out
}

func putStamp(out map[string]any, s *Stamp, byKey, atKey, noteKey string) {
	if s == nil {
		return
	}
	out[byKey] = s.By
	out[atKey] = s.At.UTC()
	if s.Note != "" {
		out[noteKey] = s.Note
	}
}

// PayloadFromMap splits a raw document into its business and audit regions.
func PayloadFromMap(doc map[string]any) (Payload, error) {
	p := Payload{Business: map[string]any{}}
	var completed, reopened, resolved stampParts
	for k, v := range doc {
		if !reservedKeys[k] {
			p.Business[k] = v
			continue
		}
		var err error
		switch k {
		case KeyExecutionRef:
			p.Audit.ExecutionRef = stringValue(v)
		case KeyExecutedBy:
			p.Audit.ExecutedBy = stringValue(v)
		case KeyExecutedAt:
			p.Audit.ExecutedAt, err = timeValue(v)
		case KeyPreviousExecutions:
			p.Audit.PreviousExecutions, err = entriesValue(v)
		case KeyCompletedBy, KeyCompletedAt, KeyCompletedNote:
			err = completed.set(k, v)
		case KeyReopenedBy, KeyReopenedAt, KeyReopenedNote:
			err = reopened.set(k, v)
		case KeyErrorResolvedBy, KeyErrorResolvedAt, KeyErrorResolvedNote:
			err = resolved.set(k, v)
		}
		if err != nil {
			return Payload{}, fmt.Errorf("payload key %s: %w", k, err)
		}
	}
	p.Audit.Completed = completed.stamp()
	p.Audit.Reopened = reopened.stamp()
	p.Audit.ErrorResolved = resolved.stamp()
	return p, nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	parsed, err := PayloadFromMap(doc)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Clone returns a deep copy so callers can derive a new payload without
// aliasing the original.
func (p Payload) Clone() Payload {
	out := Payload{Business: cloneMap(p.Business), Audit: p.Audit}
	if p.Audit.ExecutedAt != nil {
		ts := *p.Audit.ExecutedAt
		out.Audit.ExecutedAt = &ts
	}
	if p.Audit.PreviousExecutions != nil {
		out.Audit.PreviousExecutions = make([]ExecutionEntry, len(p.Audit.PreviousExecutions))
		for i, e := range p.Audit.PreviousExecutions {
			e.Fields = cloneMap(e.Fields)
			if e.ExecutedAt != nil {
				ts := *e.ExecutedAt
				e.ExecutedAt = &ts
			}
			out.Audit.PreviousExecutions[i] = e
		}
	}
	out.Audit.Completed = cloneStamp(p.Audit.Completed)
	out.Audit.Reopened = cloneStamp(p.Audit.Reopened)
	out.Audit.ErrorResolved = cloneStamp(p.Audit.ErrorResolved)
	return out
}

func cloneStamp(s *Stamp) *Stamp {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CloneDocument deep-copies a decoded JSON object.
func CloneDocument(in map[string]any) map[string]any {
	return cloneMap(in)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

type stampParts struct {
	by, note string
	at       *time.Time
	seen     bool
}

func (s *stampParts) set(key string, v any) error {
	s.seen = true
	switch key {
	case KeyCompletedBy, KeyReopenedBy, KeyErrorResolvedBy:
		s.by = stringValue(v)
	case KeyCompletedNote, KeyReopenedNote, KeyErrorResolvedNote:
		s.note = stringValue(v)
	default:
		ts, err := timeValue(v)
		if err != nil {
			return err
		}
		s.at = ts
	}
	return nil
}

func (s stampParts) stamp() *Stamp {
	if !s.seen {
		return nil
	}
	st := &Stamp{By: s.by, Note: s.note}
	if s.at != nil {
		st.At = *s.at
	}
	return st
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func timeValue(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, err
		}
		return &ts, nil
	default:
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	}
}

func entriesValue(v any) ([]ExecutionEntry, error) {
	if v == nil {
		return nil, nil
	}
	if typed, ok := v.([]ExecutionEntry); ok {
		return append([]ExecutionEntry(nil), typed...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []ExecutionEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
