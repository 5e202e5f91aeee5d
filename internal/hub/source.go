package hub

import (
	"context"
	"database/sql"
	"fmt"

	"transithub/internal/domain"
	"transithub/internal/store"
)

// Built-in source names.
const (
	SourceEvents      = "events"
	SourceTransitions = "transitions"
)

// Source reports how many items of one kind are waiting for someone.
type Source interface {
	Name() string
	Pending(ctx context.Context) (int, error)
}

// SourceFunc adapts a counting function to a named Source.
type SourceFunc func(ctx context.Context) (int, error)

// Named returns a Source called name backed by fn.
func Named(name string, fn SourceFunc) Source {
	return funcSource{name: name, fn: fn}
}

type funcSource struct {
	name string
	fn   SourceFunc
}

func (s funcSource) Name() string                             { return s.name }
func (s funcSource) Pending(ctx context.Context) (int, error) { return s.fn(ctx) }

// EventsSource counts unresolved events.
type EventsSource struct{ Store store.Store }

func (EventsSource) Name() string { return SourceEvents }

func (s EventsSource) Pending(ctx context.Context) (int, error) {
	return s.Store.CountEvents(ctx, domain.EventPending)
}

// TransitionsSource counts pending transition records.
type TransitionsSource struct{ Store store.Store }

func (TransitionsSource) Name() string { return SourceTransitions }

func (s TransitionsSource) Pending(ctx context.Context) (int, error) {
	return s.Store.CountTransitions(ctx, domain.StatusPending)
}

// SQLCountSource counts a product backlog, such as open kanban tasks, with a
// query that returns a single integer.
type SQLCountSource struct {
	SourceName string
	Query      string
	DB         *sql.DB
}

func (s SQLCountSource) Name() string { return s.SourceName }

func (s SQLCountSource) Pending(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, s.Query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.SourceName, err)
	}
	return int(n.Int64), nil
}
