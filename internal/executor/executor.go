// Package executor carries out the downstream side effect of a transition
// and reports a pointer to what it produced.
package executor

//go:generate mockgen -source=executor.go -destination=mocks/executor_mock.go -package=mocks Executor

import (
	"context"
	"errors"

	"transithub/internal/domain"
)

// ErrNoDestination means no executor is configured for a destination area.
var ErrNoDestination = errors.New("no destination configured")

// Executor creates the downstream artifact for a leased record. It must not
// change the record; the caller persists the outcome.
type Executor interface {
	Execute(ctx context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error)
}

// Router is implemented by executors that only serve some destination
// areas.
type Router interface {
	Handles(area string) bool
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error) {
	return f(ctx, rec)
}
