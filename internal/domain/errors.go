package domain

import "errors"

// Stores and services return these, usually wrapped with context. Callers
// classify with errors.Is.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyLeased  = errors.New("already leased")
)
