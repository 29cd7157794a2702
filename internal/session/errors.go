package session

import "errors"

// Domain-level error values returned by the session machine.
var (
	ErrNotFound             = errors.New("session not found")
	ErrConflict             = errors.New("conflicting session transition")
	ErrInvalidSession       = errors.New("invalid session")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
