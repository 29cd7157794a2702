package earning

import "errors"

// Domain-level error values returned by the earning service.
var (
	ErrRecordNotFound       = errors.New("earning record not found")
	ErrRecordExists         = errors.New("earning record already exists")
	ErrRecordFinalized      = errors.New("earning record finalized")
	ErrInvalidRecord        = errors.New("invalid earning record")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
