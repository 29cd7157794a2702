package billing

import "errors"

// Engine-level error values.
var (
	ErrEngineClosed        = errors.New("billing engine closed")
	ErrInvalidEngineConfig = errors.New("invalid engine config")
)
