package wallet

import "errors"

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateEntry        = errors.New("duplicate wallet entry")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidAmountCents    = errors.New("invalid amount cents")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)
