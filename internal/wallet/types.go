package wallet

import "context"

// AmountCents is an integer currency in cents.
type AmountCents int64

// EntryType enumerates wallet entry kinds.
type EntryType string

const (
	EntryTopUp EntryType = "topup"
	EntryDebit EntryType = "debit"
)

// A single immutable line in the wallet history.
type Entry struct {
	EntryID        string
	WalletID       string
	Type           EntryType
	AmountCents    AmountCents
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWalletID(ctx context.Context, userID string) (string, error)
	WalletBalance(ctx context.Context, walletID string) (AmountCents, error)
	// CreditBalance adds amount to the wallet and returns the new balance.
	CreditBalance(ctx context.Context, walletID string, amount AmountCents) (AmountCents, error)
	// DebitBalanceIfSufficient subtracts amount only when the current balance
	// covers it. The second return reports whether the debit was applied.
	DebitBalanceIfSufficient(ctx context.Context, walletID string, amount AmountCents) (AmountCents, bool, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, walletID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
