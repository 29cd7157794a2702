package earning

import "context"

// Record accumulates a provider's billed amount for one session. A single
// row per session; every billed minute increments Minutes and AmountCents.
type Record struct {
	SessionID        string
	ProviderID       string
	UserID           string
	ServiceType      string
	Minutes          int64
	RatePerMinute    int64
	AmountCents      int64
	IsPaid           bool
	FinalizedUnixUTC int64
	CreatedUnixUTC   int64
}

// Store is the persistence contract used by Service.
type Store interface {
	CreateRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, sessionID string) (Record, error)
	// AddBilledMinute increments minutes by one and amount by the record's
	// rate, only while the record is not finalized.
	AddBilledMinute(ctx context.Context, sessionID string) (Record, error)
	// FinalizeRecord freezes the record and settles minutes and amount from
	// billedMinutes; further AddBilledMinute calls fail.
	FinalizeRecord(ctx context.Context, sessionID string, billedMinutes int64, atUnixUTC int64) error
	// MarkPaid flips is_paid for settled records, returning how many flipped.
	MarkPaid(ctx context.Context, sessionIDs []string) (int64, error)
	ListUnpaid(ctx context.Context, providerID string) ([]Record, error)
}
