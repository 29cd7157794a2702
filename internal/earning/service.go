package earning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service owns the provider earning ledger. Records are opened when a
// session becomes active, credited once per billed minute, and frozen when
// the session ends. The offline payout batch only reads finalized records
// and flips is_paid through MarkPaid.
type Service struct {
	store Store
	nowFn func() int64
}

// NewService wires a Service.
func NewService(store Store, now func() int64) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{store: store, nowFn: now}, nil
}

// Open creates the accrual record for a newly active session.
func (service *Service) Open(ctx context.Context, sessionID string, providerID string, userID string, serviceType string, ratePerMinute int64) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(providerID) == "" || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: missing identifier", ErrInvalidRecord)
	}
	if ratePerMinute <= 0 {
		return fmt.Errorf("%w: rate must be greater than zero", ErrInvalidRecord)
	}
	return service.store.CreateRecord(ctx, Record{
		SessionID:      sessionID,
		ProviderID:     providerID,
		UserID:         userID,
		ServiceType:    serviceType,
		RatePerMinute:  ratePerMinute,
		CreatedUnixUTC: service.nowFn(),
	})
}

// CreditMinute records one billed minute against the session's record.
func (service *Service) CreditMinute(ctx context.Context, sessionID string) (Record, error) {
	return service.store.AddBilledMinute(ctx, sessionID)
}

// Finalize freezes the record once the session reaches a terminal state.
// The session's billed minute count is authoritative here: totals are
// settled from it, so a minute credit lost to a transient store failure
// cannot leave the record short. Finalizing an already-frozen record is a
// no-op.
func (service *Service) Finalize(ctx context.Context, sessionID string, billedMinutes int64) error {
	if billedMinutes < 0 {
		return fmt.Errorf("%w: negative billed minutes", ErrInvalidRecord)
	}
	err := service.store.FinalizeRecord(ctx, sessionID, billedMinutes, service.nowFn())
	if errors.Is(err, ErrRecordFinalized) {
		return nil
	}
	return err
}

// Record returns the accrual row for a session.
func (service *Service) Record(ctx context.Context, sessionID string) (Record, error) {
	return service.store.GetRecord(ctx, sessionID)
}

// ListUnpaid returns finalized, unsettled records for a provider.
func (service *Service) ListUnpaid(ctx context.Context, providerID string) ([]Record, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, fmt.Errorf("%w: missing provider id", ErrInvalidRecord)
	}
	return service.store.ListUnpaid(ctx, providerID)
}

// MarkPaid settles a payout batch.
func (service *Service) MarkPaid(ctx context.Context, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	return service.store.MarkPaid(ctx, sessionIDs)
}
