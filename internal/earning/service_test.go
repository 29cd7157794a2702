package earning

import (
	"context"
	"errors"
	"testing"
)

type stubStore struct {
	records map[string]Record
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]Record)}
}

func (store *stubStore) CreateRecord(_ context.Context, record Record) error {
	if _, exists := store.records[record.SessionID]; exists {
		return ErrRecordExists
	}
	store.records[record.SessionID] = record
	return nil
}

func (store *stubStore) GetRecord(_ context.Context, sessionID string) (Record, error) {
	record, ok := store.records[sessionID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (store *stubStore) AddBilledMinute(_ context.Context, sessionID string) (Record, error) {
	record, ok := store.records[sessionID]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	if record.FinalizedUnixUTC != 0 {
		return Record{}, ErrRecordFinalized
	}
	record.Minutes++
	record.AmountCents += record.RatePerMinute
	store.records[sessionID] = record
	return record, nil
}

func (store *stubStore) FinalizeRecord(_ context.Context, sessionID string, billedMinutes int64, atUnixUTC int64) error {
	record, ok := store.records[sessionID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.FinalizedUnixUTC != 0 {
		return ErrRecordFinalized
	}
	record.Minutes = billedMinutes
	record.AmountCents = billedMinutes * record.RatePerMinute
	record.FinalizedUnixUTC = atUnixUTC
	store.records[sessionID] = record
	return nil
}

func (store *stubStore) MarkPaid(_ context.Context, sessionIDs []string) (int64, error) {
	var paid int64
	for _, sessionID := range sessionIDs {
		record, ok := store.records[sessionID]
		if !ok || record.FinalizedUnixUTC == 0 || record.IsPaid {
			continue
		}
		record.IsPaid = true
		store.records[sessionID] = record
		paid++
	}
	return paid, nil
}

func (store *stubStore) ListUnpaid(_ context.Context, providerID string) ([]Record, error) {
	var matched []Record
	for _, record := range store.records {
		if record.ProviderID == providerID && record.FinalizedUnixUTC != 0 && !record.IsPaid {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func mustNewService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(store, func() int64 { return 1000 })
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustOpen(t *testing.T, service *Service, sessionID string) {
	t.Helper()
	if err := service.Open(context.Background(), sessionID, "provider-1", "user-1", "chat", 20); err != nil {
		t.Fatalf("open: %v", err)
	}
}

func TestOpenCreatesRecord(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")

	record, err := service.Record(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.ProviderID != "provider-1" || record.RatePerMinute != 20 || record.Minutes != 0 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestOpenRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())

	if err := service.Open(context.Background(), "", "provider-1", "user-1", "chat", 20); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for empty session id, got %v", err)
	}
	if err := service.Open(context.Background(), "sess-1", "provider-1", "user-1", "chat", 0); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for zero rate, got %v", err)
	}
}

func TestCreditMinuteAccumulates(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")

	if _, err := service.CreditMinute(context.Background(), "sess-1"); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	record, err := service.CreditMinute(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if record.Minutes != 2 || record.AmountCents != 40 {
		t.Fatalf("expected 2 minutes / 40 cents, got %+v", record)
	}
}

func TestCreditMinuteAfterFinalizeFails(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")

	if err := service.Finalize(context.Background(), "sess-1", 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := service.CreditMinute(context.Background(), "sess-1"); !errors.Is(err, ErrRecordFinalized) {
		t.Fatalf("expected ErrRecordFinalized, got %v", err)
	}
}

func TestFinalizeSettlesTotalsFromBilledMinutes(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")

	// Only one of the three minute credits landed; the billed minute count
	// carried by the caller is authoritative.
	if _, err := service.CreditMinute(context.Background(), "sess-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := service.Finalize(context.Background(), "sess-1", 3); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	record, err := service.Record(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Minutes != 3 || record.AmountCents != 60 {
		t.Fatalf("expected settled totals 3 minutes / 60 cents, got %+v", record)
	}
}

func TestFinalizeRejectsNegativeMinutes(t *testing.T) {
	t.Parallel()
	service := mustNewService(t, newStubStore())

	if err := service.Finalize(context.Background(), "sess-1", -1); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")

	if err := service.Finalize(context.Background(), "sess-1", 2); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := service.Finalize(context.Background(), "sess-1", 2); err != nil {
		t.Fatalf("second finalize should be a no-op, got %v", err)
	}
}

func TestMarkPaidSettlesFinalizedRecords(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	mustOpen(t, service, "sess-1")
	mustOpen(t, service, "sess-2")
	if err := service.Finalize(context.Background(), "sess-1", 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	paid, err := service.MarkPaid(context.Background(), []string{"sess-1", "sess-2"})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid != 1 {
		t.Fatalf("expected exactly the finalized record settled, got %d", paid)
	}
	unpaid, err := service.ListUnpaid(context.Background(), "provider-1")
	if err != nil {
		t.Fatalf("list unpaid: %v", err)
	}
	if len(unpaid) != 0 {
		t.Fatalf("expected no unpaid finalized records, got %d", len(unpaid))
	}
}
