package wallet

import (
	"context"
	"fmt"
	"strings"
)

const (
	operationDebit = "debit"
	operationTopUp = "topup"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

// Service owns all mutation of wallet balances. No other component writes
// the balance field directly.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the spendable balance for a user.
func (service *Service) Balance(ctx context.Context, userID string) (AmountCents, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	walletID, err := service.store.GetOrCreateWalletID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return service.store.WalletBalance(ctx, walletID)
}

// Debit subtracts amount from the user's balance, all-or-nothing. A balance
// that cannot cover the amount leaves the wallet untouched and returns
// ErrInsufficientBalance. A reused idempotency key returns ErrDuplicateEntry
// without mutating anything.
func (service *Service) Debit(ctx context.Context, userID string, amount AmountCents, idempotencyKey string, metadataJSON string) (AmountCents, error) {
	if err := validateMutation(userID, amount, idempotencyKey); err != nil {
		return 0, err
	}
	var newBalance AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		walletID, err := txStore.GetOrCreateWalletID(ctx, userID)
		if err != nil {
			return err
		}
		if err := txStore.InsertEntry(ctx, Entry{
			WalletID:       walletID,
			Type:           EntryDebit,
			AmountCents:    -amount,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   normalizeMetadata(metadataJSON),
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		balance, applied, err := txStore.DebitBalanceIfSufficient(ctx, walletID, amount)
		if err != nil {
			return err
		}
		if !applied {
			return ErrInsufficientBalance
		}
		newBalance = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationDebit,
		UserID:          userID,
		Amount:          amount,
		NewBalanceCents: newBalance,
		IdempotencyKey:  idempotencyKey,
		Error:           operationError,
	})
	return newBalance, operationError
}

// TopUp credits amount to the user's balance. Used for verified payment
// confirmations and refunds, never by the billing path.
func (service *Service) TopUp(ctx context.Context, userID string, amount AmountCents, idempotencyKey string, metadataJSON string) (AmountCents, error) {
	if err := validateMutation(userID, amount, idempotencyKey); err != nil {
		return 0, err
	}
	var newBalance AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		walletID, err := txStore.GetOrCreateWalletID(ctx, userID)
		if err != nil {
			return err
		}
		if err := txStore.InsertEntry(ctx, Entry{
			WalletID:       walletID,
			Type:           EntryTopUp,
			AmountCents:    amount,
			IdempotencyKey: idempotencyKey,
			MetadataJSON:   normalizeMetadata(metadataJSON),
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		balance, err := txStore.CreditBalance(ctx, walletID, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationTopUp,
		UserID:          userID,
		Amount:          amount,
		NewBalanceCents: newBalance,
		IdempotencyKey:  idempotencyKey,
		Error:           operationError,
	})
	return newBalance, operationError
}

// Entries lists wallet history for a user before a cutoff time.
func (service *Service) Entries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	walletID, err := service.store.GetOrCreateWalletID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, walletID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateMutation(userID string, amount AmountCents, idempotencyKey string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}

func normalizeMetadata(metadataJSON string) string {
	if strings.TrimSpace(metadataJSON) == "" {
		return "{}"
	}
	return metadataJSON
}
