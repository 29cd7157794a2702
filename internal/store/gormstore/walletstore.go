package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWalletID(ctx context.Context, userID string) (string, error) {
	var row Wallet
	err := store.db.WithContext(ctx).
		Where(Wallet{UserID: userID}).
		FirstOrCreate(&row).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return row.WalletID, nil
}

func (store *Store) WalletBalance(ctx context.Context, walletID string) (wallet.AmountCents, error) {
	var row Wallet
	err := store.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet.AmountCents(row.BalanceCents), nil
}

func (store *Store) CreditBalance(ctx context.Context, walletID string, amount wallet.AmountCents) (wallet.AmountCents, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents + ?", int64(amount)))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdate, wallet.ErrWalletNotFound)
	}
	return store.WalletBalance(ctx, walletID)
}

func (store *Store) DebitBalanceIfSufficient(ctx context.Context, walletID string, amount wallet.AmountCents) (wallet.AmountCents, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND balance_cents >= ?", walletID, int64(amount)).
		UpdateColumn("balance_cents", gorm.Expr("balance_cents - ?", int64(amount)))
	if result.Error != nil {
		return 0, false, wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		// Missing wallet and insufficient balance both land here; a read
		// tells them apart.
		balance, err := store.WalletBalance(ctx, walletID)
		if err != nil {
			return 0, false, err
		}
		return balance, false, nil
	}
	balance, err := store.WalletBalance(ctx, walletID)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	row := WalletEntry{
		EntryID:        entry.EntryID,
		WalletID:       entry.WalletID,
		Type:           string(entry.Type),
		AmountCents:    int64(entry.AmountCents),
		IdempotencyKey: entry.IdempotencyKey,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, walletID string, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []WalletEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at < ?", walletID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, wallet.Entry{
			EntryID:        row.EntryID,
			WalletID:       row.WalletID,
			Type:           wallet.EntryType(row.Type),
			AmountCents:    wallet.AmountCents(row.AmountCents),
			IdempotencyKey: row.IdempotencyKey,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}
