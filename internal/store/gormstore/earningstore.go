package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
)

func (store *Store) CreateRecord(ctx context.Context, record earning.Record) error {
	row := EarningRecordRow{
		SessionID:        record.SessionID,
		ProviderID:       record.ProviderID,
		UserID:           record.UserID,
		ServiceType:      record.ServiceType,
		Minutes:          record.Minutes,
		RatePerMinute:    record.RatePerMinute,
		AmountCents:      record.AmountCents,
		IsPaid:           record.IsPaid,
		FinalizedUnixUTC: record.FinalizedUnixUTC,
		CreatedAt:        time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEarning, errorCodeDuplicate, earning.ErrRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEarning, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, sessionID string) (earning.Record, error) {
	var row EarningRecordRow
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeGet, earning.ErrRecordNotFound)
		}
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeGet, err)
	}
	return domainEarningRecord(row), nil
}

func (store *Store) AddBilledMinute(ctx context.Context, sessionID string) (earning.Record, error) {
	result := store.db.WithContext(ctx).
		Model(&EarningRecordRow{}).
		Where("session_id = ? AND finalized_unix_utc = 0", sessionID).
		UpdateColumns(map[string]any{
			"minutes":      gorm.Expr("minutes + 1"),
			"amount_cents": gorm.Expr("amount_cents + rate_per_minute"),
		})
	if result.Error != nil {
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		record, err := store.GetRecord(ctx, sessionID)
		if err != nil {
			return earning.Record{}, err
		}
		if record.FinalizedUnixUTC != 0 {
			return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordFinalized)
		}
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordNotFound)
	}
	return store.GetRecord(ctx, sessionID)
}

func (store *Store) FinalizeRecord(ctx context.Context, sessionID string, billedMinutes int64, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&EarningRecordRow{}).
		Where("session_id = ? AND finalized_unix_utc = 0", sessionID).
		UpdateColumns(map[string]any{
			"minutes":            billedMinutes,
			"amount_cents":       gorm.Expr("? * rate_per_minute", billedMinutes),
			"finalized_unix_utc": atUnixUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEarning, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetRecord(ctx, sessionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordFinalized)
	}
	return nil
}

func (store *Store) MarkPaid(ctx context.Context, sessionIDs []string) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&EarningRecordRow{}).
		Where("session_id IN ? AND finalized_unix_utc <> 0 AND is_paid = ?", sessionIDs, false).
		UpdateColumn("is_paid", true)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectEarning, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListUnpaid(ctx context.Context, providerID string) ([]earning.Record, error) {
	var rows []EarningRecordRow
	err := store.db.WithContext(ctx).
		Where("provider_id = ? AND finalized_unix_utc <> 0 AND is_paid = ?", providerID, false).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEarning, errorCodeList, err)
	}
	records := make([]earning.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, domainEarningRecord(row))
	}
	return records, nil
}

func domainEarningRecord(row EarningRecordRow) earning.Record {
	return earning.Record{
		SessionID:        row.SessionID,
		ProviderID:       row.ProviderID,
		UserID:           row.UserID,
		ServiceType:      row.ServiceType,
		Minutes:          row.Minutes,
		RatePerMinute:    row.RatePerMinute,
		AmountCents:      row.AmountCents,
		IsPaid:           row.IsPaid,
		FinalizedUnixUTC: row.FinalizedUnixUTC,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
}
