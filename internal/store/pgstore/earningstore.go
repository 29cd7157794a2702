package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
)

const (
	sqlInsertEarningRecord = `
		insert into earning_records(
			session_id, provider_id, user_id, service_type, minutes,
			rate_per_minute, amount_cents, is_paid, finalized_unix_utc, created_at
		) values($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10))
	`

	sqlSelectEarningRecord = `
		select
			session_id, provider_id, user_id, service_type, minutes,
			rate_per_minute, amount_cents, is_paid, finalized_unix_utc,
			extract(epoch from created_at)::bigint
		from earning_records
	`

	sqlGetEarningRecord = sqlSelectEarningRecord + ` where session_id = $1`

	sqlListUnpaidEarnings = sqlSelectEarningRecord + `
		where provider_id = $1 and finalized_unix_utc <> 0 and is_paid = false
		order by created_at asc
	`

	sqlAddBilledMinute = `
		update earning_records
		set minutes = minutes + 1, amount_cents = amount_cents + rate_per_minute
		where session_id = $1 and finalized_unix_utc = 0
		returning
			session_id, provider_id, user_id, service_type, minutes,
			rate_per_minute, amount_cents, is_paid, finalized_unix_utc,
			extract(epoch from created_at)::bigint
	`

	sqlFinalizeEarningRecord = `
		update earning_records
		set minutes = $2, amount_cents = $2 * rate_per_minute, finalized_unix_utc = $3
		where session_id = $1 and finalized_unix_utc = 0
	`

	sqlMarkEarningsPaid = `
		update earning_records
		set is_paid = true
		where session_id = any($1) and finalized_unix_utc <> 0 and is_paid = false
	`
)

func (store *Store) CreateRecord(ctx context.Context, record earning.Record) error {
	_, err := store.q.Exec(ctx, sqlInsertEarningRecord,
		record.SessionID,
		record.ProviderID,
		record.UserID,
		record.ServiceType,
		record.Minutes,
		record.RatePerMinute,
		record.AmountCents,
		record.IsPaid,
		record.FinalizedUnixUTC,
		record.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEarning, errorCodeDuplicate, earning.ErrRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEarning, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, sessionID string) (earning.Record, error) {
	record, err := scanEarningRecord(store.q.QueryRow(ctx, sqlGetEarningRecord, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeGet, earning.ErrRecordNotFound)
	}
	if err != nil {
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) AddBilledMinute(ctx context.Context, sessionID string) (earning.Record, error) {
	record, err := scanEarningRecord(store.q.QueryRow(ctx, sqlAddBilledMinute, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := store.GetRecord(ctx, sessionID)
		if getErr != nil {
			return earning.Record{}, getErr
		}
		if existing.FinalizedUnixUTC != 0 {
			return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordFinalized)
		}
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordNotFound)
	}
	if err != nil {
		return earning.Record{}, wrapStoreError(errorSubjectEarning, errorCodeUpdate, err)
	}
	return record, nil
}

func (store *Store) FinalizeRecord(ctx context.Context, sessionID string, billedMinutes int64, atUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlFinalizeEarningRecord, sessionID, billedMinutes, atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectEarning, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetRecord(ctx, sessionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectEarning, errorCodeUpdate, earning.ErrRecordFinalized)
	}
	return nil
}

func (store *Store) MarkPaid(ctx context.Context, sessionIDs []string) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlMarkEarningsPaid, sessionIDs)
	if err != nil {
		return 0, wrapStoreError(errorSubjectEarning, errorCodeUpdate, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) ListUnpaid(ctx context.Context, providerID string) ([]earning.Record, error) {
	rows, err := store.q.Query(ctx, sqlListUnpaidEarnings, providerID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEarning, errorCodeList, err)
	}
	defer rows.Close()

	var records []earning.Record
	for rows.Next() {
		record, err := scanEarningRecord(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEarning, errorCodeList, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEarning, errorCodeList, err)
	}
	return records, nil
}

func scanEarningRecord(row pgx.Row) (earning.Record, error) {
	var record earning.Record
	err := row.Scan(
		&record.SessionID,
		&record.ProviderID,
		&record.UserID,
		&record.ServiceType,
		&record.Minutes,
		&record.RatePerMinute,
		&record.AmountCents,
		&record.IsPaid,
		&record.FinalizedUnixUTC,
		&record.CreatedUnixUTC,
	)
	if err != nil {
		return earning.Record{}, err
	}
	return record, nil
}
