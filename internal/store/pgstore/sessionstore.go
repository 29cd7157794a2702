package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/AbhishekGour12/astrova-sub000/internal/session"
)

const (
	sqlInsertSession = `
		insert into sessions(
			session_id, user_id, provider_id, service_type, status, rate_per_minute,
			created_unix_utc, started_unix_utc, ended_unix_utc, end_reason,
			billed_minutes, paused_seconds, grace_started_unix_utc, grace_expires_unix_utc
		) values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	sqlSelectSession = `
		select
			session_id, user_id, provider_id, service_type, status, rate_per_minute,
			created_unix_utc, started_unix_utc, ended_unix_utc, end_reason,
			billed_minutes, paused_seconds, grace_started_unix_utc, grace_expires_unix_utc
		from sessions
	`

	sqlGetSession = sqlSelectSession + ` where session_id = $1`

	sqlListActiveSessions = sqlSelectSession + ` where status = $1 order by created_unix_utc asc`

	sqlActivateSession = `
		update sessions
		set status = $3, started_unix_utc = $2
		where session_id = $1 and status = $4
	`

	sqlTerminateSession = `
		update sessions
		set status = $2, ended_unix_utc = $3, end_reason = $4
		where session_id = $1 and status = $5
	`

	sqlRecordBilledMinute = `
		update sessions
		set billed_minutes = $2
		where session_id = $1 and status = $3 and billed_minutes = $4
	`

	sqlOpenGraceWindow = `
		update sessions
		set grace_started_unix_utc = $2, grace_expires_unix_utc = $3
		where session_id = $1 and status = $4 and grace_started_unix_utc = 0
	`

	sqlCloseGraceWindow = `
		update sessions
		set grace_started_unix_utc = 0, grace_expires_unix_utc = 0,
			paused_seconds = paused_seconds + $2
		where session_id = $1 and status = $3 and grace_started_unix_utc <> 0
	`

	sqlUpsertProviderBusy = `
		insert into providers(provider_id, busy, updated_at) values($1, $2, now())
		on conflict (provider_id) do update set busy = excluded.busy, updated_at = now()
	`
)

func (store *Store) CreateSession(ctx context.Context, s session.Session) error {
	_, err := store.q.Exec(ctx, sqlInsertSession,
		s.ID,
		s.UserID,
		s.ProviderID,
		string(s.ServiceType),
		string(s.Status),
		s.RatePerMinute,
		s.CreatedUnixUTC,
		s.StartedUnixUTC,
		s.EndedUnixUTC,
		string(s.EndReason),
		s.BilledMinutes,
		s.PausedSeconds,
		s.GraceStartedUnixUTC,
		s.GraceExpiresUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, session.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	s, err := scanSession(store.q.QueryRow(ctx, sqlGetSession, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrNotFound)
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return s, nil
}

func (store *Store) ActivateSession(ctx context.Context, sessionID string, startedUnixUTC int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlActivateSession,
		sessionID, startedUnixUTC, string(session.StatusActive), string(session.StatusWaiting))
	if err != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) TerminateSession(ctx context.Context, sessionID string, from session.Status, to session.Status, endedUnixUTC int64, reason session.EndReason) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlTerminateSession,
		sessionID, string(to), endedUnixUTC, string(reason), string(from))
	if err != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) RecordBilledMinute(ctx context.Context, sessionID string, minuteIndex int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlRecordBilledMinute,
		sessionID, minuteIndex, string(session.StatusActive), minuteIndex-1)
	if err != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) OpenGraceWindow(ctx context.Context, sessionID string, startedUnixUTC int64, expiresUnixUTC int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlOpenGraceWindow,
		sessionID, startedUnixUTC, expiresUnixUTC, string(session.StatusActive))
	if err != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) CloseGraceWindow(ctx context.Context, sessionID string, pausedDeltaSeconds int64) (bool, error) {
	tag, err := store.q.Exec(ctx, sqlCloseGraceWindow,
		sessionID, pausedDeltaSeconds, string(session.StatusActive))
	if err != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) ListActiveSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := store.q.Query(ctx, sqlListActiveSessions, string(session.StatusActive))
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return sessions, nil
}

func (store *Store) SetProviderBusy(ctx context.Context, providerID string, busy bool) error {
	if _, err := store.q.Exec(ctx, sqlUpsertProviderBusy, providerID, busy); err != nil {
		return wrapStoreError(errorSubjectProvider, errorCodeUpdate, err)
	}
	return nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		s           session.Session
		serviceType string
		status      string
		endReason   string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProviderID,
		&serviceType,
		&status,
		&s.RatePerMinute,
		&s.CreatedUnixUTC,
		&s.StartedUnixUTC,
		&s.EndedUnixUTC,
		&endReason,
		&s.BilledMinutes,
		&s.PausedSeconds,
		&s.GraceStartedUnixUTC,
		&s.GraceExpiresUnixUTC,
	)
	if err != nil {
		return session.Session{}, err
	}
	s.ServiceType = session.ServiceType(serviceType)
	s.Status = session.Status(status)
	s.EndReason = session.EndReason(endReason)
	return s, nil
}
