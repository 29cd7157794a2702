package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AbhishekGour12/astrova-sub000/internal/session"
)

func (store *Store) CreateSession(ctx context.Context, s session.Session) error {
	row := sessionRow(s)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSession, errorCodeDuplicate, session.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	var row SessionRecord
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, session.ErrNotFound)
		}
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return domainSession(row), nil
}

func (store *Store) ActivateSession(ctx context.Context, sessionID string, startedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ? AND status = ?", sessionID, string(session.StatusWaiting)).
		Updates(map[string]any{
			"status":           string(session.StatusActive),
			"started_unix_utc": startedUnixUTC,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) TerminateSession(ctx context.Context, sessionID string, from session.Status, to session.Status, endedUnixUTC int64, reason session.EndReason) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ? AND status = ?", sessionID, string(from)).
		Updates(map[string]any{
			"status":         string(to),
			"ended_unix_utc": endedUnixUTC,
			"end_reason":     string(reason),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) RecordBilledMinute(ctx context.Context, sessionID string, minuteIndex int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ? AND status = ? AND billed_minutes = ?", sessionID, string(session.StatusActive), minuteIndex-1).
		UpdateColumn("billed_minutes", minuteIndex)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) OpenGraceWindow(ctx context.Context, sessionID string, startedUnixUTC int64, expiresUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ? AND status = ? AND grace_started_unix_utc = 0", sessionID, string(session.StatusActive)).
		Updates(map[string]any{
			"grace_started_unix_utc": startedUnixUTC,
			"grace_expires_unix_utc": expiresUnixUTC,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) CloseGraceWindow(ctx context.Context, sessionID string, pausedDeltaSeconds int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SessionRecord{}).
		Where("session_id = ? AND status = ? AND grace_started_unix_utc <> 0", sessionID, string(session.StatusActive)).
		Updates(map[string]any{
			"grace_started_unix_utc": 0,
			"grace_expires_unix_utc": 0,
			"paused_seconds":         gorm.Expr("paused_seconds + ?", pausedDeltaSeconds),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectSession, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListActiveSessions(ctx context.Context) ([]session.Session, error) {
	var rows []SessionRecord
	err := store.db.WithContext(ctx).
		Where("status = ?", string(session.StatusActive)).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, domainSession(row))
	}
	return sessions, nil
}

func (store *Store) SetProviderBusy(ctx context.Context, providerID string, busy bool) error {
	row := Provider{ProviderID: providerID, Busy: busy, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"busy", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProvider, errorCodeUpdate, err)
	}
	return nil
}

func sessionRow(s session.Session) SessionRecord {
	return SessionRecord{
		SessionID:           s.ID,
		UserID:              s.UserID,
		ProviderID:          s.ProviderID,
		ServiceType:         string(s.ServiceType),
		Status:              string(s.Status),
		RatePerMinute:       s.RatePerMinute,
		CreatedUnixUTC:      s.CreatedUnixUTC,
		StartedUnixUTC:      s.StartedUnixUTC,
		EndedUnixUTC:        s.EndedUnixUTC,
		EndReason:           string(s.EndReason),
		BilledMinutes:       s.BilledMinutes,
		PausedSeconds:       s.PausedSeconds,
		GraceStartedUnixUTC: s.GraceStartedUnixUTC,
		GraceExpiresUnixUTC: s.GraceExpiresUnixUTC,
	}
}

func domainSession(row SessionRecord) session.Session {
	return session.Session{
		ID:                  row.SessionID,
		UserID:              row.UserID,
		ProviderID:          row.ProviderID,
		ServiceType:         session.ServiceType(row.ServiceType),
		Status:              session.Status(row.Status),
		RatePerMinute:       row.RatePerMinute,
		CreatedUnixUTC:      row.CreatedUnixUTC,
		StartedUnixUTC:      row.StartedUnixUTC,
		EndedUnixUTC:        row.EndedUnixUTC,
		EndReason:           session.EndReason(row.EndReason),
		BilledMinutes:       row.BilledMinutes,
		PausedSeconds:       row.PausedSeconds,
		GraceStartedUnixUTC: row.GraceStartedUnixUTC,
		GraceExpiresUnixUTC: row.GraceExpiresUnixUTC,
	}
}
