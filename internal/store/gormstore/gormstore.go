package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/AbhishekGour12/astrova-sub000/internal/faults"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore  = "store"
	errorSubjectWallet   = "wallet"
	errorSubjectEntry    = "entry"
	errorSubjectSession  = "session"
	errorSubjectEarning  = "earning"
	errorSubjectProvider = "provider"
	errorCodeCreate      = "create"
	errorCodeDuplicate   = "duplicate"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeList        = "list"
	errorCodeLookup      = "lookup"
	errorCodeUpdate      = "update"
)

// Store implements the wallet, session, and earning persistence contracts
// using GORM (sqlite for dev/test, postgres in production).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func wrapStoreError(subject string, code string, err error) error {
	return faults.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
