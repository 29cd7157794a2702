package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AbhishekGour12/astrova-sub000/internal/faults"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectEntry       = "entry"
	errorSubjectSession     = "session"
	errorSubjectEarning     = "earning"
	errorSubjectProvider    = "provider"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"

	sqlInsertOrGetWallet = `
		insert into wallets(wallet_id, user_id) values(gen_random_uuid(), $1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning wallet_id::text
	`

	sqlWalletBalance = `
		select balance_cents from wallets where wallet_id = $1
	`

	sqlCreditBalance = `
		update wallets
		set balance_cents = balance_cents + $2, updated_at = now()
		where wallet_id = $1
		returning balance_cents
	`

	sqlDebitBalanceIfSufficient = `
		update wallets
		set balance_cents = balance_cents - $2, updated_at = now()
		where wallet_id = $1 and balance_cents >= $2
		returning balance_cents
	`

	sqlInsertWalletEntry = `
		insert into wallet_entries(entry_id, wallet_id, type, amount_cents, idempotency_key, metadata, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
	`

	sqlListWalletEntries = `
		select
			entry_id::text,
			wallet_id::text,
			type,
			amount_cents,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from wallet_entries
		where wallet_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the wallet, session, and earning persistence contracts
// over a pgx connection pool (autocommit outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// EnsureSchema creates the tables and indexes the store queries. Every
// statement is idempotent, so running it on every boot is safe.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.q.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; run against it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateWalletID(ctx context.Context, userID string) (string, error) {
	var walletID string
	if err := store.q.QueryRow(ctx, sqlInsertOrGetWallet, userID).Scan(&walletID); err != nil {
		return "", wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return walletID, nil
}

func (store *Store) WalletBalance(ctx context.Context, walletID string) (wallet.AmountCents, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlWalletBalance, walletID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet.AmountCents(balance), nil
}

func (store *Store) CreditBalance(ctx context.Context, walletID string, amount wallet.AmountCents) (wallet.AmountCents, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlCreditBalance, walletID, int64(amount)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdate, wallet.ErrWalletNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return wallet.AmountCents(balance), nil
}

func (store *Store) DebitBalanceIfSufficient(ctx context.Context, walletID string, amount wallet.AmountCents) (wallet.AmountCents, bool, error) {
	var balance int64
	err := store.q.QueryRow(ctx, sqlDebitBalanceIfSufficient, walletID, int64(amount)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		current, readErr := store.WalletBalance(ctx, walletID)
		if readErr != nil {
			return 0, false, readErr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	return wallet.AmountCents(balance), true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	_, err := store.q.Exec(ctx, sqlInsertWalletEntry,
		entry.WalletID,
		string(entry.Type),
		int64(entry.AmountCents),
		entry.IdempotencyKey,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, walletID string, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	rows, err := store.q.Query(ctx, sqlListWalletEntries, walletID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	entries := make([]wallet.Entry, 0, limit)
	for rows.Next() {
		var (
			entry       wallet.Entry
			entryType   string
			amountCents int64
		)
		if err := rows.Scan(&entry.EntryID, &entry.WalletID, &entryType, &amountCents, &entry.IdempotencyKey, &entry.MetadataJSON, &entry.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Type = wallet.EntryType(entryType)
		entry.AmountCents = wallet.AmountCents(amountCents)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return faults.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
