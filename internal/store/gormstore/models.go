package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table. The balance column is only ever
// mutated through the conditional update paths in walletstore.go.
type Wallet struct {
	WalletID     string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	BalanceCents int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.WalletID == "" {
		w.WalletID = uuid.NewString()
	}
	return nil
}

// WalletEntry mirrors the wallet_entries table.
type WalletEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	WalletID       string         `gorm:"type:uuid;not null;index:idx_wallet_entries_wallet_created,priority:1;uniqueIndex:uniq_wallet_entry_idem,priority:1"`
	Type           string         `gorm:"not null"`
	AmountCents    int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_wallet_entry_idem,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_wallet_entries_wallet_created,priority:2"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

func (entry *WalletEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// SessionRecord mirrors the sessions table. Billing-relevant timestamps
// are stored as unix seconds so scheduling can be recomputed after a
// restart without parsing.
type SessionRecord struct {
	SessionID           string    `gorm:"type:uuid;primaryKey"`
	UserID              string    `gorm:"not null;index:idx_sessions_user"`
	ProviderID          string    `gorm:"not null;index:idx_sessions_provider"`
	ServiceType         string    `gorm:"not null"`
	Status              string    `gorm:"not null;index:idx_sessions_status"`
	RatePerMinute       int64     `gorm:"not null"`
	CreatedUnixUTC      int64     `gorm:"not null"`
	StartedUnixUTC      int64     `gorm:"not null;default:0"`
	EndedUnixUTC        int64     `gorm:"not null;default:0"`
	EndReason           string    `gorm:"not null;default:''"`
	BilledMinutes       int64     `gorm:"not null;default:0"`
	PausedSeconds       int64     `gorm:"not null;default:0"`
	GraceStartedUnixUTC int64     `gorm:"not null;default:0"`
	GraceExpiresUnixUTC int64     `gorm:"not null;default:0"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (SessionRecord) TableName() string { return "sessions" }

// Provider mirrors the providers table; only the busy flag lives here.
type Provider struct {
	ProviderID string    `gorm:"primaryKey"`
	Busy       bool      `gorm:"not null;default:false"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Provider) TableName() string { return "providers" }

// EarningRecordRow mirrors the earning_records table: one cumulative row
// per session.
type EarningRecordRow struct {
	SessionID        string    `gorm:"type:uuid;primaryKey"`
	ProviderID       string    `gorm:"not null;index:idx_earning_records_provider"`
	UserID           string    `gorm:"not null"`
	ServiceType      string    `gorm:"not null"`
	Minutes          int64     `gorm:"not null;default:0"`
	RatePerMinute    int64     `gorm:"not null"`
	AmountCents      int64     `gorm:"not null;default:0"`
	IsPaid           bool      `gorm:"not null;default:false"`
	FinalizedUnixUTC int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (EarningRecordRow) TableName() string { return "earning_records" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Wallet{}, &WalletEntry{}, &SessionRecord{}, &Provider{}, &EarningRecordRow{}}
}
