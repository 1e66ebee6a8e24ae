package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID      string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Balance        int64     `gorm:"not null"`
	LifetimeEarned int64     `gorm:"not null"`
	LifetimeSpent  int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Append-only; nothing updates
// or deletes through this model.
type LedgerEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:idx_ledger_account_reference,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceBefore int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Description   string         `gorm:"not null"`
	ReferenceID   *string        `gorm:"index:idx_ledger_account_reference,priority:2"`
	ReferenceType *string        `gorm:"index:idx_ledger_account_reference,priority:3"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// SubscriptionChange mirrors the subscription_changes audit table.
type SubscriptionChange struct {
	ChangeID      string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"type:uuid;not null;index"`
	Action        string         `gorm:"not null"`
	FromTier      string         `gorm:"not null"`
	ToTier        string         `gorm:"not null"`
	CreditsDelta  int64          `gorm:"not null"`
	DaysRemaining int            `gorm:"not null"`
	PeriodDays    int            `gorm:"not null"`
	Calculation   datatypes.JSON `gorm:"type:jsonb;not null"`
	EntryID       *string        `gorm:"type:uuid"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (SubscriptionChange) TableName() string { return "subscription_changes" }

func (change *SubscriptionChange) BeforeCreate(tx *gorm.DB) error {
	if change.ChangeID == "" {
		change.ChangeID = uuid.NewString()
	}
	return nil
}
