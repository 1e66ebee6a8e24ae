package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/renderforge/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	pgLockNotAvailableCode  = "55P03"
	pgSerializationFailure  = "40001"
	pgDeadlockDetectedCode  = "40P01"
	sqliteConstraintCode    = 19
	sqliteBusyCode          = 5
	sqliteLockedCode        = 6
	dialectPostgres         = "postgres"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectChange      = "subscription_change"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateBalance  = "update_balance"
	errorCodeSum            = "sum"
	errorCodeCount          = "count"
	errorCodeLastEntry      = "last_entry"
	errorCodeMonthlySpend   = "monthly_spend"
	errorCodeTop            = "top"
	errorCodeLockConflict   = "lock_conflict"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Used for sqlite; postgres schemas
// are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &SubscriptionChange{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.Account, error) {
	return store.getAccount(ctx, userID, false)
}

// GetAccountForUpdate reads the account row under an exclusive lock. The lock
// is held until the surrounding transaction commits, serializing every
// mutation of that account. SQLite has a single writer, so the clause is
// postgres-only.
func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	return store.getAccount(ctx, userID, true)
}

func (store *Store) getAccount(ctx context.Context, userID string, forUpdate bool) (credits.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		if isConcurrencyConflict(err) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, initialGrant credits.AmountCredits, nowUnixUTC int64) (credits.Account, error) {
	account, err := store.GetAccountForUpdate(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, credits.ErrAccountNotFound) {
		return credits.Account{}, err
	}
	now := time.Unix(nowUnixUTC, 0).UTC()
	model := Account{
		UserID:         userID,
		Balance:        initialGrant.Int64(),
		LifetimeEarned: initialGrant.Int64(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	createErr := store.db.WithContext(ctx).Create(&model).Error
	if createErr != nil {
		if isUniqueViolation(createErr) {
			// Lost the creation race; the winner's row is authoritative.
			return store.GetAccountForUpdate(ctx, userID)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
	}
	return mapAccount(model), nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balance, lifetimeEarned, lifetimeSpent credits.AmountCredits, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance":         balance.Int64(),
			"lifetime_earned": lifetimeEarned.Int64(),
			"lifetime_spent":  lifetimeSpent.Int64(),
			"updated_at":      time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		if isConcurrencyConflict(result.Error) {
			return wrapStoreError(errorSubjectAccount, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) (credits.Entry, error) {
	model := LedgerEntry{
		EntryID:       entry.EntryID,
		AccountID:     entry.AccountID,
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Int64(),
		BalanceBefore: entry.BalanceBefore.Int64(),
		BalanceAfter:  entry.BalanceAfter.Int64(),
		Description:   entry.Description,
		ReferenceID:   optionalString(entry.ReferenceID),
		ReferenceType: optionalString(entry.ReferenceType),
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isConcurrencyConflict(err) {
			return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(model), nil
}

func (store *Store) FindEntryByReference(ctx context.Context, accountID string, reference credits.Reference) (credits.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND reference_id = ? AND reference_type = ?", accountID, reference.ID, reference.Type).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Entry{}, false, nil
		}
		return credits.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return mapLedgerEntry(model), true, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (credits.AmountCredits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return credits.AmountCredits(sum.Total), nil
}

func (store *Store) CountEntries(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("account_id = ?", accountID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) LastEntryAt(ctx context.Context, accountID string) (int64, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, wrapStoreError(errorSubjectEntry, errorCodeLastEntry, err)
	}
	return model.CreatedAt.Unix(), nil
}

func (store *Store) SumConsumedSince(ctx context.Context, accountID string, sinceUnixUTC int64) (credits.AmountCredits, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(-amount),0) as total").
		Where("account_id = ? AND type = ? AND created_at >= ?", accountID, credits.EntryConsume.String(), since).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeMonthlySpend, err)
	}
	return credits.AmountCredits(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, sinceUnixUTC int64, limit int) ([]credits.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID)
	if sinceUnixUTC > 0 {
		query = query.Where("created_at >= ?", time.Unix(sinceUnixUTC, 0).UTC())
	}
	var rows []LedgerEntry
	if err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func (store *Store) ListAccounts(ctx context.Context) ([]credits.Account, error) {
	var rows []Account
	if err := store.db.WithContext(ctx).Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]credits.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

func (store *Store) TopAccounts(ctx context.Context, limit int) ([]credits.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Order("lifetime_earned DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeTop, err)
	}
	accounts := make([]credits.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

func (store *Store) InsertSubscriptionChange(ctx context.Context, change credits.SubscriptionChange) (credits.SubscriptionChange, error) {
	model := SubscriptionChange{
		ChangeID:      change.ChangeID,
		AccountID:     change.AccountID,
		Action:        change.Action.String(),
		FromTier:      change.FromTier,
		ToTier:        change.ToTier,
		CreditsDelta:  change.CreditsDelta.Int64(),
		DaysRemaining: change.DaysRemaining,
		PeriodDays:    change.PeriodDays,
		Calculation:   datatypesJSON(change.CalculationJSON),
		EntryID:       optionalString(change.EntryID),
		CreatedAt:     time.Unix(change.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return credits.SubscriptionChange{}, wrapStoreError(errorSubjectChange, errorCodeInsert, err)
	}
	return mapSubscriptionChange(model), nil
}

func (store *Store) FindSubscriptionChange(ctx context.Context, changeID string) (credits.SubscriptionChange, bool, error) {
	var model SubscriptionChange
	err := store.db.WithContext(ctx).Where("change_id = ?", changeID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.SubscriptionChange{}, false, nil
		}
		return credits.SubscriptionChange{}, false, wrapStoreError(errorSubjectChange, errorCodeLookup, err)
	}
	return mapSubscriptionChange(model), true, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) credits.Account {
	return credits.Account{
		AccountID:      model.AccountID,
		UserID:         model.UserID,
		Balance:        credits.AmountCredits(model.Balance),
		LifetimeEarned: credits.AmountCredits(model.LifetimeEarned),
		LifetimeSpent:  credits.AmountCredits(model.LifetimeSpent),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}
}

func mapLedgerEntry(model LedgerEntry) credits.Entry {
	return credits.Entry{
		EntryID:        model.EntryID,
		AccountID:      model.AccountID,
		Type:           credits.EntryType(model.Type),
		Amount:         credits.AmountCredits(model.Amount),
		BalanceBefore:  credits.AmountCredits(model.BalanceBefore),
		BalanceAfter:   credits.AmountCredits(model.BalanceAfter),
		Description:    model.Description,
		ReferenceID:    stringOrEmpty(model.ReferenceID),
		ReferenceType:  stringOrEmpty(model.ReferenceType),
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func mapSubscriptionChange(model SubscriptionChange) credits.SubscriptionChange {
	return credits.SubscriptionChange{
		ChangeID:        model.ChangeID,
		AccountID:       model.AccountID,
		Action:          credits.SubscriptionAction(model.Action),
		FromTier:        model.FromTier,
		ToTier:          model.ToTier,
		CreditsDelta:    credits.AmountCredits(model.CreditsDelta),
		DaysRemaining:   model.DaysRemaining,
		PeriodDays:      model.PeriodDays,
		CalculationJSON: string(model.Calculation),
		EntryID:         stringOrEmpty(model.EntryID),
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
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

func isConcurrencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgSerializationFailure, pgDeadlockDetectedCode:
			return true
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
