package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renderforge/credits/pkg/credits"
)

const (
	pgLockNotAvailableCode = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetectedCode = "40P01"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectChange      = "subscription_change"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
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

	sqlSetLockTimeout = `set local lock_timeout = '3s'`

	sqlAccountColumns = `
		account_id::text,
		user_id,
		balance,
		lifetime_earned,
		lifetime_spent,
		extract(epoch from created_at)::bigint,
		extract(epoch from updated_at)::bigint
	`

	sqlSelectAccount = `
		select ` + sqlAccountColumns + `
		from accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlInsertOrGetAccount = `
		insert into accounts(user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at)
		values($1, $2, $2, 0, to_timestamp($3), to_timestamp($3))
		on conflict (user_id) do update set user_id = excluded.user_id
		returning ` + sqlAccountColumns

	sqlUpdateAccountBalance = `
		update accounts
		set balance = $2, lifetime_earned = $3, lifetime_spent = $4, updated_at = to_timestamp($5)
		where account_id = $1
	`

	sqlEntryColumns = `
		entry_id::text,
		account_id::text,
		type,
		amount,
		balance_before,
		balance_after,
		description,
		coalesce(reference_id,''),
		coalesce(reference_type,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount, balance_before, balance_after,
			description, reference_id, reference_type, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			$6, nullif($7,''), nullif($8,''),
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
		returning entry_id::text
	`

	sqlFindEntryByReference = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where account_id = $1 and reference_id = $2 and reference_type = $3
		limit 1
	`

	sqlSumEntries = `
		select coalesce(sum(amount),0) from ledger_entries where account_id = $1
	`

	sqlCountEntries = `
		select count(*) from ledger_entries where account_id = $1
	`

	sqlLastEntryAt = `
		select coalesce(max(extract(epoch from created_at)::bigint),0)
		from ledger_entries
		where account_id = $1
	`

	sqlSumConsumedSince = `
		select coalesce(sum(-amount),0)
		from ledger_entries
		where account_id = $1 and type = 'consume' and created_at >= to_timestamp($2)
	`

	sqlListEntriesSince = `
		select ` + sqlEntryColumns + `
		from ledger_entries
		where account_id = $1 and created_at >= to_timestamp($2)
		order by created_at asc
		limit $3
	`

	sqlListAccounts = `
		select ` + sqlAccountColumns + `
		from accounts
		order by user_id asc
	`

	sqlTopAccounts = `
		select ` + sqlAccountColumns + `
		from accounts
		order by lifetime_earned desc
		limit $1
	`

	sqlChangeColumns = `
		change_id::text,
		account_id::text,
		action,
		from_tier,
		to_tier,
		credits_delta,
		days_remaining,
		period_days,
		coalesce(calculation::text,'{}'),
		coalesce(entry_id::text,''),
		extract(epoch from created_at)::bigint
	`

	sqlFindSubscriptionChange = `
		select ` + sqlChangeColumns + `
		from subscription_changes
		where change_id = $1
	`

	sqlInsertSubscriptionChange = `
		insert into subscription_changes(
			change_id, account_id, action, from_tier, to_tier, credits_delta,
			days_remaining, period_days, calculation, entry_id, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			nullif($10,'')::uuid,
			to_timestamp($11)
		)
	`
)

// querier is satisfied by both a pgxpool.Pool and a pgx.Tx, so one method set
// serves the autocommit and in-transaction paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using pgx.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx executes fn within a transaction. Nested calls reuse the open
// transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	// Bound row-lock waits so a contended account surfaces as a retryable
	// 55P03 instead of blocking until the request deadline.
	if _, err := tx.Exec(ctx, sqlSetLockTimeout); err != nil {
		_ = tx.Rollback(ctx)
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (credits.Account, error) {
	return store.scanAccountRow(store.db.QueryRow(ctx, sqlSelectAccount, userID))
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (credits.Account, error) {
	account, err := store.scanAccountRow(store.db.QueryRow(ctx, sqlSelectAccountForUpdate, userID))
	if err != nil && isLockWaitExpiry(err) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLockConflict, credits.ErrConcurrencyConflict)
	}
	return account, err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, initialGrant credits.AmountCredits, nowUnixUTC int64) (credits.Account, error) {
	return store.scanAccountRow(store.db.QueryRow(ctx, sqlInsertOrGetAccount, userID, initialGrant.Int64(), nowUnixUTC))
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balance, lifetimeEarned, lifetimeSpent credits.AmountCredits, nowUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountBalance, accountID, balance.Int64(), lifetimeEarned.Int64(), lifetimeSpent.Int64(), nowUnixUTC)
	if err != nil {
		if isConcurrencyConflict(err) {
			return wrapStoreError(errorSubjectAccount, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) (credits.Entry, error) {
	var entryID string
	err := store.db.QueryRow(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.BalanceBefore.Int64(),
		entry.BalanceAfter.Int64(),
		entry.Description,
		entry.ReferenceID,
		entry.ReferenceType,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	).Scan(&entryID)
	if err != nil {
		if isConcurrencyConflict(err) {
			return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.EntryID = entryID
	return entry, nil
}

func (store *Store) FindEntryByReference(ctx context.Context, accountID string, reference credits.Reference) (credits.Entry, bool, error) {
	entry, err := scanEntryRow(store.db.QueryRow(ctx, sqlFindEntryByReference, accountID, reference.ID, reference.Type))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Entry{}, false, nil
		}
		return credits.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (credits.AmountCredits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return credits.AmountCredits(sum), nil
}

func (store *Store) CountEntries(ctx context.Context, accountID string) (int64, error) {
	var count int64
	if err := store.db.QueryRow(ctx, sqlCountEntries, accountID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) LastEntryAt(ctx context.Context, accountID string) (int64, error) {
	var last int64
	if err := store.db.QueryRow(ctx, sqlLastEntryAt, accountID).Scan(&last); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeLastEntry, err)
	}
	return last, nil
}

func (store *Store) SumConsumedSince(ctx context.Context, accountID string, sinceUnixUTC int64) (credits.AmountCredits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumConsumedSince, accountID, sinceUnixUTC).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeMonthlySpend, err)
	}
	return credits.AmountCredits(sum), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, sinceUnixUTC int64, limit int) ([]credits.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesSince, accountID, sinceUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (store *Store) ListAccounts(ctx context.Context) ([]credits.Account, error) {
	rows, err := store.db.Query(ctx, sqlListAccounts)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (store *Store) TopAccounts(ctx context.Context, limit int) ([]credits.Account, error) {
	rows, err := store.db.Query(ctx, sqlTopAccounts, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeTop, err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (store *Store) InsertSubscriptionChange(ctx context.Context, change credits.SubscriptionChange) (credits.SubscriptionChange, error) {
	_, err := store.db.Exec(ctx, sqlInsertSubscriptionChange,
		change.ChangeID,
		change.AccountID,
		change.Action.String(),
		change.FromTier,
		change.ToTier,
		change.CreditsDelta.Int64(),
		change.DaysRemaining,
		change.PeriodDays,
		change.CalculationJSON,
		change.EntryID,
		change.CreatedUnixUTC,
	)
	if err != nil {
		return credits.SubscriptionChange{}, wrapStoreError(errorSubjectChange, errorCodeInsert, err)
	}
	return change, nil
}

func (store *Store) FindSubscriptionChange(ctx context.Context, changeID string) (credits.SubscriptionChange, bool, error) {
	var change credits.SubscriptionChange
	var delta int64
	var action string
	err := store.db.QueryRow(ctx, sqlFindSubscriptionChange, changeID).Scan(
		&change.ChangeID,
		&change.AccountID,
		&action,
		&change.FromTier,
		&change.ToTier,
		&delta,
		&change.DaysRemaining,
		&change.PeriodDays,
		&change.CalculationJSON,
		&change.EntryID,
		&change.CreatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.SubscriptionChange{}, false, nil
		}
		return credits.SubscriptionChange{}, false, wrapStoreError(errorSubjectChange, errorCodeLookup, err)
	}
	change.Action = credits.SubscriptionAction(action)
	change.CreditsDelta = credits.AmountCredits(delta)
	return change, true, nil
}

func (store *Store) scanAccountRow(row pgx.Row) (credits.Account, error) {
	var account credits.Account
	var balance, earned, spent int64
	err := row.Scan(
		&account.AccountID,
		&account.UserID,
		&balance,
		&earned,
		&spent,
		&account.CreatedUnixUTC,
		&account.UpdatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		if isConcurrencyConflict(err) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLockConflict, credits.ErrConcurrencyConflict)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account.Balance = credits.AmountCredits(balance)
	account.LifetimeEarned = credits.AmountCredits(earned)
	account.LifetimeSpent = credits.AmountCredits(spent)
	return account, nil
}

func scanEntryRow(row pgx.Row) (credits.Entry, error) {
	var entry credits.Entry
	var amount, before, after int64
	var entryType string
	err := row.Scan(
		&entry.EntryID,
		&entry.AccountID,
		&entryType,
		&amount,
		&before,
		&after,
		&entry.Description,
		&entry.ReferenceID,
		&entry.ReferenceType,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Entry{}, err
	}
	entry.Type = credits.EntryType(entryType)
	entry.Amount = credits.AmountCredits(amount)
	entry.BalanceBefore = credits.AmountCredits(before)
	entry.BalanceAfter = credits.AmountCredits(after)
	return entry, nil
}

func scanEntries(rows pgx.Rows) ([]credits.Entry, error) {
	entries := make([]credits.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanAccounts(rows pgx.Rows) ([]credits.Account, error) {
	accounts := make([]credits.Account, 0, 32)
	for rows.Next() {
		var account credits.Account
		var balance, earned, spent int64
		if err := rows.Scan(
			&account.AccountID,
			&account.UserID,
			&balance,
			&earned,
			&spent,
			&account.CreatedUnixUTC,
			&account.UpdatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		account.Balance = credits.AmountCredits(balance)
		account.LifetimeEarned = credits.AmountCredits(earned)
		account.LifetimeSpent = credits.AmountCredits(spent)
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isConcurrencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgSerializationFailure, pgDeadlockDetectedCode:
			return true
		}
	}
	return false
}

// isLockWaitExpiry classifies a failed row-lock acquisition: either postgres
// cancelled the wait (lock_timeout, 55P03) or the request context expired
// while queued behind the lock holder.
func isLockWaitExpiry(err error) bool {
	if isConcurrencyConflict(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
