package credits

import (
	"context"
	"fmt"
)

// Service is the balance mutator: the single gateway through which every
// balance change passes. It is the only writer of accounts and ledger entries.
type Service struct {
	store        Store
	nowFn        func() int64
	initialGrant AmountCredits
	logger       OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.initialGrant < 0 {
		return nil, fmt.Errorf("%w: initial grant must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// MutateOption adjusts a single Consume/Add call.
type MutateOption func(*mutateConfig)

type mutateConfig struct {
	idempotent bool
}

// Idempotent makes the mutation a no-op when an entry with the same
// (reference id, reference type) already exists for the account. The caller
// opts in per call; a retried webhook is the typical user.
func Idempotent() MutateOption {
	return func(cfg *mutateConfig) {
		cfg.idempotent = true
	}
}

// Consume debits the user's balance. The account row stays exclusively locked
// from the balance read until the ledger entry and balance update commit
// together; a shortfall aborts without writing anything.
func (service *Service) Consume(ctx context.Context, userID string, amount AmountCredits, description string, reference Reference, options ...MutateOption) (AmountCredits, error) {
	cfg := applyMutateOptions(options)
	normalizedUserID, normalizedAmount, normalizedDescription, err := validateMutation(userID, amount, description)
	if err != nil {
		return 0, err
	}
	var newBalance AmountCredits
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, normalizedUserID)
		if err != nil {
			return err
		}
		if cfg.idempotent && !reference.IsZero() {
			_, found, err := transactionStore.FindEntryByReference(ctx, account.AccountID, reference)
			if err != nil {
				return err
			}
			if found {
				newBalance = account.Balance
				status = operationStatusDuplicate
				return nil
			}
		}
		if account.Balance < normalizedAmount {
			return ErrInsufficientBalance
		}
		after, err := service.appendEntry(ctx, transactionStore, account, EntryConsume, -normalizedAmount, normalizedDescription, reference)
		if err != nil {
			return err
		}
		newBalance = after
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationConsume,
		UserID:      normalizedUserID,
		Amount:      normalizedAmount,
		NewBalance:  newBalance,
		Description: normalizedDescription,
		Reference:   reference,
		Status:      status,
		Error:       operationError,
	})
	return newBalance, operationError
}

// Add credits the user's balance. The account is created with the configured
// initial grant when this is its first credit-granting event.
func (service *Service) Add(ctx context.Context, userID string, amount AmountCredits, entryType EntryType, description string, reference Reference, options ...MutateOption) (AmountCredits, error) {
	cfg := applyMutateOptions(options)
	normalizedUserID, normalizedAmount, normalizedDescription, err := validateMutation(userID, amount, description)
	if err != nil {
		return 0, err
	}
	if !entryType.creditable() {
		return 0, fmt.Errorf("%w: %q is not a credit type", ErrInvalidEntryType, entryType)
	}
	var newBalance AmountCredits
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, normalizedUserID, service.initialGrant, service.nowFn())
		if err != nil {
			return err
		}
		if cfg.idempotent && !reference.IsZero() {
			_, found, err := transactionStore.FindEntryByReference(ctx, account.AccountID, reference)
			if err != nil {
				return err
			}
			if found {
				newBalance = account.Balance
				status = operationStatusDuplicate
				return nil
			}
		}
		after, err := service.appendEntry(ctx, transactionStore, account, entryType, normalizedAmount, normalizedDescription, reference)
		if err != nil {
			return err
		}
		newBalance = after
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAdd,
		UserID:      normalizedUserID,
		Amount:      normalizedAmount,
		NewBalance:  newBalance,
		Description: normalizedDescription,
		Reference:   reference,
		Status:      status,
		Error:       operationError,
	})
	return newBalance, operationError
}

// appendEntry writes the ledger entry and the matching balance update inside
// the caller's transaction. amount is signed; the account row must already be
// locked.
func (service *Service) appendEntry(ctx context.Context, transactionStore Store, account Account, entryType EntryType, amount AmountCredits, description string, reference Reference) (AmountCredits, error) {
	before := account.Balance
	after := before + amount
	if after < 0 {
		return 0, ErrInsufficientBalance
	}
	nowUnixUTC := service.nowFn()
	entry := Entry{
		AccountID:      account.AccountID,
		Type:           entryType,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		Description:    description,
		ReferenceID:    reference.ID,
		ReferenceType:  reference.Type,
		CreatedUnixUTC: nowUnixUTC,
	}
	if _, err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return 0, err
	}
	lifetimeEarned := account.LifetimeEarned
	lifetimeSpent := account.LifetimeSpent
	if amount > 0 {
		lifetimeEarned += amount
	} else {
		lifetimeSpent += -amount
	}
	if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, after, lifetimeEarned, lifetimeSpent, nowUnixUTC); err != nil {
		return 0, err
	}
	return after, nil
}

// Summary returns the per-account read model for dashboards.
func (service *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return Summary{}, err
	}
	account, err := service.store.GetAccount(ctx, normalizedUserID)
	if err != nil {
		return Summary{}, err
	}
	count, err := service.store.CountEntries(ctx, account.AccountID)
	if err != nil {
		return Summary{}, err
	}
	lastAt, err := service.store.LastEntryAt(ctx, account.AccountID)
	if err != nil {
		return Summary{}, err
	}
	monthlySpend, err := service.store.SumConsumedSince(ctx, account.AccountID, startOfMonthUnixUTC(service.nowFn()))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Balance:                account.Balance,
		LifetimeEarned:         account.LifetimeEarned,
		LifetimeSpent:          account.LifetimeSpent,
		TransactionCount:       count,
		LastTransactionUnixUTC: lastAt,
		MonthlySpend:           monthlySpend,
	}, nil
}

// Leaderboard ranks accounts by lifetime earnings.
func (service *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	accounts, err := service.store.TopAccounts(ctx, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]LeaderboardRow, 0, len(accounts))
	for index, account := range accounts {
		rows = append(rows, LeaderboardRow{
			UserID:         account.UserID,
			LifetimeEarned: account.LifetimeEarned,
			Balance:        account.Balance,
			Rank:           index + 1,
		})
	}
	return rows, nil
}

// ListEntries lists ledger entries for a user, oldest first.
func (service *Service) ListEntries(ctx context.Context, userID string, sinceUnixUTC int64, limit int) ([]Entry, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return nil, err
	}
	account, err := service.store.GetAccount(ctx, normalizedUserID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, account.AccountID, sinceUnixUTC, limit)
}

// FindEntry resolves the ledger entry carrying a reference, if one exists.
func (service *Service) FindEntry(ctx context.Context, userID string, reference Reference) (Entry, bool, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return Entry{}, false, err
	}
	if reference.IsZero() {
		return Entry{}, false, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	account, err := service.store.GetAccount(ctx, normalizedUserID)
	if err != nil {
		return Entry{}, false, err
	}
	return service.store.FindEntryByReference(ctx, account.AccountID, reference)
}

// InitialGrant exposes the configured starting balance.
func (service *Service) InitialGrant() AmountCredits {
	return service.initialGrant
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func applyMutateOptions(options []MutateOption) mutateConfig {
	cfg := mutateConfig{}
	for _, option := range options {
		if option != nil {
			option(&cfg)
		}
	}
	return cfg
}

func validateMutation(userID string, amount AmountCredits, description string) (string, AmountCredits, string, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return "", 0, "", err
	}
	normalizedAmount, err := NewAmountCredits(amount.Int64())
	if err != nil {
		return "", 0, "", err
	}
	normalizedDescription, err := NewDescription(description)
	if err != nil {
		return "", 0, "", err
	}
	return normalizedUserID, normalizedAmount, normalizedDescription, nil
}
