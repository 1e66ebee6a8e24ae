package credits

import (
	"context"
	"fmt"
	"strings"
)

// AmountCredits is an integer number of credits.
type AmountCredits int64

// Int64 returns the raw credit count.
func (amount AmountCredits) Int64() int64 {
	return int64(amount)
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase   EntryType = "purchase"
	EntryReward     EntryType = "reward"
	EntryConsume    EntryType = "consume"
	EntryRefund     EntryType = "refund"
	EntryAdjustment EntryType = "adjustment"
)

// String returns the wire value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType validates a raw entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntryReward, EntryConsume, EntryRefund, EntryAdjustment:
		return EntryType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// creditTypes are the entry types allowed for Add.
func (entryType EntryType) creditable() bool {
	switch entryType {
	case EntryPurchase, EntryReward, EntryRefund:
		return true
	default:
		return false
	}
}

// Reference correlates a ledger entry with the external event that caused it.
// The zero value means "no reference".
type Reference struct {
	ID   string
	Type string
}

// IsZero reports whether the reference is unset.
func (reference Reference) IsZero() bool {
	return reference.ID == "" && reference.Type == ""
}

// NewReference validates a reference pair. Both fields must be set together.
func NewReference(id string, kind string) (Reference, error) {
	id = strings.TrimSpace(id)
	kind = strings.TrimSpace(kind)
	if id == "" && kind == "" {
		return Reference{}, nil
	}
	if id == "" || kind == "" {
		return Reference{}, fmt.Errorf("%w: id and type must be set together", ErrInvalidReference)
	}
	return Reference{ID: id, Type: kind}, nil
}

// Derive returns a reference whose id carries a suffix, scoped to the same type.
// Used when one external event causes more than one ledger entry.
func (reference Reference) Derive(suffix string) Reference {
	if reference.IsZero() {
		return reference
	}
	return Reference{ID: reference.ID + referenceDelimiter + suffix, Type: reference.Type}
}

// Account is the mutable current-balance aggregate for one user.
type Account struct {
	AccountID      string
	UserID         string
	Balance        AmountCredits
	LifetimeEarned AmountCredits
	LifetimeSpent  AmountCredits
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Type           EntryType
	Amount         AmountCredits
	BalanceBefore  AmountCredits
	BalanceAfter   AmountCredits
	Description    string
	ReferenceID    string
	ReferenceType  string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Reference returns the entry's correlation reference, if any.
func (entry Entry) Reference() Reference {
	return Reference{ID: entry.ReferenceID, Type: entry.ReferenceType}
}

// SubscriptionAction enumerates tier transition kinds.
type SubscriptionAction string

const (
	SubscriptionNew       SubscriptionAction = "new"
	SubscriptionUpgrade   SubscriptionAction = "upgrade"
	SubscriptionDowngrade SubscriptionAction = "downgrade"
	SubscriptionRenewal   SubscriptionAction = "renewal"
	SubscriptionCancel    SubscriptionAction = "cancel"
)

// String returns the wire value.
func (action SubscriptionAction) String() string {
	return string(action)
}

// ParseSubscriptionAction validates a raw action string.
func ParseSubscriptionAction(raw string) (SubscriptionAction, error) {
	switch SubscriptionAction(raw) {
	case SubscriptionNew, SubscriptionUpgrade, SubscriptionDowngrade, SubscriptionRenewal, SubscriptionCancel:
		return SubscriptionAction(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTier, raw)
	}
}

// SubscriptionChange is the immutable audit record of one tier transition.
type SubscriptionChange struct {
	ChangeID        string
	AccountID       string
	Action          SubscriptionAction
	FromTier        string
	ToTier          string
	CreditsDelta    AmountCredits
	DaysRemaining   int
	PeriodDays      int
	CalculationJSON string
	EntryID         string
	CreatedUnixUTC  int64
}

// Summary is the per-account read model served to dashboards.
type Summary struct {
	Balance                AmountCredits
	LifetimeEarned         AmountCredits
	LifetimeSpent          AmountCredits
	TransactionCount       int64
	LastTransactionUnixUTC int64
	MonthlySpend           AmountCredits
}

// LeaderboardRow is one ranked account ordered by lifetime earnings.
type LeaderboardRow struct {
	UserID         string
	LifetimeEarned AmountCredits
	Balance        AmountCredits
	Rank           int
}

// DriftReport flags an account whose stored balance disagrees with its ledger.
type DriftReport struct {
	AccountID       string
	UserID          string
	Expected        AmountCredits
	Actual          AmountCredits
	Delta           AmountCredits
	ObservedUnixUTC int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return trimmed, nil
}

// NewAmountCredits validates an amount and ensures it is strictly positive.
func NewAmountCredits(raw int64) (AmountCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountCredits(raw), nil
}

// NewDescription validates a human-readable mutation description.
func NewDescription(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	return trimmed, nil
}

// Store is the persistence contract used by Service.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, userID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	GetOrCreateAccount(ctx context.Context, userID string, initialGrant AmountCredits, nowUnixUTC int64) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balance, lifetimeEarned, lifetimeSpent AmountCredits, nowUnixUTC int64) error
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	FindEntryByReference(ctx context.Context, accountID string, reference Reference) (Entry, bool, error)
	SumEntries(ctx context.Context, accountID string) (AmountCredits, error)
	CountEntries(ctx context.Context, accountID string) (int64, error)
	LastEntryAt(ctx context.Context, accountID string) (int64, error)
	SumConsumedSince(ctx context.Context, accountID string, sinceUnixUTC int64) (AmountCredits, error)
	ListEntries(ctx context.Context, accountID string, sinceUnixUTC int64, limit int) ([]Entry, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	TopAccounts(ctx context.Context, limit int) ([]Account, error)
	InsertSubscriptionChange(ctx context.Context, change SubscriptionChange) (SubscriptionChange, error)
	FindSubscriptionChange(ctx context.Context, changeID string) (SubscriptionChange, bool, error)
}
