package credits

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers behind one
// mutex and rolls state back when fn fails, mirroring the per-account
// serialization the real stores provide.
type stubStore struct {
	mu       sync.Mutex
	accounts map[string]Account // keyed by user id
	entries  []Entry
	changes  []SubscriptionChange

	entrySequence   int
	accountSequence int

	getAccountError        error
	createAccountError     error
	insertEntryError       error
	insertEntryErrorOnCall int
	insertEntryCalls       int
	updateBalanceError     error
	findEntryError         error
	sumEntriesError        error
	countEntriesError      error
	listAccountsError      error
	topAccountsError       error
	insertChangeError      error
	findChangeError        error
}

func newStubStore() *stubStore {
	return &stubStore{accounts: map[string]Account{}}
}

// seedAccount installs an account with the given balance outside the ledger,
// as if it had been created with that initial grant.
func (store *stubStore) seedAccount(test *testing.T, userID string, balance AmountCredits) Account {
	test.Helper()
	store.accountSequence++
	account := Account{
		AccountID:      accountIDForSequence(store.accountSequence),
		UserID:         userID,
		Balance:        balance,
		LifetimeEarned: balance,
	}
	store.accounts[userID] = account
	return account
}

func accountIDForSequence(sequence int) string {
	return "acct-" + strconv.Itoa(sequence)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshotAccounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		snapshotAccounts[key] = value
	}
	snapshotEntries := append([]Entry(nil), store.entries...)
	snapshotChanges := append([]SubscriptionChange(nil), store.changes...)
	if err := fn(ctx, store); err != nil {
		store.accounts = snapshotAccounts
		store.entries = snapshotEntries
		store.changes = snapshotChanges
		return err
	}
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string, initialGrant AmountCredits, nowUnixUTC int64) (Account, error) {
	if store.createAccountError != nil {
		return Account{}, store.createAccountError
	}
	if account, ok := store.accounts[userID]; ok {
		return account, nil
	}
	store.accountSequence++
	account := Account{
		AccountID:      accountIDForSequence(store.accountSequence),
		UserID:         userID,
		Balance:        initialGrant,
		LifetimeEarned: initialGrant,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	store.accounts[userID] = account
	return account, nil
}

func (store *stubStore) UpdateAccountBalance(ctx context.Context, accountID string, balance, lifetimeEarned, lifetimeSpent AmountCredits, nowUnixUTC int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	for userID, account := range store.accounts {
		if account.AccountID == accountID {
			account.Balance = balance
			account.LifetimeEarned = lifetimeEarned
			account.LifetimeSpent = lifetimeSpent
			account.UpdatedUnixUTC = nowUnixUTC
			store.accounts[userID] = account
			return nil
		}
	}
	return ErrAccountNotFound
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	store.insertEntryCalls++
	if store.insertEntryError != nil {
		if store.insertEntryErrorOnCall == 0 || store.insertEntryErrorOnCall == store.insertEntryCalls {
			return Entry{}, store.insertEntryError
		}
	}
	store.entrySequence++
	entry.EntryID = "entry-" + strconv.Itoa(store.entrySequence)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) FindEntryByReference(ctx context.Context, accountID string, reference Reference) (Entry, bool, error) {
	if store.findEntryError != nil {
		return Entry{}, false, store.findEntryError
	}
	for _, entry := range store.entries {
		if entry.AccountID == accountID && entry.ReferenceID == reference.ID && entry.ReferenceType == reference.Type {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) SumEntries(ctx context.Context, accountID string) (AmountCredits, error) {
	if store.sumEntriesError != nil {
		return 0, store.sumEntriesError
	}
	var sum AmountCredits
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) CountEntries(ctx context.Context, accountID string) (int64, error) {
	if store.countEntriesError != nil {
		return 0, store.countEntriesError
	}
	var count int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) LastEntryAt(ctx context.Context, accountID string) (int64, error) {
	var last int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID && entry.CreatedUnixUTC > last {
			last = entry.CreatedUnixUTC
		}
	}
	return last, nil
}

func (store *stubStore) SumConsumedSince(ctx context.Context, accountID string, sinceUnixUTC int64) (AmountCredits, error) {
	var sum AmountCredits
	for _, entry := range store.entries {
		if entry.AccountID == accountID && entry.Type == EntryConsume && entry.CreatedUnixUTC >= sinceUnixUTC {
			sum += -entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, sinceUnixUTC int64, limit int) ([]Entry, error) {
	var result []Entry
	for _, entry := range store.entries {
		if entry.AccountID == accountID && entry.CreatedUnixUTC >= sinceUnixUTC {
			result = append(result, entry)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) ListAccounts(ctx context.Context) ([]Account, error) {
	if store.listAccountsError != nil {
		return nil, store.listAccountsError
	}
	accounts := make([]Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(left, right int) bool { return accounts[left].UserID < accounts[right].UserID })
	return accounts, nil
}

func (store *stubStore) TopAccounts(ctx context.Context, limit int) ([]Account, error) {
	if store.topAccountsError != nil {
		return nil, store.topAccountsError
	}
	accounts, _ := store.ListAccounts(ctx)
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].LifetimeEarned > accounts[right].LifetimeEarned
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (store *stubStore) InsertSubscriptionChange(ctx context.Context, change SubscriptionChange) (SubscriptionChange, error) {
	if store.insertChangeError != nil {
		return SubscriptionChange{}, store.insertChangeError
	}
	store.changes = append(store.changes, change)
	return change, nil
}

func (store *stubStore) FindSubscriptionChange(ctx context.Context, changeID string) (SubscriptionChange, bool, error) {
	if store.findChangeError != nil {
		return SubscriptionChange{}, false, store.findChangeError
	}
	for _, change := range store.changes {
		if change.ChangeID == changeID {
			return change, true, nil
		}
	}
	return SubscriptionChange{}, false, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

const fixedNowUnixUTC int64 = 1_700_000_000
