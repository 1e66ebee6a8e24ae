package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/renderforge/credits/pkg/credits"
	"gorm.io/gorm"
)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func testClock() func() int64 {
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC).Unix()
	return func() int64 { return now }
}

func TestMutationsRoundTripThroughSQLite(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	service, err := credits.NewService(store, testClock(), credits.WithInitialGrant(100))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	balance, err := service.Add(ctx, "user-1", 50, credits.EntryPurchase, "credit pack", credits.Reference{})
	if err != nil {
		test.Fatalf("add: %v", err)
	}
	if balance != 150 {
		test.Fatalf("expected 150 after initial grant + purchase, got %d", balance)
	}

	balance, err = service.Consume(ctx, "user-1", 30, "video-render", credits.Reference{})
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance != 120 {
		test.Fatalf("expected 120, got %d", balance)
	}

	if _, err := service.Consume(ctx, "user-1", 500, "video-render", credits.Reference{}); !errors.Is(err, credits.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	summary, err := service.Summary(ctx, "user-1")
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.Balance != 120 || summary.TransactionCount != 2 || summary.MonthlySpend != 30 {
		test.Fatalf("unexpected summary: %+v", summary)
	}

	entries, err := service.ListEntries(ctx, "user-1", 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.BalanceAfter-entry.BalanceBefore != entry.Amount {
			test.Fatalf("entry snapshot broken: %+v", entry)
		}
	}
}

func TestIdempotentReplayPersists(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	service, err := credits.NewService(store, testClock())
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	reference := credits.Reference{ID: "R1", Type: "purchase_webhook"}

	for round := 0; round < 2; round++ {
		if _, err := service.Add(ctx, "user-1", 50, credits.EntryReward, "reward", reference, credits.Idempotent()); err != nil {
			test.Fatalf("round %d: %v", round, err)
		}
	}
	summary, err := service.Summary(ctx, "user-1")
	if err != nil {
		test.Fatalf("summary: %v", err)
	}
	if summary.Balance != 50 || summary.TransactionCount != 1 {
		test.Fatalf("expected single application, got %+v", summary)
	}
}

func TestAuditDetectsManualCorruption(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	service, err := credits.NewService(store, testClock(), credits.WithInitialGrant(100))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if _, err := service.Add(ctx, "user-1", 20, credits.EntryReward, "reward", credits.Reference{}); err != nil {
		test.Fatalf("add: %v", err)
	}

	auditor, err := credits.NewAuditor(store, 100, testClock(), nil)
	if err != nil {
		test.Fatalf("new auditor: %v", err)
	}
	reports, err := auditor.Audit(ctx)
	if err != nil {
		test.Fatalf("audit: %v", err)
	}
	if len(reports) != 0 {
		test.Fatalf("expected clean audit, got %+v", reports)
	}

	// Bypass the mutator, as a buggy migration would.
	if err := store.db.Model(&Account{}).Where("user_id = ?", "user-1").Update("balance", 999).Error; err != nil {
		test.Fatalf("corrupt balance: %v", err)
	}
	reports, err = auditor.Audit(ctx)
	if err != nil {
		test.Fatalf("audit after corruption: %v", err)
	}
	if len(reports) != 1 || reports[0].Actual != 999 || reports[0].Expected != 120 {
		test.Fatalf("expected drift report, got %+v", reports)
	}
}

func TestSubscriptionChangePersistsWithEntryLink(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	service, err := credits.NewService(store, testClock())
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	schedule := credits.TierSchedule{
		Entitlements: map[string]credits.AmountCredits{"starter": 100, "pro": 200},
		PeriodDays:   30,
	}
	grantor, err := credits.NewSubscriptionGrantor(service, store, schedule, testClock())
	if err != nil {
		test.Fatalf("new grantor: %v", err)
	}

	change, err := grantor.ApplyChange(context.Background(), "chg-1", "user-1", credits.SubscriptionUpgrade, "starter", "pro", 15)
	if err != nil {
		test.Fatalf("apply change: %v", err)
	}
	if change.CreditsDelta != 50 || change.EntryID == "" {
		test.Fatalf("unexpected change: %+v", change)
	}

	var persisted SubscriptionChange
	if err := store.db.Where("change_id = ?", change.ChangeID).Take(&persisted).Error; err != nil {
		test.Fatalf("load change: %v", err)
	}
	if persisted.CreditsDelta != 50 || persisted.EntryID == nil || *persisted.EntryID != change.EntryID {
		test.Fatalf("unexpected persisted change: %+v", persisted)
	}

	recorded, found, err := store.FindSubscriptionChange(context.Background(), "chg-1")
	if err != nil {
		test.Fatalf("find change: %v", err)
	}
	if !found || recorded.EntryID != change.EntryID {
		test.Fatalf("unexpected lookup result: found=%v change=%+v", found, recorded)
	}
	if _, found, err := store.FindSubscriptionChange(context.Background(), "chg-missing"); err != nil || found {
		test.Fatalf("expected miss without error, got found=%v err=%v", found, err)
	}
}
