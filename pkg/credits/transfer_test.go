package credits

import (
	"context"
	"errors"
	"testing"
)

func TestTransferMovesCreditsAtomically(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "alice", 100)
	store.seedAccount(test, "bob", 10)
	service := mustNewService(test, store)
	reference := Reference{ID: "tx-1", Type: ReferenceTypeTransfer}

	if err := service.Transfer(context.Background(), "alice", "bob", 40, "gift", reference); err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if balance := store.accounts["alice"].Balance; balance != 60 {
		test.Fatalf("expected alice at 60, got %d", balance)
	}
	if balance := store.accounts["bob"].Balance; balance != 50 {
		test.Fatalf("expected bob at 50, got %d", balance)
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(store.entries))
	}
	if store.entries[0].Amount != -40 || store.entries[1].Amount != 40 {
		test.Fatalf("unexpected entry amounts: %d, %d", store.entries[0].Amount, store.entries[1].Amount)
	}
	if store.entries[0].ReferenceID != "tx-1:out" || store.entries[1].ReferenceID != "tx-1:in" {
		test.Fatalf("unexpected references: %q, %q", store.entries[0].ReferenceID, store.entries[1].ReferenceID)
	}
}

func TestTransferInsufficientBalanceRollsBack(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "alice", 30)
	store.seedAccount(test, "bob", 0)
	service := mustNewService(test, store)

	err := service.Transfer(context.Background(), "alice", "bob", 40, "gift", Reference{})
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if balance := store.accounts["alice"].Balance; balance != 30 {
		test.Fatalf("expected alice untouched at 30, got %d", balance)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(store.entries))
	}
}

func TestTransferDestinationCreditFailureRollsBackSource(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "alice", 100)
	store.seedAccount(test, "bob", 0)
	store.insertEntryError = errStoreFailure
	store.insertEntryErrorOnCall = 2
	service := mustNewService(test, store)

	err := service.Transfer(context.Background(), "alice", "bob", 40, "gift", Reference{})
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected store failure, got %v", err)
	}
	if balance := store.accounts["alice"].Balance; balance != 100 {
		test.Fatalf("expected alice rolled back to 100, got %d", balance)
	}
	if len(store.entries) != 0 {
		test.Fatalf("expected rollback to drop the debit entry, got %d entries", len(store.entries))
	}
}

func TestTransferReplaySafeWithIdempotentReference(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "alice", 100)
	store.seedAccount(test, "bob", 0)
	service := mustNewService(test, store)
	reference := Reference{ID: "tx-2", Type: ReferenceTypeTransfer}

	for round := 0; round < 2; round++ {
		if err := service.Transfer(context.Background(), "alice", "bob", 25, "gift", reference, Idempotent()); err != nil {
			test.Fatalf("round %d: %v", round, err)
		}
	}
	if balance := store.accounts["alice"].Balance; balance != 75 {
		test.Fatalf("expected alice at 75 after replay, got %d", balance)
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected 2 entries after replay, got %d", len(store.entries))
	}
}

func TestTransferToSelfRejected(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "alice", 100)
	service := mustNewService(test, store)

	err := service.Transfer(context.Background(), "alice", "alice", 10, "loop", Reference{})
	if !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}
