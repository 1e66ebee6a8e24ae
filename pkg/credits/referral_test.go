package credits

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchCreditsInviterAndInvitee(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, WithInitialGrant(100))
	dispatcher, err := NewReferralDispatcher(service, 50)
	if err != nil {
		test.Fatalf("new dispatcher: %v", err)
	}

	if err := dispatcher.Dispatch(context.Background(), "ref-1", "inviter", "invitee"); err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	if balance := store.accounts["inviter"].Balance; balance != 150 {
		test.Fatalf("expected inviter at 150, got %d", balance)
	}
	if balance := store.accounts["invitee"].Balance; balance != 125 {
		test.Fatalf("expected invitee at 125, got %d", balance)
	}
	if len(store.entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(store.entries))
	}
	if store.entries[0].ReferenceType != ReferenceTypeReferral {
		test.Fatalf("expected inviter reference type %q, got %q", ReferenceTypeReferral, store.entries[0].ReferenceType)
	}
	if store.entries[1].ReferenceType != ReferenceTypeSignupBonus {
		test.Fatalf("expected invitee reference type %q, got %q", ReferenceTypeSignupBonus, store.entries[1].ReferenceType)
	}
}

func TestDispatchReplayCompletesPartialApplication(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	dispatcher, err := NewReferralDispatcher(service, 50)
	if err != nil {
		test.Fatalf("new dispatcher: %v", err)
	}
	ctx := context.Background()

	// First attempt: inviter credited, invitee insert fails.
	store.insertEntryError = errStoreFailure
	store.insertEntryErrorOnCall = 2
	if err := dispatcher.Dispatch(ctx, "ref-2", "inviter", "invitee"); !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected partial failure, got %v", err)
	}
	if balance := store.accounts["inviter"].Balance; balance != 50 {
		test.Fatalf("expected inviter credited once, got %d", balance)
	}

	// Replay: inviter half no-ops, invitee half completes.
	store.insertEntryError = nil
	if err := dispatcher.Dispatch(ctx, "ref-2", "inviter", "invitee"); err != nil {
		test.Fatalf("replay: %v", err)
	}
	if balance := store.accounts["inviter"].Balance; balance != 50 {
		test.Fatalf("expected inviter unchanged at 50 after replay, got %d", balance)
	}
	if balance := store.accounts["invitee"].Balance; balance != 25 {
		test.Fatalf("expected invitee at 25 after replay, got %d", balance)
	}
}

func TestDispatchValidatesInput(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	if _, err := NewReferralDispatcher(nil, 50); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
	if _, err := NewReferralDispatcher(service, 0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected amount error, got %v", err)
	}
	dispatcher, err := NewReferralDispatcher(service, 50)
	if err != nil {
		test.Fatalf("new dispatcher: %v", err)
	}
	if err := dispatcher.Dispatch(context.Background(), "", "inviter", "invitee"); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected reference error, got %v", err)
	}
}
