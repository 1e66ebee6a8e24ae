package credits

import (
	"errors"
	"testing"
)

func TestNewUserIDNormalizes(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		test.Fatalf("new user id: %v", err)
	}
	if userID != "user-1" {
		test.Fatalf("expected trimmed id, got %q", userID)
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestParseEntryType(test *testing.T) {
	test.Parallel()
	for _, valid := range []string{"purchase", "reward", "consume", "refund"} {
		if _, err := ParseEntryType(valid); err != nil {
			test.Fatalf("expected %q valid, got %v", valid, err)
		}
	}
	if _, err := ParseEntryType("grant"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestNewReferenceRequiresBothFields(test *testing.T) {
	test.Parallel()
	reference, err := NewReference("", "")
	if err != nil || !reference.IsZero() {
		test.Fatalf("expected zero reference, got %+v err=%v", reference, err)
	}
	if _, err := NewReference("id-only", ""); !errors.Is(err, ErrInvalidReference) {
		test.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	reference, err = NewReference(" r1 ", " webhook ")
	if err != nil {
		test.Fatalf("new reference: %v", err)
	}
	if reference.ID != "r1" || reference.Type != "webhook" {
		test.Fatalf("expected trimmed reference, got %+v", reference)
	}
}

func TestReferenceDerive(test *testing.T) {
	test.Parallel()
	reference := Reference{ID: "base", Type: "transfer"}
	derived := reference.Derive("out")
	if derived.ID != "base:out" || derived.Type != "transfer" {
		test.Fatalf("unexpected derived reference: %+v", derived)
	}
	if !(Reference{}).Derive("out").IsZero() {
		test.Fatal("deriving from the zero reference must stay zero")
	}
}

func TestParseSubscriptionAction(test *testing.T) {
	test.Parallel()
	for _, valid := range []string{"new", "upgrade", "downgrade", "renewal", "cancel"} {
		if _, err := ParseSubscriptionAction(valid); err != nil {
			test.Fatalf("expected %q valid, got %v", valid, err)
		}
	}
	if _, err := ParseSubscriptionAction("pause"); err == nil {
		test.Fatal("expected error for unknown action")
	}
}

func TestStartOfMonthUnixUTC(test *testing.T) {
	test.Parallel()
	// 2023-11-14T22:13:20Z truncates to 2023-11-01T00:00:00Z.
	got := startOfMonthUnixUTC(1_700_000_000)
	if got != 1_698_796_800 {
		test.Fatalf("expected 1698796800, got %d", got)
	}
}

func TestOperationErrorAccessors(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("consume", "account", "lookup", ErrAccountNotFound)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "consume" || operationError.Subject() != "account" || operationError.Code() != "lookup" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if !errors.Is(wrapped, ErrAccountNotFound) {
		test.Fatal("expected wrapped sentinel to survive")
	}
	if WrapError("a", "b", "c", nil) != nil {
		test.Fatal("expected nil passthrough")
	}
}
