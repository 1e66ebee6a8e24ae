package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TierSchedule maps subscription tiers to their per-period credit
// entitlement. Owned by billing configuration; injected here.
type TierSchedule struct {
	Entitlements map[string]AmountCredits
	PeriodDays   int
}

// Credits resolves a tier's entitlement.
func (schedule TierSchedule) Credits(tier string) (AmountCredits, error) {
	amount, ok := schedule.Entitlements[tier]
	if !ok {
		return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidTier, tier)
	}
	return amount, nil
}

// SubscriptionGrantor computes and applies proration-based credit deltas for
// tier transitions, recording each one as a SubscriptionChange linked to the
// ledger entry it caused.
type SubscriptionGrantor struct {
	service  *Service
	store    Store
	schedule TierSchedule
	nowFn    func() int64
}

// NewSubscriptionGrantor wires a grantor over the balance mutator.
func NewSubscriptionGrantor(service *Service, store Store, schedule TierSchedule, now func() int64) (*SubscriptionGrantor, error) {
	if service == nil || store == nil {
		return nil, fmt.Errorf("%w: grantor dependencies are nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if schedule.PeriodDays <= 0 {
		return nil, fmt.Errorf("%w: period days must be positive", ErrInvalidPeriod)
	}
	if len(schedule.Entitlements) == 0 {
		return nil, fmt.Errorf("%w: empty tier schedule", ErrInvalidTier)
	}
	return &SubscriptionGrantor{service: service, store: store, schedule: schedule, nowFn: now}, nil
}

type prorationDetails struct {
	FromCredits   int64  `json:"from_credits"`
	ToCredits     int64  `json:"to_credits"`
	DaysRemaining int    `json:"days_remaining"`
	PeriodDays    int    `json:"period_days"`
	RawDelta      string `json:"raw_delta"`
	RoundedDelta  int64  `json:"rounded_delta"`
	Shortfall     int64  `json:"shortfall,omitempty"`
}

// ApplyChange applies one tier transition. changeID is the caller's event id
// (a billing webhook's change id, typically) and doubles as the idempotency
// key: replaying a delivered change returns the recorded SubscriptionChange
// without mutating the balance, and a replay whose parameters disagree with
// the recorded change is rejected with ErrDuplicateReference. An empty
// changeID mints a fresh id and opts out of replay protection.
//
// Upgrades and downgrades prorate the entitlement difference over the
// remaining days; new subscriptions and renewals grant the full target
// entitlement; cancel records the transition without touching the balance. A
// downgrade whose clawback exceeds the current balance collects what is
// available and records the shortfall — the change itself never fails for
// lack of funds.
func (grantor *SubscriptionGrantor) ApplyChange(ctx context.Context, changeID string, userID string, action SubscriptionAction, fromTier string, toTier string, daysRemaining int) (SubscriptionChange, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return SubscriptionChange{}, err
	}
	if daysRemaining < 0 || daysRemaining > grantor.schedule.PeriodDays {
		return SubscriptionChange{}, fmt.Errorf("%w: days remaining %d outside period of %d days", ErrInvalidPeriod, daysRemaining, grantor.schedule.PeriodDays)
	}
	if changeID == "" {
		changeID = uuid.NewString()
	} else {
		recorded, found, err := grantor.store.FindSubscriptionChange(ctx, changeID)
		if err != nil {
			return SubscriptionChange{}, err
		}
		if found {
			if recorded.Action != action || recorded.FromTier != fromTier || recorded.ToTier != toTier || recorded.DaysRemaining != daysRemaining {
				return SubscriptionChange{}, fmt.Errorf("%w: change %q already applied with different parameters", ErrDuplicateReference, changeID)
			}
			return recorded, nil
		}
	}

	change := SubscriptionChange{
		ChangeID:       changeID,
		Action:         action,
		FromTier:       fromTier,
		ToTier:         toTier,
		DaysRemaining:  daysRemaining,
		PeriodDays:     grantor.schedule.PeriodDays,
		CreatedUnixUTC: grantor.nowFn(),
	}
	reference := Reference{ID: change.ChangeID, Type: ReferenceTypeSubscriptionChange}

	delta, details, err := grantor.computeDelta(action, fromTier, toTier, daysRemaining)
	if err != nil {
		return SubscriptionChange{}, err
	}
	change.CreditsDelta = delta

	entryReference := reference
	description := fmt.Sprintf("Subscription %s: %s -> %s", action, fromTier, toTier)
	switch {
	case delta > 0:
		if _, err := grantor.service.Add(ctx, normalizedUserID, delta, EntryPurchase, description, reference, Idempotent()); err != nil {
			return SubscriptionChange{}, err
		}
	case delta < 0:
		entryReference, err = grantor.clawBack(ctx, normalizedUserID, -delta, description, reference, &details)
		if err != nil {
			return SubscriptionChange{}, err
		}
	}

	account, err := grantor.store.GetAccount(ctx, normalizedUserID)
	if err != nil {
		return SubscriptionChange{}, err
	}
	change.AccountID = account.AccountID

	if delta != 0 && !entryReference.IsZero() {
		entry, found, err := grantor.service.FindEntry(ctx, normalizedUserID, entryReference)
		if err != nil {
			return SubscriptionChange{}, err
		}
		if found {
			change.EntryID = entry.EntryID
		}
	}

	calculation, err := json.Marshal(details)
	if err != nil {
		return SubscriptionChange{}, err
	}
	change.CalculationJSON = string(calculation)

	return grantor.store.InsertSubscriptionChange(ctx, change)
}

// computeDelta returns the signed credit delta for a transition. Proration:
// delta = daysRemaining/periodDays × (credits(to) − credits(from)), with the
// magnitude truncated toward zero so a user is never granted more, nor clawed
// back more, than the prorated entitlement.
func (grantor *SubscriptionGrantor) computeDelta(action SubscriptionAction, fromTier string, toTier string, daysRemaining int) (AmountCredits, prorationDetails, error) {
	details := prorationDetails{
		DaysRemaining: daysRemaining,
		PeriodDays:    grantor.schedule.PeriodDays,
	}
	switch action {
	case SubscriptionNew, SubscriptionRenewal:
		toCredits, err := grantor.schedule.Credits(toTier)
		if err != nil {
			return 0, details, err
		}
		details.ToCredits = toCredits.Int64()
		details.RawDelta = decimal.NewFromInt(toCredits.Int64()).String()
		details.RoundedDelta = toCredits.Int64()
		return toCredits, details, nil
	case SubscriptionCancel:
		details.RawDelta = "0"
		return 0, details, nil
	case SubscriptionUpgrade, SubscriptionDowngrade:
		fromCredits, err := grantor.schedule.Credits(fromTier)
		if err != nil {
			return 0, details, err
		}
		toCredits, err := grantor.schedule.Credits(toTier)
		if err != nil {
			return 0, details, err
		}
		details.FromCredits = fromCredits.Int64()
		details.ToCredits = toCredits.Int64()
		raw := decimal.NewFromInt(int64(daysRemaining)).
			Div(decimal.NewFromInt(int64(grantor.schedule.PeriodDays))).
			Mul(decimal.NewFromInt(toCredits.Int64() - fromCredits.Int64()))
		details.RawDelta = raw.String()
		rounded := raw.IntPart()
		details.RoundedDelta = rounded
		return AmountCredits(rounded), details, nil
	default:
		return 0, details, fmt.Errorf("%w: unknown action %q", ErrInvalidTier, action)
	}
}

// clawBack debits a downgrade's delta, falling back to a partial collection
// when the balance is short. Returns the reference the written entry carries,
// or the zero reference when nothing could be collected.
func (grantor *SubscriptionGrantor) clawBack(ctx context.Context, userID string, debit AmountCredits, description string, reference Reference, details *prorationDetails) (Reference, error) {
	partialReference := reference.Derive(clawbackSuffixPartial)
	if entry, found, err := grantor.service.FindEntry(ctx, userID, partialReference); err != nil {
		return Reference{}, err
	} else if found {
		// A previous attempt already collected what it could. entry.Amount is
		// the negative collected amount.
		details.Shortfall = debit.Int64() + entry.Amount.Int64()
		return partialReference, nil
	}
	_, err := grantor.service.Consume(ctx, userID, debit, description, reference, Idempotent())
	if err == nil {
		return reference, nil
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		return Reference{}, err
	}
	account, err := grantor.store.GetAccount(ctx, userID)
	if err != nil {
		return Reference{}, err
	}
	if account.Balance <= 0 {
		details.Shortfall = debit.Int64()
		return Reference{}, nil
	}
	if _, err := grantor.service.Consume(ctx, userID, account.Balance, description, partialReference, Idempotent()); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			// Lost the race against a concurrent spend; record the full shortfall.
			details.Shortfall = debit.Int64()
			return Reference{}, nil
		}
		return Reference{}, err
	}
	details.Shortfall = debit.Int64() - account.Balance.Int64()
	return partialReference, nil
}
