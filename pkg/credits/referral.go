package credits

import (
	"context"
	"fmt"
)

// ReferralDispatcher grants the inviter and invitee rewards for an accepted
// referral: two independent mutator calls sharing the referral id as their
// correlating reference. Both carry idempotent references, so replaying a
// partially applied referral credits only the missing half.
type ReferralDispatcher struct {
	service *Service
	reward  AmountCredits
}

// NewReferralDispatcher wires a dispatcher with the inviter reward amount.
// The invitee receives half.
func NewReferralDispatcher(service *Service, reward AmountCredits) (*ReferralDispatcher, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if _, err := NewAmountCredits(reward.Int64()); err != nil {
		return nil, err
	}
	return &ReferralDispatcher{service: service, reward: reward}, nil
}

// Dispatch applies both halves of one referral acceptance. Safe to call again
// after a partial failure.
func (dispatcher *ReferralDispatcher) Dispatch(ctx context.Context, referralID string, inviterUserID string, inviteeUserID string) error {
	if referralID == "" {
		return fmt.Errorf("%w: empty referral id", ErrInvalidReference)
	}
	inviterReference := Reference{ID: referralID + referenceDelimiter + referralSuffixInviter, Type: ReferenceTypeReferral}
	if _, err := dispatcher.service.Add(ctx, inviterUserID, dispatcher.reward, EntryReward, "Referral reward", inviterReference, Idempotent()); err != nil {
		return WrapError("referral", "inviter", "add", err)
	}
	inviteeReference := Reference{ID: referralID + referenceDelimiter + referralSuffixInvitee, Type: ReferenceTypeSignupBonus}
	inviteeReward := dispatcher.reward / 2
	if inviteeReward <= 0 {
		return nil
	}
	if _, err := dispatcher.service.Add(ctx, inviteeUserID, inviteeReward, EntryReward, "Referral signup bonus", inviteeReference, Idempotent()); err != nil {
		return WrapError("referral", "invitee", "add", err)
	}
	return nil
}
