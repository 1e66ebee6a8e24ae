package credits

const (
	operationConsume  = "consume"
	operationAdd      = "add"
	operationTransfer = "transfer"
	operationAudit    = "audit"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	referenceDelimiter = ":"

	defaultLeaderboardLimit = 10

	transferSuffixOut     = "out"
	transferSuffixIn      = "in"
	clawbackSuffixPartial = "partial"
	referralSuffixInviter = "inviter"
	referralSuffixInvitee = "invitee"

	// Reference types written by the dispatchers in this package.
	ReferenceTypeReferral           = "referral"
	ReferenceTypeSignupBonus        = "signup_bonus"
	ReferenceTypeSubscriptionChange = "subscription_change"
	ReferenceTypeReconciliation     = "reconciliation"
	ReferenceTypeTransfer           = "transfer"
)
