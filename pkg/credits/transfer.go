package credits

import (
	"context"
	"fmt"
)

// Transfer moves credits between two accounts in one transaction. Both
// account rows are locked in ascending user-id order so that two transfers
// crossing each other cannot deadlock.
func (service *Service) Transfer(ctx context.Context, fromUserID string, toUserID string, amount AmountCredits, description string, reference Reference, options ...MutateOption) error {
	cfg := applyMutateOptions(options)
	normalizedFrom, normalizedAmount, normalizedDescription, err := validateMutation(fromUserID, amount, description)
	if err != nil {
		return err
	}
	normalizedTo, err := NewUserID(toUserID)
	if err != nil {
		return err
	}
	if normalizedFrom == normalizedTo {
		return fmt.Errorf("%w: transfer to self", ErrInvalidUserID)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		source, destination, err := service.lockTransferAccounts(ctx, transactionStore, normalizedFrom, normalizedTo)
		if err != nil {
			return err
		}
		if cfg.idempotent && !reference.IsZero() {
			_, found, err := transactionStore.FindEntryByReference(ctx, source.AccountID, reference.Derive(transferSuffixOut))
			if err != nil {
				return err
			}
			if found {
				return nil
			}
		}
		if source.Balance < normalizedAmount {
			return ErrInsufficientBalance
		}
		if _, err := service.appendEntry(ctx, transactionStore, source, EntryConsume, -normalizedAmount, normalizedDescription, reference.Derive(transferSuffixOut)); err != nil {
			return err
		}
		_, err = service.appendEntry(ctx, transactionStore, destination, EntryReward, normalizedAmount, normalizedDescription, reference.Derive(transferSuffixIn))
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationTransfer,
		UserID:      normalizedFrom,
		Amount:      normalizedAmount,
		Description: normalizedDescription,
		Reference:   reference,
		Error:       operationError,
	})
	return operationError
}

// lockTransferAccounts acquires both row locks in ascending user-id order.
// The destination account is created on first use, matching Add semantics.
func (service *Service) lockTransferAccounts(ctx context.Context, transactionStore Store, fromUserID string, toUserID string) (Account, Account, error) {
	lockSource := func() (Account, error) { return transactionStore.GetAccountForUpdate(ctx, fromUserID) }
	lockDestination := func() (Account, error) {
		return transactionStore.GetOrCreateAccount(ctx, toUserID, service.initialGrant, service.nowFn())
	}

	var source, destination Account
	var err error
	if fromUserID < toUserID {
		if source, err = lockSource(); err != nil {
			return Account{}, Account{}, err
		}
		if destination, err = lockDestination(); err != nil {
			return Account{}, Account{}, err
		}
	} else {
		if destination, err = lockDestination(); err != nil {
			return Account{}, Account{}, err
		}
		if source, err = lockSource(); err != nil {
			return Account{}, Account{}, err
		}
	}
	return source, destination, nil
}
