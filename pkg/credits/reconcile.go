package credits

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Auditor recomputes each account's expected balance from its ledger history
// and flags accounts whose stored balance disagrees. Scans only read; drift is
// reported, never silently corrected. CorrectDrift is the separate, explicitly
// invoked repair path.
type Auditor struct {
	store        Store
	initialGrant AmountCredits
	nowFn        func() int64
	logger       *zap.Logger
}

// NewAuditor wires an Auditor. The initial grant must match the service
// configuration, since created accounts start above zero without a ledger
// entry.
func NewAuditor(store Store, initialGrant AmountCredits, now func() int64, logger *zap.Logger) (*Auditor, error) {
	if store == nil {
		return nil, WrapError(operationAudit, "config", "nil_store", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, WrapError(operationAudit, "config", "nil_clock", ErrInvalidServiceConfig)
	}
	if initialGrant < 0 {
		return nil, WrapError(operationAudit, "config", "negative_initial_grant", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{store: store, initialGrant: initialGrant, nowFn: now, logger: logger}, nil
}

// Audit scans every account once, lock-free, and returns the accounts whose
// stored balance drifted from the ledger. The scan is point-in-time: a
// legitimate mutation landing mid-scan can surface as transient drift, so a
// flagged account should be re-checked with Verify before anyone acts on it.
func (auditor *Auditor) Audit(ctx context.Context) ([]DriftReport, error) {
	accounts, err := auditor.store.ListAccounts(ctx)
	if err != nil {
		return nil, WrapError(operationAudit, "account", "list", err)
	}
	var reports []DriftReport
	for _, account := range accounts {
		report, drifted, err := auditor.check(ctx, account)
		if err != nil {
			return nil, err
		}
		if drifted {
			auditor.logger.Warn("reconciliation drift",
				zap.String("user_id", report.UserID),
				zap.String("account_id", report.AccountID),
				zap.Int64("expected", report.Expected.Int64()),
				zap.Int64("actual", report.Actual.Int64()),
				zap.Int64("delta", report.Delta.Int64()),
			)
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// Verify re-checks a single previously flagged account with a fresh read.
func (auditor *Auditor) Verify(ctx context.Context, userID string) (DriftReport, bool, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return DriftReport{}, false, err
	}
	account, err := auditor.store.GetAccount(ctx, normalizedUserID)
	if err != nil {
		return DriftReport{}, false, err
	}
	return auditor.check(ctx, account)
}

// CorrectDrift resets a drifted account's stored balance to the value its
// ledger implies and writes a zero-amount adjustment entry marking the
// correction. The re-check runs under the account's row lock, so a legitimate
// mutation landing after the drift was reported turns the call into a no-op.
// Returns the drift that was corrected and whether a correction was applied.
func (auditor *Auditor) CorrectDrift(ctx context.Context, userID string) (DriftReport, bool, error) {
	normalizedUserID, err := NewUserID(userID)
	if err != nil {
		return DriftReport{}, false, err
	}
	var report DriftReport
	corrected := false
	err = auditor.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccountForUpdate(ctx, normalizedUserID)
		if err != nil {
			return err
		}
		sum, err := transactionStore.SumEntries(ctx, account.AccountID)
		if err != nil {
			return WrapError(operationAudit, "ledger", "sum", err)
		}
		expected := auditor.initialGrant + sum
		if expected == account.Balance {
			return nil
		}
		nowUnixUTC := auditor.nowFn()
		report = DriftReport{
			AccountID:       account.AccountID,
			UserID:          account.UserID,
			Expected:        expected,
			Actual:          account.Balance,
			Delta:           account.Balance - expected,
			ObservedUnixUTC: nowUnixUTC,
		}
		entry := Entry{
			AccountID:      account.AccountID,
			Type:           EntryAdjustment,
			Amount:         0,
			BalanceBefore:  account.Balance,
			BalanceAfter:   expected,
			Description:    fmt.Sprintf("reconciliation correction: %+d", -report.Delta.Int64()),
			ReferenceID:    fmt.Sprintf("%s%s%d", account.AccountID, referenceDelimiter, nowUnixUTC),
			ReferenceType:  ReferenceTypeReconciliation,
			CreatedUnixUTC: nowUnixUTC,
		}
		if _, err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return WrapError(operationAudit, "ledger", "correction", err)
		}
		if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, expected, account.LifetimeEarned, account.LifetimeSpent, nowUnixUTC); err != nil {
			return WrapError(operationAudit, "account", "correction", err)
		}
		corrected = true
		return nil
	})
	if err != nil {
		return DriftReport{}, false, err
	}
	if corrected {
		auditor.logger.Warn("reconciliation correction applied",
			zap.String("user_id", report.UserID),
			zap.String("account_id", report.AccountID),
			zap.Int64("expected", report.Expected.Int64()),
			zap.Int64("actual", report.Actual.Int64()),
		)
	}
	return report, corrected, nil
}

// Run audits on a fixed interval until the context is cancelled.
func (auditor *Auditor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reports, err := auditor.Audit(ctx)
			if err != nil {
				auditor.logger.Error("reconciliation scan failed", zap.Error(err))
				continue
			}
			auditor.logger.Info("reconciliation scan complete", zap.Int("drifted_accounts", len(reports)))
		}
	}
}

func (auditor *Auditor) check(ctx context.Context, account Account) (DriftReport, bool, error) {
	sum, err := auditor.store.SumEntries(ctx, account.AccountID)
	if err != nil {
		return DriftReport{}, false, WrapError(operationAudit, "ledger", "sum", err)
	}
	expected := auditor.initialGrant + sum
	if expected == account.Balance {
		return DriftReport{}, false, nil
	}
	return DriftReport{
		AccountID:       account.AccountID,
		UserID:          account.UserID,
		Expected:        expected,
		Actual:          account.Balance,
		Delta:           account.Balance - expected,
		ObservedUnixUTC: auditor.nowFn(),
	}, true, nil
}
