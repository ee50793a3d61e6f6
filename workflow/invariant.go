package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalancePolicy decides whether a proposed balance is acceptable for an
// account. Stateless.
type BalancePolicy func(account models.Account, proposed decimal.Decimal) error

// DefaultBalancePolicy allows negative balances everywhere. Asset accounts
// may legitimately overdraw; credit accounts track the owed amount, so a
// growing positive balance means growing debt and a negative one means an
// overpaid liability. Neither is blocked here.
func DefaultBalancePolicy(account models.Account, proposed decimal.Decimal) error {
	return nil
}

// NoOverdraftPolicy rejects postings that would drive a non-credit account
// below zero.
func NoOverdraftPolicy(account models.Account, proposed decimal.Decimal) error {
	if account.AccountType != models.AccountTypeCredit && proposed.IsNegative() {
		return fmt.Errorf("account %d would overdraw to %s", account.ID, proposed.String())
	}
	return nil
}

// CheckBalance validates a proposed balance against the policy. Pure.
func CheckBalance(account models.Account, proposed decimal.Decimal, policy BalancePolicy) error {
	if policy == nil {
		policy = DefaultBalancePolicy
	}
	return policy(account, proposed)
}

// computedBalance derives the invariant sum for one account: opening balance
// plus the signed effect of every non-deleted posted transaction.
func computedBalance(tx *gorm.DB, account models.Account) (decimal.Decimal, error) {
	var rows []models.Transaction
	if err := tx.Where("account_id = ? AND is_deleted = 0", account.ID).
		Order("id ASC").Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	sum := account.OpeningBalance
	for _, row := range rows {
		var effect decimal.Decimal
		var err error
		if row.TransactionType == models.TransactionTypeTransfer {
			if row.TransferDirection == nil {
				return decimal.Zero, fmt.Errorf("transfer %d has no direction", row.ID)
			}
			effect = models.TransferLegEffect(account.AccountType, *row.TransferDirection, row.Amount)
		} else {
			effect, err = models.SignedEffect(account.AccountType, row.TransactionType, row.Amount)
			if err != nil {
				return decimal.Zero, err
			}
		}
		sum = sum.Add(effect)
	}
	return sum, nil
}

// ReconcileAccount recomputes the invariant sum and compares it to the stored
// balance. A mismatch comes back as a wrapped ErrBalanceDrift carrying both
// values; the stored balance is never silently repaired.
func ReconcileAccount(ctx context.Context, db *gorm.DB, accountId int) error {
	var account models.Account
	if err := db.WithContext(ctx).First(&account, accountId).Error; err != nil {
		return err
	}
	expected, err := computedBalance(db.WithContext(ctx), account)
	if err != nil {
		return err
	}
	if !account.Balance.Equal(expected) {
		return fmt.Errorf("account %d: stored=%s computed=%s: %w",
			accountId, account.Balance.String(), expected.String(), utils.ErrBalanceDrift)
	}
	return nil
}

// DriftReport names one account whose stored balance disagrees with its
// recomputed value.
type DriftReport struct {
	AccountId int    `json:"account_id"`
	Detail    string `json:"detail"`
}

// ReconcileAllAccounts sweeps every non-deleted account and reports drift.
// Detection only; repairs go through RebuildAccountBalance.
func ReconcileAllAccounts(ctx context.Context, db *gorm.DB) ([]DriftReport, error) {
	var ids []int
	if err := db.WithContext(ctx).Model(&models.Account{}).
		Where("is_deleted = 0").Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	var drifted []DriftReport
	for _, id := range ids {
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		if err := ReconcileAccount(ctx, db, id); err != nil {
			if errors.Is(err, utils.ErrBalanceDrift) {
				drifted = append(drifted, DriftReport{AccountId: id, Detail: err.Error()})
				continue
			}
			return drifted, err
		}
	}
	return drifted, nil
}

// RebuildAccountBalance is the explicit operator remedy for drift: it
// recomputes the invariant sum under the account lock and writes it, leaving
// a balance_rebuild row in the account history. Never called automatically.
func RebuildAccountBalance(ctx context.Context, db *gorm.DB, accountId int) (decimal.Decimal, error) {
	logger := config.GetLogger()
	var rebuilt decimal.Decimal
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		release, err := lockAccounts(tx, accountId)
		if err != nil {
			return err
		}
		defer release()

		var account models.Account
		if err := tx.First(&account, accountId).Error; err != nil {
			return err
		}
		expected, err := computedBalance(tx, account)
		if err != nil {
			return err
		}
		rebuilt = expected
		if account.Balance.Equal(expected) {
			return nil
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", accountId).
			Update("balance", expected).Error; err != nil {
			return err
		}
		if err := models.AppendAccountLog(tx, models.AccountLog{
			AccountId:    accountId,
			OwnerId:      account.OwnerId,
			Action:       models.AccountLogActionBalanceRebuild,
			OldBalance:   account.Balance,
			NewBalance:   expected,
			ChangeAmount: expected.Sub(account.Balance),
		}); err != nil {
			return err
		}
		after := account
		after.Balance = expected
		return models.RecordAudit(tx.WithContext(ctx), "accounts", accountId, models.AuditActionUpdate, account, after)
	})
	if err != nil {
		config.LogError(logger, "workflow", "RebuildAccountBalance", "rebuild failed", accountId, err)
		return decimal.Zero, err
	}
	return rebuilt, nil
}
