package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account is a balance-bearing container. Balance is mutated only by the
// posting engine (and the explicit rebuild operation); OpeningBalance is
// immutable after creation.
//
// Invariant: Balance == OpeningBalance + sum of signed effects of every
// non-deleted posted transaction referencing the account.
type Account struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OwnerId        int             `gorm:"index;not null" json:"owner_id"`
	IsGlobal       *bool           `gorm:"not null;default:false" json:"is_global"`
	Name           string          `gorm:"size:100;not null" json:"name" binding:"required"`
	AccountType    AccountType     `gorm:"type:enum('cash','bank','wallet','mobile_money','savings','credit','other');not null;default:'cash'" json:"account_type"`
	Balance        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	OpeningBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"opening_balance"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	IsDeleted      *bool           `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	Name           string          `json:"name" binding:"required"`
	AccountType    AccountType     `json:"account_type" binding:"required"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	IsGlobal       *bool           `json:"is_global"`
}

// SignedEffect returns the balance delta a non-transfer posting applies to
// an account. Income adds, expense and debts subtract. Credit accounts hold
// the owed amount, so the sign flips: income-type postings pay the liability
// down, expense-type postings grow it.
func SignedEffect(accountType AccountType, transactionType TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	var sign int64
	switch transactionType {
	case TransactionTypeIncome:
		sign = 1
	case TransactionTypeExpense, TransactionTypeDebts:
		sign = -1
	case TransactionTypeTransfer:
		return decimal.Zero, fmt.Errorf("transfer effects are per leg: %w", ErrUnknownTransactionType)
	default:
		return decimal.Zero, fmt.Errorf("%q: %w", transactionType, ErrUnknownTransactionType)
	}
	if accountType == AccountTypeCredit {
		sign = -sign
	}
	return amount.Mul(decimal.NewFromInt(sign)), nil
}

// TransferLegEffect returns the balance delta one leg of a transfer applies.
// The out leg subtracts, the in leg adds; credit accounts invert as above.
func TransferLegEffect(accountType AccountType, direction TransferDirection, amount decimal.Decimal) decimal.Decimal {
	var sign int64 = 1
	if direction == TransferDirectionOut {
		sign = -1
	}
	if accountType == AccountTypeCredit {
		sign = -sign
	}
	return amount.Mul(decimal.NewFromInt(sign))
}

func CreateAccount(ctx context.Context, tx *gorm.DB, input NewAccount) (*Account, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	if err := ValidateInput(input); err != nil {
		return nil, err
	}
	account := Account{
		OwnerId:        ownerId,
		IsGlobal:       input.IsGlobal,
		Name:           input.Name,
		AccountType:    input.AccountType,
		Balance:        input.OpeningBalance,
		OpeningBalance: input.OpeningBalance,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, err
	}
	if err := AppendAccountLog(tx, AccountLog{
		AccountId:    account.ID,
		OwnerId:      ownerId,
		Action:       AccountLogActionCreate,
		OldBalance:   decimal.Zero,
		NewBalance:   account.Balance,
		ChangeAmount: account.Balance,
	}); err != nil {
		return nil, err
	}
	if err := RecordAudit(tx.WithContext(ctx), "accounts", account.ID, AuditActionCreate, nil, account); err != nil {
		return nil, err
	}
	return &account, nil
}

func GetAccount(ctx context.Context, tx *gorm.DB, id int) (*Account, error) {
	scope, err := ScopeFilter(ctx)
	if err != nil {
		return nil, err
	}
	var account Account
	if err := tx.Scopes(scope).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &account, nil
}

func ListAccounts(ctx context.Context, tx *gorm.DB, includeDeleted bool) ([]Account, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	q := tx.Scopes(VisibleTo(ownerId))
	if !includeDeleted {
		q = q.Scopes(NotDeleted)
	}
	var accounts []Account
	if err := q.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccount changes name/active flags only. Balance is reserved for the
// posting engine; OpeningBalance is immutable after creation.
func UpdateAccount(ctx context.Context, tx *gorm.DB, id int, name *string, isActive *bool) (*Account, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	var before Account
	if err := tx.Scopes(OwnedBy(ownerId), NotDeleted).First(&before, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	updates := map[string]interface{}{}
	if name != nil {
		updates["name"] = *name
	}
	if isActive != nil {
		updates["is_active"] = *isActive
	}
	if len(updates) == 0 {
		return &before, nil
	}
	if err := tx.Model(&Account{}).Where("id = ? AND owner_id = ?", id, ownerId).Updates(updates).Error; err != nil {
		return nil, err
	}
	var after Account
	if err := tx.First(&after, id).Error; err != nil {
		return nil, err
	}
	if err := RecordAudit(tx.WithContext(ctx), "accounts", id, AuditActionUpdate, before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

func SoftDeleteAccount(ctx context.Context, tx *gorm.DB, id int) error {
	return setAccountDeleted(ctx, tx, id, true, AuditActionDelete)
}

func RestoreAccount(ctx context.Context, tx *gorm.DB, id int) error {
	return setAccountDeleted(ctx, tx, id, false, AuditActionRestore)
}

func setAccountDeleted(ctx context.Context, tx *gorm.DB, id int, deleted bool, action AuditAction) error {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return errors.New("user id is required")
	}
	var before Account
	if err := tx.Scopes(OwnedBy(ownerId)).First(&before, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	res := tx.Model(&Account{}).Where("id = ? AND owner_id = ?", id, ownerId).Update("is_deleted", deleted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	after := before
	after.IsDeleted = &deleted
	return RecordAudit(tx.WithContext(ctx), "accounts", id, action, before, after)
}
