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

// Transaction is one posted ledger line. A transfer is stored as two rows:
// the out leg owns the pair (ParentTransactionId nil) and the in leg points
// back at it. Amount is always non-negative; direction carries the sign.
type Transaction struct {
	ID                  int                `gorm:"primary_key" json:"id"`
	OwnerId             int                `gorm:"index;not null" json:"owner_id"`
	IsGlobal            *bool              `gorm:"not null;default:false" json:"is_global"`
	Title               string             `gorm:"size:150;not null" json:"title" binding:"required"`
	Description         string             `gorm:"size:500" json:"description"`
	Amount              decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"amount"`
	TransactionType     TransactionType    `gorm:"type:enum('income','expense','transfer','debts');not null" json:"transaction_type"`
	PaymentMethod       PaymentMethod      `gorm:"type:enum('cash','bank_transfer','card','mobile_money','other');not null;default:'cash'" json:"payment_method"`
	TransactionDate     time.Time          `gorm:"not null;index" json:"transaction_date"`
	CategoryId          *int               `gorm:"index" json:"category_id"`
	AccountId           int                `gorm:"index;not null" json:"account_id"`
	ParentTransactionId *int               `gorm:"index" json:"parent_transaction_id"`
	TransferDirection   *TransferDirection `gorm:"type:enum('out','in')" json:"transfer_direction"`
	RecurringId         *int               `gorm:"index" json:"recurring_id"`
	OccurrenceDue       *time.Time         `json:"occurrence_due"`
	IsDeleted           *bool              `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt           time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

type TransactionFilter struct {
	AccountId       *int
	CategoryId      *int
	TransactionType *TransactionType
	RecurringId     *int
	From            *time.Time
	To              *time.Time
	IncludeDeleted  bool
	Limit           int
	Offset          int
}

func GetTransaction(ctx context.Context, tx *gorm.DB, id int) (*Transaction, error) {
	scope, err := ScopeFilter(ctx)
	if err != nil {
		return nil, err
	}
	var transaction Transaction
	if err := tx.Scopes(scope).First(&transaction, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

// GetTransferPair returns both legs of a transfer given either leg's id.
func GetTransferPair(ctx context.Context, tx *gorm.DB, id int) (out *Transaction, in *Transaction, err error) {
	leg, err := GetTransaction(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if leg.TransactionType != TransactionTypeTransfer {
		return nil, nil, fmt.Errorf("transaction %d is not a transfer", id)
	}
	rootId := leg.ID
	if leg.ParentTransactionId != nil {
		rootId = *leg.ParentTransactionId
	}
	var legs []Transaction
	if err := tx.Where("id = ? OR parent_transaction_id = ?", rootId, rootId).
		Order("id ASC").Find(&legs).Error; err != nil {
		return nil, nil, err
	}
	for i := range legs {
		if legs[i].TransferDirection == nil {
			continue
		}
		switch *legs[i].TransferDirection {
		case TransferDirectionOut:
			out = &legs[i]
		case TransferDirectionIn:
			in = &legs[i]
		}
	}
	if out == nil || in == nil {
		return nil, nil, fmt.Errorf("transfer %d is missing a leg: %w", rootId, utils.ErrorRecordNotFound)
	}
	return out, in, nil
}

func ListTransactions(ctx context.Context, tx *gorm.DB, filter TransactionFilter) ([]Transaction, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	q := tx.Scopes(VisibleTo(ownerId))
	if !filter.IncludeDeleted {
		q = q.Scopes(NotDeleted)
	}
	if filter.AccountId != nil {
		q = q.Where("account_id = ?", *filter.AccountId)
	}
	if filter.CategoryId != nil {
		q = q.Where("category_id = ?", *filter.CategoryId)
	}
	if filter.TransactionType != nil {
		q = q.Where("transaction_type = ?", *filter.TransactionType)
	}
	if filter.RecurringId != nil {
		q = q.Where("recurring_id = ?", *filter.RecurringId)
	}
	if filter.From != nil {
		q = q.Where("transaction_date >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("transaction_date < ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var transactions []Transaction
	err := q.Order("transaction_date DESC, id DESC").
		Limit(limit).Offset(filter.Offset).Find(&transactions).Error
	return transactions, err
}

// SoftDeleteTransaction marks a posted line deleted and reverses its balance
// effect. Transfers are deleted pairwise: deleting either leg reverses both.
func SoftDeleteTransaction(ctx context.Context, tx *gorm.DB, id int) error {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return errors.New("user id is required")
	}
	var row Transaction
	if err := tx.Scopes(OwnedBy(ownerId), NotDeleted).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	legs := []Transaction{row}
	if row.TransactionType == TransactionTypeTransfer {
		out, in, err := GetTransferPair(ctx, tx, id)
		if err != nil {
			return err
		}
		legs = []Transaction{*out, *in}
	}
	for _, leg := range legs {
		effect, err := legEffect(tx, leg)
		if err != nil {
			return err
		}
		if err := applyBalanceDelta(tx.WithContext(ctx), leg.AccountId, effect.Neg(), AccountLogActionDelete, &leg.ID); err != nil {
			return err
		}
		if err := tx.Model(&Transaction{}).Where("id = ?", leg.ID).Update("is_deleted", true).Error; err != nil {
			return err
		}
		deleted := true
		after := leg
		after.IsDeleted = &deleted
		if err := RecordAudit(tx.WithContext(ctx), "transactions", leg.ID, AuditActionDelete, leg, after); err != nil {
			return err
		}
	}
	return nil
}

// RestoreTransaction undoes a soft delete and re-applies the balance effect.
func RestoreTransaction(ctx context.Context, tx *gorm.DB, id int) error {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return errors.New("user id is required")
	}
	var row Transaction
	if err := tx.Scopes(OwnedBy(ownerId)).Where("is_deleted = 1").First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	legs := []Transaction{row}
	if row.TransactionType == TransactionTypeTransfer {
		rootId := row.ID
		if row.ParentTransactionId != nil {
			rootId = *row.ParentTransactionId
		}
		var pair []Transaction
		if err := tx.Where("id = ? OR parent_transaction_id = ?", rootId, rootId).
			Order("id ASC").Find(&pair).Error; err != nil {
			return err
		}
		legs = pair
	}
	for _, leg := range legs {
		effect, err := legEffect(tx, leg)
		if err != nil {
			return err
		}
		if err := applyBalanceDelta(tx.WithContext(ctx), leg.AccountId, effect, AccountLogActionRestore, &leg.ID); err != nil {
			return err
		}
		if err := tx.Model(&Transaction{}).Where("id = ?", leg.ID).Update("is_deleted", false).Error; err != nil {
			return err
		}
		restored := false
		after := leg
		after.IsDeleted = &restored
		if err := RecordAudit(tx.WithContext(ctx), "transactions", leg.ID, AuditActionRestore, leg, after); err != nil {
			return err
		}
	}
	return nil
}

func legEffect(tx *gorm.DB, leg Transaction) (decimal.Decimal, error) {
	var account Account
	if err := tx.First(&account, leg.AccountId).Error; err != nil {
		return decimal.Zero, err
	}
	if leg.TransactionType == TransactionTypeTransfer {
		if leg.TransferDirection == nil {
			return decimal.Zero, fmt.Errorf("transfer %d has no direction", leg.ID)
		}
		return TransferLegEffect(account.AccountType, *leg.TransferDirection, leg.Amount), nil
	}
	return SignedEffect(account.AccountType, leg.TransactionType, leg.Amount)
}

// applyBalanceDelta moves an account balance and appends the matching
// account_logs row. The caller holds the account lock.
func applyBalanceDelta(tx *gorm.DB, accountId int, delta decimal.Decimal, action string, transactionId *int) error {
	var account Account
	if err := tx.First(&account, accountId).Error; err != nil {
		return err
	}
	newBalance := account.Balance.Add(delta)
	if err := tx.Model(&Account{}).Where("id = ?", accountId).
		Update("balance", newBalance).Error; err != nil {
		return err
	}
	return AppendAccountLog(tx, AccountLog{
		AccountId:     accountId,
		OwnerId:       account.OwnerId,
		Action:        action,
		TransactionId: transactionId,
		OldBalance:    account.Balance,
		NewBalance:    newBalance,
		ChangeAmount:  delta,
	})
}
