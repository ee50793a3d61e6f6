package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountLog is the append-only balance history of an account. Rows are never
// updated or deleted; the reconciler replays them against the transaction
// ledger.
type AccountLog struct {
	ID            int             `gorm:"primary_key" json:"id"`
	AccountId     int             `gorm:"index;not null" json:"account_id"`
	OwnerId       int             `gorm:"index;not null" json:"owner_id"`
	Action        string          `gorm:"size:50;not null" json:"action"`
	TransactionId *int            `gorm:"index" json:"transaction_id"`
	OldBalance    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"old_balance"`
	NewBalance    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_balance"`
	ChangeAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"change_amount"`
	NewValues     *string         `gorm:"type:json" json:"new_values"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountLog) TableName() string { return "account_logs" }

func AppendAccountLog(tx *gorm.DB, log AccountLog) error {
	return tx.Create(&log).Error
}

func ListAccountLogs(tx *gorm.DB, accountId int, limit int) ([]AccountLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []AccountLog
	err := tx.Where("account_id = ?", accountId).
		Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
