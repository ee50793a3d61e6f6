package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RecurringLog is the append-only run history of a template: exactly one row
// per attempted occurrence. PostingKey ("<recurring_id>:<due RFC3339>") is
// set on generated and skipped rows; its unique index is the posting
// idempotency barrier (a racing duplicate insert dies on MySQL error 1062).
// Failed rows carry no key so the occurrence stays retryable.
type RecurringLog struct {
	ID                  int                `gorm:"primary_key" json:"id"`
	OwnerId             int                `gorm:"index;not null" json:"owner_id"`
	RecurringId         int                `gorm:"index;not null" json:"recurring_id"`
	RunDate             time.Time          `gorm:"not null" json:"run_date"`
	OccurrenceDue       time.Time          `gorm:"not null" json:"occurrence_due"`
	AmountUsed          decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"amount_used"`
	Status              RecurringLogStatus `gorm:"type:enum('generated','skipped','failed');not null" json:"status"`
	OverrideUsed        *bool              `gorm:"not null;default:false" json:"override_used"`
	PostedTransactionId *int               `gorm:"index" json:"posted_transaction_id"`
	Message             string             `gorm:"size:500" json:"message"`
	PostingKey          *string            `gorm:"size:80;uniqueIndex" json:"-"`
	CreatedAt           time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
}

func (RecurringLog) TableName() string { return "recurring_logs" }

// MakePostingKey builds the idempotency key for one occurrence of one
// template. Due timestamps are normalized to UTC so the key is stable across
// runner timezones.
func MakePostingKey(recurringId int, occurrenceDue time.Time) string {
	return fmt.Sprintf("%d:%s", recurringId, occurrenceDue.UTC().Format(time.RFC3339))
}

func AppendRecurringLog(tx *gorm.DB, log RecurringLog) (*RecurringLog, error) {
	if err := tx.Create(&log).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// GetConsumedLog returns the row that consumed an occurrence (generated or
// skipped), if one exists.
func GetConsumedLog(tx *gorm.DB, recurringId int, occurrenceDue time.Time) (*RecurringLog, error) {
	key := MakePostingKey(recurringId, occurrenceDue)
	var log RecurringLog
	err := tx.Where("posting_key = ?", key).First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func ListRecurringLogs(tx *gorm.DB, recurringId int, status *RecurringLogStatus, limit int) ([]RecurringLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := tx.Where("recurring_id = ?", recurringId)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var logs []RecurringLog
	err := q.Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// IsDuplicateKeyErr reports whether err is a MySQL duplicate-entry violation
// (error 1062), the signal that another worker posted the occurrence first.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
