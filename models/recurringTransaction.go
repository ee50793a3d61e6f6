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

const DefaultMaxMissedRuns = 12

// RecurringTransaction is a posting template: cadence plus the shape of the
// transaction it generates. NextDue/LastRun/LastRunStatus are owned by the
// posting engine; the scheduler operations below touch the control fields
// (pause, skip, override) only.
type RecurringTransaction struct {
	ID                   int              `gorm:"primary_key" json:"id"`
	OwnerId              int              `gorm:"index;not null" json:"owner_id"`
	IsGlobal             *bool            `gorm:"not null;default:false" json:"is_global"`
	Name                 string           `gorm:"size:150;not null" json:"name" binding:"required"`
	Notes                string           `gorm:"size:500" json:"notes"`
	Amount               decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount"`
	TransactionType      TransactionType  `gorm:"type:enum('income','expense','transfer','debts');not null" json:"transaction_type"`
	PaymentMethod        PaymentMethod    `gorm:"type:enum('cash','bank_transfer','card','mobile_money','other');not null;default:'cash'" json:"payment_method"`
	CategoryId           *int             `gorm:"index" json:"category_id"`
	AccountId            *int             `gorm:"index" json:"account_id"`
	SourceAccountId      *int             `gorm:"index" json:"source_account_id"`
	DestinationAccountId *int             `gorm:"index" json:"destination_account_id"`
	Frequency            Frequency        `gorm:"type:enum('daily','weekly','monthly','yearly');not null" json:"frequency"`
	IntervalValue        int              `gorm:"not null;default:1" json:"interval_value"`
	StartDate            time.Time        `gorm:"not null" json:"start_date"`
	NextDue              time.Time        `gorm:"not null;index" json:"next_due"`
	EndDate              *time.Time       `json:"end_date"`
	LastRun              *time.Time       `json:"last_run"`
	LastRunStatus        *RunStatus       `gorm:"type:enum('success','skipped','failed')" json:"last_run_status"`
	MaxMissedRuns        int              `gorm:"not null;default:12" json:"max_missed_runs"`
	PauseUntil           *time.Time       `json:"pause_until"`
	SkipNext             *bool            `gorm:"not null;default:false" json:"skip_next"`
	OverrideAmount       *decimal.Decimal `gorm:"type:decimal(20,4)" json:"override_amount"`
	IsActive             *bool            `gorm:"not null;default:true" json:"is_active"`
	IsDeleted            *bool            `gorm:"not null;default:false;index" json:"is_deleted"`
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RecurringTransaction) TableName() string { return "recurring_transactions" }

type NewRecurringTransaction struct {
	Name                 string           `json:"name" binding:"required"`
	Notes                string           `json:"notes"`
	Amount               decimal.Decimal  `json:"amount" binding:"required"`
	TransactionType      TransactionType  `json:"transaction_type" binding:"required"`
	PaymentMethod        PaymentMethod    `json:"payment_method"`
	CategoryId           *int             `json:"category_id"`
	AccountId            *int             `json:"account_id"`
	SourceAccountId      *int             `json:"source_account_id"`
	DestinationAccountId *int             `json:"destination_account_id"`
	Frequency            Frequency        `json:"frequency" binding:"required"`
	IntervalValue        int              `json:"interval_value"`
	StartDate            time.Time        `json:"start_date" binding:"required"`
	EndDate              *time.Time       `json:"end_date"`
	MaxMissedRuns        *int             `json:"max_missed_runs"`
	OverrideAmount       *decimal.Decimal `json:"override_amount"`
}

// Validate checks cadence and the account references the transaction type
// requires: income/expense/debts want AccountId, transfer wants distinct
// source and destination.
func (r *RecurringTransaction) Validate() error {
	if !r.Frequency.Valid() || r.IntervalValue <= 0 {
		return fmt.Errorf("frequency=%q interval=%d: %w", r.Frequency, r.IntervalValue, utils.ErrInvalidCadence)
	}
	if !r.TransactionType.Valid() {
		return fmt.Errorf("%q: %w", r.TransactionType, ErrUnknownTransactionType)
	}
	if r.Amount.IsNegative() {
		return errors.New("amount must not be negative")
	}
	if r.TransactionType == TransactionTypeTransfer {
		if r.SourceAccountId == nil || r.DestinationAccountId == nil {
			return errors.New("transfer template needs source and destination accounts")
		}
		if *r.SourceAccountId == *r.DestinationAccountId {
			return errors.New("transfer source and destination must differ")
		}
	} else if r.AccountId == nil {
		return errors.New("template needs an account")
	}
	if r.MaxMissedRuns <= 0 {
		return errors.New("max missed runs must be positive")
	}
	return nil
}

func CreateRecurringTransaction(ctx context.Context, tx *gorm.DB, input NewRecurringTransaction) (*RecurringTransaction, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	if err := ValidateInput(input); err != nil {
		return nil, err
	}
	interval := input.IntervalValue
	if interval == 0 {
		interval = 1
	}
	maxMissed := DefaultMaxMissedRuns
	if input.MaxMissedRuns != nil {
		maxMissed = *input.MaxMissedRuns
	}
	paymentMethod := input.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = PaymentMethodCash
	}
	template := RecurringTransaction{
		OwnerId:              ownerId,
		Name:                 input.Name,
		Notes:                input.Notes,
		Amount:               input.Amount,
		TransactionType:      input.TransactionType,
		PaymentMethod:        paymentMethod,
		CategoryId:           input.CategoryId,
		AccountId:            input.AccountId,
		SourceAccountId:      input.SourceAccountId,
		DestinationAccountId: input.DestinationAccountId,
		Frequency:            input.Frequency,
		IntervalValue:        interval,
		StartDate:            input.StartDate,
		NextDue:              input.StartDate,
		EndDate:              input.EndDate,
		MaxMissedRuns:        maxMissed,
		OverrideAmount:       input.OverrideAmount,
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if err := tx.Create(&template).Error; err != nil {
		return nil, err
	}
	if err := RecordAudit(tx.WithContext(ctx), "recurring_transactions", template.ID, AuditActionCreate, nil, template); err != nil {
		return nil, err
	}
	return &template, nil
}

func GetRecurringTransaction(ctx context.Context, tx *gorm.DB, id int) (*RecurringTransaction, error) {
	scope, err := ScopeFilter(ctx)
	if err != nil {
		return nil, err
	}
	var template RecurringTransaction
	if err := tx.Scopes(scope).First(&template, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &template, nil
}

func ListRecurringTransactions(ctx context.Context, tx *gorm.DB, includeInactive bool) ([]RecurringTransaction, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	q := tx.Scopes(VisibleTo(ownerId), NotDeleted)
	if !includeInactive {
		q = q.Where("is_active = 1")
	}
	var templates []RecurringTransaction
	err := q.Order("next_due ASC, id ASC").Find(&templates).Error
	return templates, err
}

func SoftDeleteRecurringTransaction(ctx context.Context, tx *gorm.DB, id int) error {
	before, err := lockOwnedTemplate(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Model(&RecurringTransaction{}).Where("id = ?", id).Update("is_deleted", true).Error; err != nil {
		return err
	}
	deleted := true
	after := *before
	after.IsDeleted = &deleted
	return RecordAudit(tx.WithContext(ctx), "recurring_transactions", id, AuditActionDelete, *before, after)
}

// PauseRecurringTransaction suspends scheduling. With until=nil the template
// stays paused until an explicit resume; otherwise it wakes once PauseUntil
// has passed.
func PauseRecurringTransaction(ctx context.Context, tx *gorm.DB, id int, until *time.Time) (*RecurringTransaction, error) {
	before, err := lockOwnedTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"pause_until": until}
	if until == nil {
		updates["is_active"] = false
	}
	if err := tx.Model(&RecurringTransaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	after := *before
	after.PauseUntil = until
	if until == nil {
		inactive := false
		after.IsActive = &inactive
	}
	if err := RecordAudit(tx.WithContext(ctx), "recurring_transactions", id, AuditActionUpdate, *before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

// ResumeRecurringTransaction clears any pause and reactivates the template.
// If NextDue sank far into the past while paused it is pulled forward to
// asOf, so resume never triggers a missed-run backlog.
func ResumeRecurringTransaction(ctx context.Context, tx *gorm.DB, id int, asOf time.Time) (*RecurringTransaction, error) {
	before, err := lockOwnedTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"pause_until": nil, "is_active": true}
	after := *before
	after.PauseUntil = nil
	active := true
	after.IsActive = &active
	if before.NextDue.Before(asOf) {
		updates["next_due"] = asOf
		after.NextDue = asOf
	}
	if err := tx.Model(&RecurringTransaction{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := RecordAudit(tx.WithContext(ctx), "recurring_transactions", id, AuditActionUpdate, *before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

// SkipNextOccurrence flags the next due occurrence to be consumed as skipped
// instead of posted.
func SkipNextOccurrence(ctx context.Context, tx *gorm.DB, id int) (*RecurringTransaction, error) {
	before, err := lockOwnedTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&RecurringTransaction{}).Where("id = ?", id).Update("skip_next", true).Error; err != nil {
		return nil, err
	}
	skip := true
	after := *before
	after.SkipNext = &skip
	if err := RecordAudit(tx.WithContext(ctx), "recurring_transactions", id, AuditActionUpdate, *before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

// SetOneTimeOverride sets the amount for the next posted occurrence only; the
// posting engine clears it on consumption. amount=nil cancels a pending
// override.
func SetOneTimeOverride(ctx context.Context, tx *gorm.DB, id int, amount *decimal.Decimal) (*RecurringTransaction, error) {
	if amount != nil && amount.IsNegative() {
		return nil, errors.New("override amount must not be negative")
	}
	before, err := lockOwnedTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&RecurringTransaction{}).Where("id = ?", id).Update("override_amount", amount).Error; err != nil {
		return nil, err
	}
	after := *before
	after.OverrideAmount = amount
	if err := RecordAudit(tx.WithContext(ctx), "recurring_transactions", id, AuditActionUpdate, *before, after); err != nil {
		return nil, err
	}
	return &after, nil
}

// GetUpcomingDue previews templates whose NextDue falls within daysAhead of
// asOf. Read-only, no audit row.
func GetUpcomingDue(ctx context.Context, tx *gorm.DB, asOf time.Time, daysAhead int) ([]RecurringTransaction, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	if daysAhead <= 0 {
		daysAhead = 7
	}
	horizon := asOf.AddDate(0, 0, daysAhead)
	var templates []RecurringTransaction
	err := tx.Scopes(VisibleTo(ownerId), NotDeleted).
		Where("is_active = 1").
		Where("next_due <= ?", horizon).
		Where("end_date IS NULL OR end_date >= ?", asOf).
		Order("next_due ASC, id ASC").Find(&templates).Error
	return templates, err
}

// SchedulerStatus summarizes the owner's templates for a status endpoint.
type SchedulerStatus struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Paused  int64 `json:"paused"`
	Overdue int64 `json:"overdue"`
}

func GetSchedulerStatus(ctx context.Context, tx *gorm.DB, asOf time.Time) (*SchedulerStatus, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	base := func() *gorm.DB {
		return tx.Model(&RecurringTransaction{}).Scopes(VisibleTo(ownerId), NotDeleted)
	}
	var status SchedulerStatus
	if err := base().Count(&status.Total).Error; err != nil {
		return nil, err
	}
	if err := base().Where("is_active = 1").Where("pause_until IS NULL OR pause_until < ?", asOf).Count(&status.Active).Error; err != nil {
		return nil, err
	}
	if err := base().Where("is_active = 0 OR pause_until >= ?", asOf).Count(&status.Paused).Error; err != nil {
		return nil, err
	}
	if err := base().Where("is_active = 1").
		Where("pause_until IS NULL OR pause_until < ?", asOf).
		Where("next_due <= ?", asOf).Count(&status.Overdue).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

func lockOwnedTemplate(ctx context.Context, tx *gorm.DB, id int) (*RecurringTransaction, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	var template RecurringTransaction
	if err := tx.Scopes(OwnedBy(ownerId), NotDeleted).First(&template, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &template, nil
}
