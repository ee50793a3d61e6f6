package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ownerRunLockType = "recurring_run"

// DueTemplate pairs a template with the advancer's decision for it.
type DueTemplate struct {
	Template models.RecurringTransaction
	Decision ScheduleDecision
}

// RunReport summarizes one batch run.
type RunReport struct {
	Owners         int       `json:"owners"`
	Templates      int       `json:"templates"`
	Posted         int       `json:"posted"`
	Skipped        int       `json:"skipped"`
	Duplicates     int       `json:"duplicates"`
	Failed         int       `json:"failed"`
	LockTimeouts   int       `json:"lock_timeouts"`
	HaltedAccounts []int     `json:"halted_accounts,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// GetDueTemplates enumerates the context owner's eligible templates with due
// work as of asOf and runs the advancer over each. Read-only. Templates with
// a broken cadence come back with a zero decision; the run loop records them
// failed.
func GetDueTemplates(ctx context.Context, db *gorm.DB, asOf time.Time) ([]DueTemplate, error) {
	ownerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || ownerId <= 0 {
		return nil, errors.New("user id is required")
	}
	var templates []models.RecurringTransaction
	err := db.WithContext(ctx).
		Scopes(models.OwnedBy(ownerId), models.NotDeleted).
		Where("is_active = 1").
		Where("pause_until IS NULL OR pause_until < ?", asOf).
		Where("next_due <= ?", asOf).
		Order("id ASC").Find(&templates).Error
	if err != nil {
		return nil, err
	}
	var due []DueTemplate
	for _, tpl := range templates {
		decision, err := Advance(tpl, asOf)
		if err != nil {
			due = append(due, DueTemplate{Template: tpl})
			continue
		}
		if decision.Eligible && (len(decision.Occurrences) > 0 || decision.Ended) {
			due = append(due, DueTemplate{Template: tpl, Decision: decision})
		}
	}
	return due, nil
}

// RunDue drives one batch: every active owner in turn, serialized per owner
// by a bounded redis lock. Cancellation is honored between atomic units only;
// a unit that has started always runs to completion.
func RunDue(ctx context.Context, db *gorm.DB, asOf time.Time) (*RunReport, error) {
	logger := config.GetLogger()
	report := &RunReport{StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	ownerIds, err := models.ListActiveOwnerIds(db.WithContext(ctx))
	if err != nil {
		return report, err
	}
	for _, ownerId := range ownerIds {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if err := runOwner(ctx, db, ownerId, asOf, report); err != nil {
			if errors.Is(err, utils.ErrLockTimeout) {
				report.LockTimeouts++
				continue
			}
			config.LogError(logger, moduleName, "RunDue", "owner batch failed", ownerId, err)
			report.Failed++
			continue
		}
		report.Owners++
	}
	return report, nil
}

func runOwner(ctx context.Context, db *gorm.DB, ownerId int, asOf time.Time, report *RunReport) error {
	ownerCtx := utils.SetUserIdInContext(ctx, ownerId)
	ownerCtx = utils.SetCorrelationIdInContext(ownerCtx, uuid.NewString())

	release, err := utils.OwnerLock(ownerCtx, ownerId, ownerRunLockType, moduleName, "runOwner")
	if err != nil {
		return err
	}
	defer release()

	due, err := GetDueTemplates(ownerCtx, db, asOf)
	if err != nil {
		return err
	}
	// Accounts that tripped the drift check this run: posting to them halts
	// until an operator reconciles, so later templates fail fast.
	halted := map[int]bool{}
	for _, item := range due {
		if ctx.Err() != nil {
			report.Cancelled = true
			return nil
		}
		report.Templates++
		runTemplate(ownerCtx, db, item, halted, report)
	}
	for accountId := range halted {
		report.HaltedAccounts = append(report.HaltedAccounts, accountId)
	}
	return nil
}

func runTemplate(ctx context.Context, db *gorm.DB, item DueTemplate, halted map[int]bool, report *RunReport) {
	logger := config.GetLogger()
	tpl := item.Template
	decision := item.Decision

	if !decision.Eligible {
		// Advancer rejected the cadence: fatal to this template only.
		err := fmt.Errorf("template %d: %w", tpl.ID, utils.ErrInvalidCadence)
		if logErr := recordFailure(ctx, db, tpl, tpl.NextDue, err); logErr != nil {
			config.LogError(logger, moduleName, "runTemplate", "cadence failure log write failed", tpl.ID, logErr)
		}
		report.Failed++
		return
	}

	accountIds, refErr := resolveAccountRef(tpl, AccountRef{})

	for i, occ := range decision.Occurrences {
		if ctx.Err() != nil {
			report.Cancelled = true
			return
		}
		update := updateForOccurrence(decision, i)

		if occ.Skipped {
			result, err := PostSkip(ctx, db, tpl, occ.Due, occ.Message, update)
			if err != nil {
				config.LogError(logger, moduleName, "runTemplate", "skip failed", tpl.ID, err)
				report.Failed++
				return
			}
			if result.Duplicate {
				report.Duplicates++
			} else {
				report.Skipped++
			}
			continue
		}

		if refErr != nil {
			if logErr := recordFailure(ctx, db, tpl, occ.Due, refErr); logErr != nil {
				config.LogError(logger, moduleName, "runTemplate", "failure log write failed", tpl.ID, logErr)
			}
			report.Failed++
			return
		}
		if blocked := haltedAccount(accountIds, halted); blocked != 0 {
			err := fmt.Errorf("account %d halted this run: %w", blocked, utils.ErrBalanceDrift)
			if logErr := recordFailure(ctx, db, tpl, occ.Due, err); logErr != nil {
				config.LogError(logger, moduleName, "runTemplate", "failure log write failed", tpl.ID, logErr)
			}
			report.Failed++
			return
		}

		result, err := Post(ctx, db, tpl, occ.Due, AccountRef{}, update, DefaultBalancePolicy)
		if err != nil {
			if errors.Is(err, utils.ErrBalanceDrift) {
				for _, id := range accountIds {
					halted[id] = true
				}
			}
			report.Failed++
			return
		}
		if result.Duplicate {
			report.Duplicates++
		} else {
			report.Posted++
		}
	}

	if decision.Ended {
		if err := db.WithContext(ctx).Model(&models.RecurringTransaction{}).
			Where("id = ?", tpl.ID).Update("is_active", false).Error; err != nil {
			config.LogError(logger, moduleName, "runTemplate", "deactivating ended template failed", tpl.ID, err)
		}
	}
}

// updateForOccurrence yields the template state unit i persists: NextDue
// moves to the following occurrence's due, or to the decision's final NextDue
// on the last unit. This keeps the schedule consistent even if the batch dies
// midway: remaining occurrences are still due on the next run.
func updateForOccurrence(decision ScheduleDecision, i int) TemplateUpdate {
	update := TemplateUpdate{
		NextDue:       decision.NextDue,
		ClearSkipNext: decision.Occurrences[i].ConsumesSkip,
	}
	if i+1 < len(decision.Occurrences) {
		update.NextDue = decision.Occurrences[i+1].Due
	}
	return update
}

func haltedAccount(accountIds []int, halted map[int]bool) int {
	for _, id := range accountIds {
		if halted[id] {
			return id
		}
	}
	return 0
}
