package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const moduleName = "workflow"

// AccountRef names the account(s) an occurrence posts to. The caller supplies
// it explicitly; nil fields fall back to the template's default refs.
// Income/expense/debts use AccountId; transfers use SourceAccountId and
// DestinationAccountId.
type AccountRef struct {
	AccountId            *int
	SourceAccountId      *int
	DestinationAccountId *int
}

// PostResult reports one consumed occurrence. For transfers Transaction is
// the out leg and TransferIn the in leg. Duplicate is set when the occurrence
// had already been consumed and the prior outcome was returned instead.
type PostResult struct {
	Transaction  *models.Transaction
	TransferIn   *models.Transaction
	RecurringLog *models.RecurringLog
	Duplicate    bool
	Skipped      bool
}

// TemplateUpdate is what the posting unit persists on the template alongside
// the ledger writes.
type TemplateUpdate struct {
	NextDue       time.Time
	ClearSkipNext bool
}

// Post materializes one due occurrence of tpl as an atomic unit: advisory
// locks (template, then accounts ascending), re-validation, Transaction
// insert(s), invariant check, balance update(s), AccountLog row(s), one
// generated RecurringLog, and the template's last_run/next_due/status. All of
// it commits together or not at all. A failure rolls everything back and
// records exactly one failed RecurringLog in its own transaction.
//
// Idempotent per (recurring id, occurrence due): re-invocation returns the
// prior outcome with Duplicate set instead of double-posting.
func Post(ctx context.Context, db *gorm.DB, tpl models.RecurringTransaction, due time.Time, ref AccountRef, update TemplateUpdate, policy BalancePolicy) (*PostResult, error) {
	logger := config.GetLogger()
	ctx = unitContext(ctx)

	if prior, err := models.GetConsumedLog(db.WithContext(ctx), tpl.ID, due); err != nil {
		return nil, err
	} else if prior != nil {
		return priorResult(db.WithContext(ctx), prior)
	}

	var result PostResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireDbLock(tx, templateLockName(tpl.ID)); err != nil {
			return err
		}
		defer releaseDbLock(tx, templateLockName(tpl.ID))

		// Second look under the lock: another worker may have consumed the
		// occurrence between the fast path and here.
		prior, err := models.GetConsumedLog(tx, tpl.ID, due)
		if err != nil {
			return err
		}
		if prior != nil {
			return fmt.Errorf("occurrence %s of template %d: %w",
				models.MakePostingKey(tpl.ID, due), tpl.ID, utils.ErrDuplicatePosting)
		}

		current, err := revalidateTemplate(tx, tpl.ID)
		if err != nil {
			return err
		}

		accountIds, err := resolveAccountRef(*current, ref)
		if err != nil {
			return err
		}
		releaseAccounts, err := lockAccounts(tx, accountIds...)
		if err != nil {
			return err
		}
		defer releaseAccounts()

		amount := current.Amount
		overrideUsed := false
		if current.OverrideAmount != nil {
			amount = *current.OverrideAmount
			overrideUsed = true
		}

		var rows []models.Transaction
		if current.TransactionType == models.TransactionTypeTransfer {
			rows, err = postTransfer(tx, *current, due, amount, accountIds[0], accountIds[1], policy)
		} else {
			rows, err = postSingle(tx, *current, due, amount, accountIds[0], policy)
		}
		if err != nil {
			return err
		}

		key := models.MakePostingKey(current.ID, due)
		log, err := models.AppendRecurringLog(tx, models.RecurringLog{
			OwnerId:             current.OwnerId,
			RecurringId:         current.ID,
			RunDate:             time.Now(),
			OccurrenceDue:       due,
			AmountUsed:          amount,
			Status:              models.RecurringLogStatusGenerated,
			OverrideUsed:        &overrideUsed,
			PostedTransactionId: &rows[0].ID,
			PostingKey:          &key,
		})
		if err != nil {
			if models.IsDuplicateKeyErr(err) {
				return fmt.Errorf("posting key %s: %w", key, utils.ErrDuplicatePosting)
			}
			return err
		}

		updates := map[string]interface{}{
			"last_run":        time.Now(),
			"last_run_status": models.RunStatusSuccess,
			"next_due":        update.NextDue,
		}
		if update.ClearSkipNext {
			updates["skip_next"] = false
		}
		if overrideUsed {
			updates["override_amount"] = nil
		}
		if err := tx.Model(&models.RecurringTransaction{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return err
		}

		// One audit row per created transaction; transfer legs share the
		// request's correlation id.
		for i := range rows {
			if err := models.RecordAudit(tx.WithContext(ctx), "transactions", rows[i].ID, models.AuditActionPost, nil, rows[i]); err != nil {
				return err
			}
		}

		result = PostResult{Transaction: &rows[0], RecurringLog: log}
		if len(rows) > 1 {
			result.TransferIn = &rows[1]
		}
		return nil
	})

	if err == nil {
		return &result, nil
	}
	if errors.Is(err, utils.ErrDuplicatePosting) {
		prior, lookupErr := models.GetConsumedLog(db.WithContext(ctx), tpl.ID, due)
		if lookupErr == nil && prior != nil {
			return priorResult(db.WithContext(ctx), prior)
		}
		return nil, err
	}

	config.LogError(logger, moduleName, "Post", "posting occurrence failed", map[string]interface{}{
		"recurring_id": tpl.ID, "occurrence_due": due,
	}, err)
	if logErr := recordFailure(ctx, db, tpl, due, err); logErr != nil {
		config.LogError(logger, moduleName, "Post", "failed-occurrence log write failed", tpl.ID, logErr)
	}
	return nil, err
}

// PostSkip consumes one occurrence as skipped: one skipped RecurringLog
// (idempotency key included, so a skip and a post can never both win) plus
// the template schedule update, no Transaction and no balance change.
func PostSkip(ctx context.Context, db *gorm.DB, tpl models.RecurringTransaction, due time.Time, message string, update TemplateUpdate) (*PostResult, error) {
	ctx = unitContext(ctx)
	var result PostResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireDbLock(tx, templateLockName(tpl.ID)); err != nil {
			return err
		}
		defer releaseDbLock(tx, templateLockName(tpl.ID))

		key := models.MakePostingKey(tpl.ID, due)
		log, err := models.AppendRecurringLog(tx, models.RecurringLog{
			OwnerId:       tpl.OwnerId,
			RecurringId:   tpl.ID,
			RunDate:       time.Now(),
			OccurrenceDue: due,
			Status:        models.RecurringLogStatusSkipped,
			Message:       message,
			PostingKey:    &key,
		})
		if err != nil {
			if models.IsDuplicateKeyErr(err) {
				return fmt.Errorf("posting key %s: %w", key, utils.ErrDuplicatePosting)
			}
			return err
		}
		updates := map[string]interface{}{
			"last_run":        time.Now(),
			"last_run_status": models.RunStatusSkipped,
			"next_due":        update.NextDue,
		}
		if update.ClearSkipNext {
			updates["skip_next"] = false
		}
		if err := tx.Model(&models.RecurringTransaction{}).Where("id = ?", tpl.ID).Updates(updates).Error; err != nil {
			return err
		}
		result = PostResult{RecurringLog: log, Skipped: true}
		return nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrDuplicatePosting) {
			prior, lookupErr := models.GetConsumedLog(db.WithContext(ctx), tpl.ID, due)
			if lookupErr == nil && prior != nil {
				return priorResult(db.WithContext(ctx), prior)
			}
		}
		return nil, err
	}
	return &result, nil
}

// revalidateTemplate reloads the template under FOR UPDATE and re-checks the
// conditions the scheduling decision was made on.
func revalidateTemplate(tx *gorm.DB, id int) (*models.RecurringTransaction, error) {
	var current models.RecurringTransaction
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if current.IsDeleted != nil && *current.IsDeleted {
		return nil, fmt.Errorf("template %d was deleted after scheduling: %w", id, utils.ErrorRecordNotFound)
	}
	if current.IsActive != nil && !*current.IsActive {
		return nil, fmt.Errorf("template %d was deactivated after scheduling", id)
	}
	return &current, nil
}

// resolveAccountRef picks the concrete account ids for this occurrence:
// explicit ref fields win, template defaults fill the gaps. Transfers return
// [source, destination]; everything else returns a single id.
func resolveAccountRef(tpl models.RecurringTransaction, ref AccountRef) ([]int, error) {
	pick := func(explicit, fallback *int) (int, bool) {
		if explicit != nil {
			return *explicit, true
		}
		if fallback != nil {
			return *fallback, true
		}
		return 0, false
	}
	if tpl.TransactionType == models.TransactionTypeTransfer {
		src, okSrc := pick(ref.SourceAccountId, tpl.SourceAccountId)
		dst, okDst := pick(ref.DestinationAccountId, tpl.DestinationAccountId)
		if !okSrc || !okDst {
			return nil, fmt.Errorf("template %d: transfer needs source and destination accounts", tpl.ID)
		}
		if src == dst {
			return nil, fmt.Errorf("template %d: transfer source and destination must differ", tpl.ID)
		}
		return []int{src, dst}, nil
	}
	id, ok := pick(ref.AccountId, tpl.AccountId)
	if !ok {
		return nil, fmt.Errorf("template %d: no target account", tpl.ID)
	}
	return []int{id}, nil
}

// loadPostableAccount fetches an account under FOR UPDATE and verifies it can
// still receive postings for this owner.
func loadPostableAccount(tx *gorm.DB, accountId int, ownerId int) (*models.Account, error) {
	var account models.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, accountId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", accountId, utils.ErrorRecordNotFound)
		}
		return nil, err
	}
	if account.IsDeleted != nil && *account.IsDeleted {
		return nil, fmt.Errorf("account %d was deleted after scheduling: %w", accountId, utils.ErrorRecordNotFound)
	}
	if account.IsActive != nil && !*account.IsActive {
		return nil, fmt.Errorf("account %d is deactivated", accountId)
	}
	isGlobal := account.IsGlobal != nil && *account.IsGlobal
	if !models.Resolve(ownerId, account.OwnerId, isGlobal) {
		return nil, fmt.Errorf("account %d: %w", accountId, utils.ErrVisibilityDenied)
	}
	if !models.CanWrite(ownerId, account.OwnerId) {
		return nil, fmt.Errorf("account %d is read-only for owner %d: %w", accountId, ownerId, utils.ErrVisibilityDenied)
	}
	return &account, nil
}

func postSingle(tx *gorm.DB, tpl models.RecurringTransaction, due time.Time, amount decimal.Decimal, accountId int, policy BalancePolicy) ([]models.Transaction, error) {
	account, err := loadPostableAccount(tx, accountId, tpl.OwnerId)
	if err != nil {
		return nil, err
	}
	effect, err := models.SignedEffect(account.AccountType, tpl.TransactionType, amount)
	if err != nil {
		return nil, err
	}
	proposed := account.Balance.Add(effect)
	if err := CheckBalance(*account, proposed, policy); err != nil {
		return nil, err
	}

	row := models.Transaction{
		OwnerId:         tpl.OwnerId,
		Title:           tpl.Name,
		Description:     tpl.Notes,
		Amount:          amount,
		TransactionType: tpl.TransactionType,
		PaymentMethod:   tpl.PaymentMethod,
		TransactionDate: due,
		CategoryId:      tpl.CategoryId,
		AccountId:       accountId,
		RecurringId:     &tpl.ID,
		OccurrenceDue:   &due,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	if err := applyEffect(tx, *account, effect, accountLogAction(tpl.TransactionType), row.ID); err != nil {
		return nil, err
	}
	return []models.Transaction{row}, nil
}

func postTransfer(tx *gorm.DB, tpl models.RecurringTransaction, due time.Time, amount decimal.Decimal, sourceId int, destinationId int, policy BalancePolicy) ([]models.Transaction, error) {
	source, err := loadPostableAccount(tx, sourceId, tpl.OwnerId)
	if err != nil {
		return nil, err
	}
	destination, err := loadPostableAccount(tx, destinationId, tpl.OwnerId)
	if err != nil {
		return nil, err
	}

	outEffect := models.TransferLegEffect(source.AccountType, models.TransferDirectionOut, amount)
	inEffect := models.TransferLegEffect(destination.AccountType, models.TransferDirectionIn, amount)
	if err := CheckBalance(*source, source.Balance.Add(outEffect), policy); err != nil {
		return nil, err
	}
	if err := CheckBalance(*destination, destination.Balance.Add(inEffect), policy); err != nil {
		return nil, err
	}

	outDir := models.TransferDirectionOut
	outLeg := models.Transaction{
		OwnerId:           tpl.OwnerId,
		Title:             tpl.Name,
		Description:       tpl.Notes,
		Amount:            amount,
		TransactionType:   models.TransactionTypeTransfer,
		PaymentMethod:     tpl.PaymentMethod,
		TransactionDate:   due,
		CategoryId:        tpl.CategoryId,
		AccountId:         sourceId,
		TransferDirection: &outDir,
		RecurringId:       &tpl.ID,
		OccurrenceDue:     &due,
	}
	if err := tx.Create(&outLeg).Error; err != nil {
		return nil, err
	}
	inDir := models.TransferDirectionIn
	inLeg := models.Transaction{
		OwnerId:             tpl.OwnerId,
		Title:               tpl.Name,
		Description:         tpl.Notes,
		Amount:              amount,
		TransactionType:     models.TransactionTypeTransfer,
		PaymentMethod:       tpl.PaymentMethod,
		TransactionDate:     due,
		CategoryId:          tpl.CategoryId,
		AccountId:           destinationId,
		ParentTransactionId: &outLeg.ID,
		TransferDirection:   &inDir,
		RecurringId:         &tpl.ID,
		OccurrenceDue:       &due,
	}
	if err := tx.Create(&inLeg).Error; err != nil {
		return nil, err
	}
	if err := applyEffect(tx, *source, outEffect, models.AccountLogActionTransferOut, outLeg.ID); err != nil {
		return nil, err
	}
	if err := applyEffect(tx, *destination, inEffect, models.AccountLogActionTransferIn, inLeg.ID); err != nil {
		return nil, err
	}
	return []models.Transaction{outLeg, inLeg}, nil
}

func applyEffect(tx *gorm.DB, account models.Account, effect decimal.Decimal, action string, transactionId int) error {
	newBalance := account.Balance.Add(effect)
	if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).
		Update("balance", newBalance).Error; err != nil {
		return err
	}
	return models.AppendAccountLog(tx, models.AccountLog{
		AccountId:     account.ID,
		OwnerId:       account.OwnerId,
		Action:        action,
		TransactionId: &transactionId,
		OldBalance:    account.Balance,
		NewBalance:    newBalance,
		ChangeAmount:  effect,
	})
}

func accountLogAction(t models.TransactionType) string {
	switch t {
	case models.TransactionTypeIncome:
		return models.AccountLogActionDepositIncome
	case models.TransactionTypeDebts:
		return models.AccountLogActionWithdrawalDebt
	default:
		return models.AccountLogActionWithdrawal
	}
}

// recordFailure writes the failed RecurringLog outside the rolled-back unit
// and marks the template's last_run_status. NextDue is left alone so the
// occurrence stays due for the next run.
func recordFailure(ctx context.Context, db *gorm.DB, tpl models.RecurringTransaction, due time.Time, cause error) error {
	ctx = unitContext(ctx)
	message := cause.Error()
	if len(message) > 500 {
		message = message[:500]
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.AppendRecurringLog(tx, models.RecurringLog{
			OwnerId:       tpl.OwnerId,
			RecurringId:   tpl.ID,
			RunDate:       time.Now(),
			OccurrenceDue: due,
			Status:        models.RecurringLogStatusFailed,
			Message:       message,
		}); err != nil {
			return err
		}
		return tx.Model(&models.RecurringTransaction{}).Where("id = ?", tpl.ID).
			Updates(map[string]interface{}{
				"last_run":        time.Now(),
				"last_run_status": models.RunStatusFailed,
			}).Error
	})
}

// unitContext detaches an atomic unit from the trigger's cancellation.
// The runner honors cancellation between units only; a unit that has started
// runs to completion so its occurrence is consumed exactly once and the
// failure log can still be written. Context values (actor, correlation id)
// keep flowing.
func unitContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// priorResult reconstructs the outcome of an already-consumed occurrence.
func priorResult(db *gorm.DB, prior *models.RecurringLog) (*PostResult, error) {
	result := PostResult{
		RecurringLog: prior,
		Duplicate:    true,
		Skipped:      prior.Status == models.RecurringLogStatusSkipped,
	}
	if prior.PostedTransactionId != nil {
		var row models.Transaction
		if err := db.First(&row, *prior.PostedTransactionId).Error; err != nil {
			return nil, err
		}
		result.Transaction = &row
		if row.TransactionType == models.TransactionTypeTransfer {
			var inLeg models.Transaction
			if err := db.Where("parent_transaction_id = ?", row.ID).First(&inLeg).Error; err == nil {
				result.TransferIn = &inLeg
			}
		}
	}
	return &result, nil
}
