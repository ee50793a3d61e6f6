package models

import "fmt"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type AccountType string

const (
	AccountTypeCash        AccountType = "cash"
	AccountTypeBank        AccountType = "bank"
	AccountTypeWallet      AccountType = "wallet"
	AccountTypeMobileMoney AccountType = "mobile_money"
	AccountTypeSavings     AccountType = "savings"
	// AccountTypeCredit tracks a liability: the balance is the owed amount.
	// Positive balance = money owed. Signed effects invert accordingly.
	AccountTypeCredit AccountType = "credit"
	AccountTypeOther  AccountType = "other"
)

type TransactionType string

const (
	TransactionTypeIncome   TransactionType = "income"
	TransactionTypeExpense  TransactionType = "expense"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeDebts    TransactionType = "debts"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeIncome, TransactionTypeExpense, TransactionTypeTransfer, TransactionTypeDebts:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodOther        PaymentMethod = "other"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// RunStatus is the template's last_run_status.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusSkipped RunStatus = "skipped"
	RunStatusFailed  RunStatus = "failed"
)

// RecurringLogStatus is the per-occurrence outcome.
type RecurringLogStatus string

const (
	RecurringLogStatusGenerated RecurringLogStatus = "generated"
	RecurringLogStatusSkipped   RecurringLogStatus = "skipped"
	RecurringLogStatusFailed    RecurringLogStatus = "failed"
)

// TransferDirection marks which leg of a transfer a transaction row is.
type TransferDirection string

const (
	TransferDirectionOut TransferDirection = "out"
	TransferDirectionIn  TransferDirection = "in"
)

type AuditAction string

const (
	AuditActionCreate  AuditAction = "CREATE"
	AuditActionUpdate  AuditAction = "UPDATE"
	AuditActionDelete  AuditAction = "DELETE"
	AuditActionRestore AuditAction = "RESTORE"
	AuditActionPost    AuditAction = "POST"
	// AuditActionAccess is the only action allowed to carry an empty
	// changed_fields set.
	AuditActionAccess AuditAction = "ACCESS"
)

// AccountLog actions.
const (
	AccountLogActionCreate         = "create"
	AccountLogActionUpdate         = "update"
	AccountLogActionDelete         = "delete"
	AccountLogActionRestore        = "restore"
	AccountLogActionDepositIncome  = "deposit_income"
	AccountLogActionWithdrawal     = "withdraw_expense"
	AccountLogActionWithdrawalDebt = "withdraw_debt"
	AccountLogActionTransferOut    = "transfer_out"
	AccountLogActionTransferIn     = "transfer_in"
	AccountLogActionBalanceRebuild = "balance_rebuild"
)

func (f Frequency) String() string { return string(f) }

func (t TransactionType) String() string { return string(t) }

var ErrUnknownTransactionType = fmt.Errorf("unknown transaction type")
