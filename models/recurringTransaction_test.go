package models

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/shopspring/decimal"
)

func validTemplate() RecurringTransaction {
	accountId := 1
	return RecurringTransaction{
		OwnerId:         1,
		Name:            "Rent",
		Amount:          decimal.NewFromInt(500),
		TransactionType: TransactionTypeExpense,
		AccountId:       &accountId,
		Frequency:       FrequencyMonthly,
		IntervalValue:   1,
		StartDate:       time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		MaxMissedRuns:   DefaultMaxMissedRuns,
	}
}

func TestRecurringTransaction_Validate(t *testing.T) {
	tpl := validTemplate()
	if err := tpl.Validate(); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}

	tpl = validTemplate()
	tpl.IntervalValue = 0
	if err := tpl.Validate(); !errors.Is(err, utils.ErrInvalidCadence) {
		t.Fatalf("expected ErrInvalidCadence, got %v", err)
	}

	tpl = validTemplate()
	tpl.Frequency = "hourly"
	if err := tpl.Validate(); !errors.Is(err, utils.ErrInvalidCadence) {
		t.Fatalf("expected ErrInvalidCadence for unknown frequency, got %v", err)
	}

	tpl = validTemplate()
	tpl.Amount = decimal.NewFromInt(-10)
	if err := tpl.Validate(); err == nil {
		t.Fatal("negative amount must be rejected")
	}

	tpl = validTemplate()
	tpl.AccountId = nil
	if err := tpl.Validate(); err == nil {
		t.Fatal("non-transfer template without an account must be rejected")
	}
}

func TestRecurringTransaction_ValidateTransfer(t *testing.T) {
	src, dst := 1, 2
	tpl := validTemplate()
	tpl.TransactionType = TransactionTypeTransfer
	tpl.AccountId = nil
	tpl.SourceAccountId = &src
	tpl.DestinationAccountId = &dst
	if err := tpl.Validate(); err != nil {
		t.Fatalf("valid transfer template rejected: %v", err)
	}

	tpl.DestinationAccountId = &src
	if err := tpl.Validate(); err == nil {
		t.Fatal("transfer onto the same account must be rejected")
	}

	tpl.DestinationAccountId = nil
	if err := tpl.Validate(); err == nil {
		t.Fatal("transfer without both accounts must be rejected")
	}
}

func TestMakePostingKey_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	local := time.Date(2024, time.January, 15, 7, 0, 0, 0, loc)
	utc := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	if MakePostingKey(9, local) != MakePostingKey(9, utc) {
		t.Fatal("the posting key must be timezone independent")
	}
	if MakePostingKey(9, utc) == MakePostingKey(10, utc) {
		t.Fatal("different templates must never share a posting key")
	}
	if MakePostingKey(9, utc) == MakePostingKey(9, utc.AddDate(0, 1, 0)) {
		t.Fatal("different occurrences must never share a posting key")
	}
}
