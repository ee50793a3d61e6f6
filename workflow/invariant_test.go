package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/budget_backend/models"
	"github.com/shopspring/decimal"
)

func TestCheckBalance_DefaultPolicyAllowsNegative(t *testing.T) {
	account := models.Account{ID: 1, AccountType: models.AccountTypeBank}
	if err := CheckBalance(account, decimal.NewFromInt(-500), nil); err != nil {
		t.Fatalf("default policy must allow negative balances: %v", err)
	}
}

func TestCheckBalance_NoOverdraftPolicy(t *testing.T) {
	bank := models.Account{ID: 1, AccountType: models.AccountTypeBank}
	if err := CheckBalance(bank, decimal.NewFromInt(-1), NoOverdraftPolicy); err == nil {
		t.Fatal("non-credit account must not overdraw under NoOverdraftPolicy")
	}
	if err := CheckBalance(bank, decimal.Zero, NoOverdraftPolicy); err != nil {
		t.Fatalf("zero balance is fine: %v", err)
	}

	// Credit balances track the owed amount; negative just means overpaid.
	credit := models.Account{ID: 2, AccountType: models.AccountTypeCredit}
	if err := CheckBalance(credit, decimal.NewFromInt(-100), NoOverdraftPolicy); err != nil {
		t.Fatalf("credit accounts have no overdraft floor: %v", err)
	}
}

func TestSignedEffect_CreditInversion(t *testing.T) {
	amount := decimal.NewFromInt(100)

	cases := []struct {
		accountType models.AccountType
		txType      models.TransactionType
		want        int64
	}{
		{models.AccountTypeBank, models.TransactionTypeIncome, 100},
		{models.AccountTypeBank, models.TransactionTypeExpense, -100},
		{models.AccountTypeBank, models.TransactionTypeDebts, -100},
		// credit inverts: expense grows the owed amount, income pays it down
		{models.AccountTypeCredit, models.TransactionTypeExpense, 100},
		{models.AccountTypeCredit, models.TransactionTypeIncome, -100},
	}
	for _, tc := range cases {
		got, err := models.SignedEffect(tc.accountType, tc.txType, amount)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.accountType, tc.txType, err)
		}
		if !got.Equal(decimal.NewFromInt(tc.want)) {
			t.Errorf("%s/%s: expected %d, got %s", tc.accountType, tc.txType, tc.want, got)
		}
	}

	if _, err := models.SignedEffect(models.AccountTypeBank, models.TransactionTypeTransfer, amount); err == nil {
		t.Fatal("transfers have no single signed effect")
	}
}

func TestTransferLegEffect(t *testing.T) {
	amount := decimal.NewFromInt(40)

	out := models.TransferLegEffect(models.AccountTypeBank, models.TransferDirectionOut, amount)
	if !out.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("out leg must subtract, got %s", out)
	}
	in := models.TransferLegEffect(models.AccountTypeBank, models.TransferDirectionIn, amount)
	if !in.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("in leg must add, got %s", in)
	}
	// paying a credit card: the in leg shrinks the owed amount
	creditIn := models.TransferLegEffect(models.AccountTypeCredit, models.TransferDirectionIn, amount)
	if !creditIn.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("credit in leg must reduce the liability, got %s", creditIn)
	}
	// the two legs of a same-type transfer always cancel out
	if !out.Add(in).IsZero() {
		t.Fatal("transfer legs must sum to zero across same-type accounts")
	}
}
