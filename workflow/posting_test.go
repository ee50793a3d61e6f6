package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/models"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the posting
// unit's intended semantics against an in-memory ledger: durable idempotency
// per (recurring_id, occurrence_due), per-account serialization,
// all-or-nothing units. Full MySQL integration tests belong in an environment
// that can run the database.

type fakeLedger struct {
	mu        sync.Mutex
	muByAcct  map[int]*sync.Mutex
	consumed  map[string]bool
	balances  map[int]decimal.Decimal
	postings  int
	logs      int
	failedLog int
	audits    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		muByAcct: map[int]*sync.Mutex{},
		consumed: map[string]bool{},
		balances: map[int]decimal.Decimal{},
	}
}

func (l *fakeLedger) accountMu(accountId int) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.muByAcct[accountId]
	if m == nil {
		m = &sync.Mutex{}
		l.muByAcct[accountId] = m
	}
	return m
}

// post mimics one atomic posting unit: idempotency barrier first, then the
// balance mutation and log append under the account lock, or a failed log
// with no balance change when check fails.
func (l *fakeLedger) post(recurringId int, due time.Time, accountId int, effect decimal.Decimal, check func(decimal.Decimal) bool) bool {
	am := l.accountMu(accountId)
	am.Lock()
	defer am.Unlock()

	key := models.MakePostingKey(recurringId, due)
	l.mu.Lock()
	if l.consumed[key] {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	proposed := l.balanceOf(accountId).Add(effect)
	if check != nil && !check(proposed) {
		l.mu.Lock()
		l.failedLog++
		l.mu.Unlock()
		return false
	}

	l.mu.Lock()
	if l.consumed[key] {
		l.mu.Unlock()
		return false
	}
	l.consumed[key] = true
	l.balances[accountId] = proposed
	l.postings++
	l.logs++
	l.audits++
	l.mu.Unlock()
	return true
}

// transfer mimics a transfer unit: one idempotency key, two linked legs, one
// audit row per created transaction.
func (l *fakeLedger) transfer(recurringId int, due time.Time, srcId int, dstId int, amount decimal.Decimal) bool {
	key := models.MakePostingKey(recurringId, due)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumed[key] {
		return false
	}
	l.consumed[key] = true
	l.balances[srcId] = l.balances[srcId].Sub(amount)
	l.balances[dstId] = l.balances[dstId].Add(amount)
	l.postings += 2
	l.logs++
	l.audits += 2
	return true
}

func (l *fakeLedger) balanceOf(accountId int) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountId]
}

func TestPosting_DuplicateOccurrence_PostsOnce(t *testing.T) {
	ledger := newFakeLedger()
	due := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.post(1, due, 10, decimal.NewFromInt(100), nil)
		}()
	}
	wg.Wait()

	if ledger.postings != 1 {
		t.Fatalf("expected exactly 1 posting, got %d", ledger.postings)
	}
	if !ledger.balanceOf(10).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance 100, got %s", ledger.balanceOf(10))
	}
}

func TestPosting_Property_BalanceMatchesPostedSum(t *testing.T) {
	for run := 0; run < 50; run++ {
		ledger := newFakeLedger()
		base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

		var wg sync.WaitGroup
		for worker := 0; worker < 10; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// every worker replays the same 20 occurrences
				for occ := 0; occ < 20; occ++ {
					ledger.post(7, base.AddDate(0, 0, occ), 42, decimal.NewFromInt(5), nil)
				}
			}()
		}
		wg.Wait()

		if ledger.postings != 20 {
			t.Fatalf("run=%d expected 20 unique postings, got %d", run, ledger.postings)
		}
		if !ledger.balanceOf(42).Equal(decimal.NewFromInt(100)) {
			t.Fatalf("run=%d expected balance 100, got %s", run, ledger.balanceOf(42))
		}
		if ledger.logs != ledger.postings {
			t.Fatalf("run=%d every posting needs exactly one log, got %d/%d", run, ledger.logs, ledger.postings)
		}
	}
}

func TestPosting_FailedCheck_LeavesBalanceUntouched(t *testing.T) {
	ledger := newFakeLedger()
	due := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	noOverdraft := func(proposed decimal.Decimal) bool { return !proposed.IsNegative() }

	if ledger.post(3, due, 20, decimal.NewFromInt(-50), noOverdraft) {
		t.Fatal("overdrawing post should fail")
	}
	if ledger.failedLog != 1 {
		t.Fatalf("failed unit must record exactly one failed log, got %d", ledger.failedLog)
	}
	if !ledger.balanceOf(20).IsZero() {
		t.Fatalf("failed unit must not move the balance, got %s", ledger.balanceOf(20))
	}
	// The occurrence stays unconsumed: a later retry may succeed.
	if !ledger.post(3, due, 20, decimal.NewFromInt(50), noOverdraft) {
		t.Fatal("retry of a failed occurrence should post")
	}
}

func TestPosting_TransferPair_AuditsBothLegs(t *testing.T) {
	ledger := newFakeLedger()
	due := time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC)

	if !ledger.transfer(9, due, 1, 2, decimal.NewFromInt(40)) {
		t.Fatal("transfer should post")
	}
	if ledger.audits != 2 {
		t.Fatalf("each created leg needs its own audit row, got %d", ledger.audits)
	}
	if !ledger.balanceOf(1).Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("source leg must debit, got %s", ledger.balanceOf(1))
	}
	if !ledger.balanceOf(2).Equal(decimal.NewFromInt(40)) {
		t.Fatalf("destination leg must credit, got %s", ledger.balanceOf(2))
	}
	if ledger.transfer(9, due, 1, 2, decimal.NewFromInt(40)) {
		t.Fatal("replay of a consumed occurrence must not post again")
	}
	if ledger.audits != 2 {
		t.Fatalf("a duplicate must not add audit rows, got %d", ledger.audits)
	}
}

// A trigger dying mid-batch (SIGTERM, runner deadline) must not abort a unit
// that has already started: the unit detaches from the cancel signal, its
// writes commit, and context values keep flowing into the audit row.
func TestPosting_CancelAfterUnitStart_WritesStillCommit(t *testing.T) {
	ledger := newFakeLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = utils.SetCorrelationIdInContext(ctx, "run-77")
	due := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

	unit := unitContext(ctx)
	// the trigger is cancelled while the unit is in flight
	cancel()

	if err := unit.Err(); err != nil {
		t.Fatalf("started unit must not observe the trigger's cancellation, got %v", err)
	}
	if cid, _ := utils.GetCorrelationIdFromContext(unit); cid != "run-77" {
		t.Fatalf("context values must keep flowing into the unit, got %q", cid)
	}
	if !ledger.post(4, due, 30, decimal.NewFromInt(25), nil) {
		t.Fatal("started unit must run to completion")
	}
	if !ledger.balanceOf(30).Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unit writes must commit, got %s", ledger.balanceOf(30))
	}
	// the next unit sees the cancellation and does not start
	if ctx.Err() == nil {
		t.Fatal("the trigger context itself should be cancelled")
	}
}

func TestResolveAccountRef(t *testing.T) {
	accountId := 5
	srcId, dstId := 7, 8
	tpl := models.RecurringTransaction{
		ID:              1,
		TransactionType: models.TransactionTypeExpense,
		AccountId:       &accountId,
	}

	ids, err := resolveAccountRef(tpl, AccountRef{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != accountId {
		t.Fatalf("expected template default account, got %v", ids)
	}

	explicit := 9
	ids, err = resolveAccountRef(tpl, AccountRef{AccountId: &explicit})
	if err != nil {
		t.Fatal(err)
	}
	if ids[0] != explicit {
		t.Fatalf("explicit ref must win over the template default, got %v", ids)
	}

	transfer := models.RecurringTransaction{
		ID:                   2,
		TransactionType:      models.TransactionTypeTransfer,
		SourceAccountId:      &srcId,
		DestinationAccountId: &dstId,
	}
	ids, err = resolveAccountRef(transfer, AccountRef{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != srcId || ids[1] != dstId {
		t.Fatalf("expected [source destination], got %v", ids)
	}

	same := srcId
	if _, err := resolveAccountRef(transfer, AccountRef{DestinationAccountId: &same}); err == nil {
		t.Fatal("same source and destination must be rejected")
	}

	if _, err := resolveAccountRef(models.RecurringTransaction{ID: 3, TransactionType: models.TransactionTypeIncome}, AccountRef{}); err == nil {
		t.Fatal("missing account ref must be rejected")
	}
}
