package workflow

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestUpdateForOccurrence_SequencesNextDue(t *testing.T) {
	decision := ScheduleDecision{
		Eligible: true,
		Occurrences: []DueOccurrence{
			{Due: date(2024, time.January, 15), Skipped: true, ConsumesSkip: true},
			{Due: date(2024, time.February, 15)},
			{Due: date(2024, time.March, 15)},
		},
		NextDue: date(2024, time.April, 15),
	}

	// Each unit moves NextDue to the following occurrence, so a batch that
	// dies midway leaves the remaining occurrences still due.
	first := updateForOccurrence(decision, 0)
	if !first.NextDue.Equal(date(2024, time.February, 15)) {
		t.Fatalf("unit 0 should move NextDue to the second occurrence, got %s", first.NextDue)
	}
	if !first.ClearSkipNext {
		t.Fatal("unit 0 consumed the skip flag and must clear it")
	}
	second := updateForOccurrence(decision, 1)
	if !second.NextDue.Equal(date(2024, time.March, 15)) || second.ClearSkipNext {
		t.Fatalf("unexpected unit 1 update: %+v", second)
	}
	last := updateForOccurrence(decision, 2)
	if !last.NextDue.Equal(decision.NextDue) {
		t.Fatalf("last unit should land on the decision's final NextDue, got %s", last.NextDue)
	}
}

func TestHaltedAccount(t *testing.T) {
	halted := map[int]bool{7: true}
	if got := haltedAccount([]int{3, 5}, halted); got != 0 {
		t.Fatalf("expected no halted account, got %d", got)
	}
	if got := haltedAccount([]int{3, 7}, halted); got != 7 {
		t.Fatalf("expected halted account 7, got %d", got)
	}
}

// Cancellation is honored between atomic units only: a unit that has started
// always runs to completion, not-yet-started units are left due.
func TestBatch_CancellationBetweenUnits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	units := []DueOccurrence{
		{Due: date(2024, time.January, 1)},
		{Due: date(2024, time.February, 1)},
		{Due: date(2024, time.March, 1)},
	}
	var completed int
	for i := range units {
		if ctx.Err() != nil {
			break
		}
		completed++
		if i == 0 {
			cancel()
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly the in-flight unit to finish, got %d", completed)
	}
}

// Per-owner serialization: with the owner lock held, two concurrent batch
// runs for the same owner cannot interleave their units.
func TestOwnerSerialization_NoInterleaving(t *testing.T) {
	for run := 0; run < 100; run++ {
		var ownerMu sync.Mutex
		var active, maxActive int
		var mu sync.Mutex

		var wg sync.WaitGroup
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ownerMu.Lock()
				defer ownerMu.Unlock()
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				// the owner's batch: several units back to back
				for unit := 0; unit < 5; unit++ {
				}

				mu.Lock()
				active--
				mu.Unlock()
			}()
		}
		wg.Wait()

		if maxActive != 1 {
			t.Fatalf("run=%d expected at most one active batch per owner, saw %d", run, maxActive)
		}
	}
}
