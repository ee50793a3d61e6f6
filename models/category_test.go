package models

import (
	"sort"
	"testing"
)

func TestWouldCycle(t *testing.T) {
	// 1 -> 2 -> 3, 4 standalone
	parentOf := map[int]int{2: 1, 3: 2}

	if !WouldCycle(parentOf, 1, 3) {
		t.Fatal("moving a category under its own descendant must be cyclic")
	}
	if !WouldCycle(parentOf, 1, 2) {
		t.Fatal("moving a category under its direct child must be cyclic")
	}
	if WouldCycle(parentOf, 3, 1) {
		t.Fatal("moving a leaf under the root is fine")
	}
	if WouldCycle(parentOf, 3, 4) {
		t.Fatal("moving under an unrelated category is fine")
	}
	if !WouldCycle(parentOf, 2, 2) {
		t.Fatal("self-parenting must be cyclic")
	}
}

func TestWouldCycle_PreExistingLoopTerminates(t *testing.T) {
	// corrupted map: 5 <-> 6
	parentOf := map[int]int{5: 6, 6: 5}
	if !WouldCycle(parentOf, 7, 5) {
		t.Fatal("a walk that never reaches a root must be treated as cyclic")
	}
}

func TestSubtreeIds(t *testing.T) {
	//        1
	//      /   \
	//     2     3
	//    / \
	//   4   5
	parentOf := map[int]int{2: 1, 3: 1, 4: 2, 5: 2}

	got := subtreeIds(parentOf, 1)
	sort.Ints(got)
	want := []int{2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	got = subtreeIds(parentOf, 2)
	sort.Ints(got)
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected [4 5], got %v", got)
	}

	if got := subtreeIds(parentOf, 5); len(got) != 0 {
		t.Fatalf("leaf has no subtree, got %v", got)
	}
}
