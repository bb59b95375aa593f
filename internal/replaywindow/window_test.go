package replaywindow

import "testing"

func TestAcceptsInOrder(t *testing.T) {
	w := New(0)
	for seq := uint64(1); seq <= 5; seq++ {
		if !w.Accept(seq) {
			t.Fatalf("seq %d unexpectedly rejected", seq)
		}
	}
}

func TestReorderWithinWindowAllAccepted(t *testing.T) {
	w := New(0)
	order := []uint64{1, 3, 2, 5, 4}
	for _, seq := range order {
		if !w.Accept(seq) {
			t.Fatalf("seq %d unexpectedly rejected", seq)
		}
	}
	if w.Highest() != 5 {
		t.Fatalf("highest = %d, want 5", w.Highest())
	}
}

func TestReplayOfAcceptedSequenceRejected(t *testing.T) {
	w := New(0)
	for _, seq := range []uint64{1, 2, 3, 4, 5} {
		if !w.Accept(seq) {
			t.Fatalf("seq %d unexpectedly rejected", seq)
		}
	}
	if w.Accept(2) {
		t.Fatal("replay of seq 2 was accepted")
	}
	// The unrelated state must be unaffected: 6 should still be new.
	if !w.Accept(6) {
		t.Fatal("seq 6 unexpectedly rejected after a replay check")
	}
}

func TestBelowWindowFloorRejected(t *testing.T) {
	w := New(4)
	for _, seq := range []uint64{10, 11, 12, 13} {
		if !w.Accept(seq) {
			t.Fatalf("seq %d unexpectedly rejected", seq)
		}
	}
	if w.Floor() != 10 {
		t.Fatalf("floor = %d, want 10", w.Floor())
	}
	if w.Accept(9) {
		t.Fatal("seq below floor was accepted")
	}
	if w.Accept(10) {
		t.Fatal("replay of floor seq was accepted")
	}
}

func TestLargeForwardJumpAdvancesWindow(t *testing.T) {
	w := New(8)
	if !w.Accept(1) {
		t.Fatal("seq 1 rejected")
	}
	if !w.Accept(1000) {
		t.Fatal("large forward jump rejected")
	}
	if w.Accept(1) {
		t.Fatal("old seq accepted again after window advanced past it")
	}
	if w.Floor() != 993 {
		t.Fatalf("floor = %d, want 993", w.Floor())
	}
}

func TestDuplicateOutOfOrderRejectedOnSecondDelivery(t *testing.T) {
	w := New(0)
	if !w.Accept(5) {
		t.Fatal("seq 5 rejected")
	}
	if !w.Accept(3) {
		t.Fatal("seq 3 rejected")
	}
	if w.Accept(3) {
		t.Fatal("duplicate seq 3 accepted")
	}
}

func TestCheckDoesNotMutateOnFailedVerification(t *testing.T) {
	w := New(0)
	w.Commit(1)
	w.Commit(2)
	if !w.Check(5) {
		t.Fatal("seq 5 should pass Check before verification")
	}
	// Simulate AEAD verification failing: do not Commit.
	if w.Highest() != 2 {
		t.Fatalf("highest advanced despite no Commit: got %d, want 2", w.Highest())
	}
	// The genuine seq=3 must still be acceptable afterwards.
	if !w.Check(3) {
		t.Fatal("seq 3 should still be acceptable after an uncommitted check")
	}
}

func TestFloorBeforeAnyAcceptIsZero(t *testing.T) {
	w := New(0)
	if w.Floor() != 0 {
		t.Fatalf("floor = %d, want 0", w.Floor())
	}
}
