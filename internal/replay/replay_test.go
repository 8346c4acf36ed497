package replay

import "testing"

func TestSequentialCounters(t *testing.T) {
	var f Filter
	for c := uint64(0); c < 1000; c++ {
		if got := f.CheckAndCommit(c); got != Accepted {
			t.Fatalf("counter %d: got %v, want accepted", c, got)
		}
	}
}

func TestDuplicateRejected(t *testing.T) {
	var f Filter
	if got := f.CheckAndCommit(0); got != Accepted {
		t.Fatalf("first 0: got %v", got)
	}
	if got := f.CheckAndCommit(0); got != Replay {
		t.Fatalf("second 0: got %v, want replay", got)
	}
	if got := f.CheckAndCommit(42); got != Accepted {
		t.Fatalf("42: got %v", got)
	}
	if got := f.CheckAndCommit(42); got != Replay {
		t.Fatalf("second 42: got %v, want replay", got)
	}
}

func TestReorderWithinWindow(t *testing.T) {
	var f Filter
	order := []uint64{5, 3, 9, 0, 7, 1, 8, 2, 6, 4}
	for _, c := range order {
		if got := f.CheckAndCommit(c); got != Accepted {
			t.Fatalf("counter %d: got %v, want accepted", c, got)
		}
	}
	for _, c := range order {
		if got := f.CheckAndCommit(c); got != Replay {
			t.Fatalf("replayed counter %d: got %v, want replay", c, got)
		}
	}
}

func TestTooOld(t *testing.T) {
	var f Filter
	const k = uint64(100000)
	if got := f.CheckAndCommit(k); got != Accepted {
		t.Fatalf("seed %d: got %v", k, got)
	}
	if got := f.CheckAndCommit(k - WindowSize); got != TooOld {
		t.Fatalf("counter %d: got %v, want too-old", k-WindowSize, got)
	}
	if got := f.CheckAndCommit(k - WindowSize - 1); got != TooOld {
		t.Fatalf("counter %d: got %v, want too-old", k-WindowSize-1, got)
	}
}

// TestWindowCapacity walks the whole window behind a committed counter:
// everything newer than highest-WindowSize is accepted exactly once.
func TestWindowCapacity(t *testing.T) {
	var f Filter
	const k = uint64(50000)
	if got := f.CheckAndCommit(k); got != Accepted {
		t.Fatalf("seed %d: got %v", k, got)
	}
	for c := k - WindowSize + 1; c < k; c++ {
		if got := f.CheckAndCommit(c); got != Accepted {
			t.Fatalf("counter %d: got %v, want accepted", c, got)
		}
	}
	for c := k - WindowSize + 1; c <= k; c++ {
		if got := f.CheckAndCommit(c); got != Replay {
			t.Fatalf("counter %d: got %v, want replay", c, got)
		}
	}
}

func TestBigJumpClearsWindow(t *testing.T) {
	var f Filter
	for c := uint64(0); c < 100; c++ {
		f.CheckAndCommit(c)
	}
	const far = uint64(10 * WindowSize)
	if got := f.CheckAndCommit(far); got != Accepted {
		t.Fatalf("jump to %d: got %v", far, got)
	}
	// everything before the jump is now out of the window
	if got := f.CheckAndCommit(50); got != TooOld {
		t.Fatalf("old counter after jump: got %v, want too-old", got)
	}
	// fresh counters just behind the jump are fine
	if got := f.CheckAndCommit(far - 1); got != Accepted {
		t.Fatalf("counter %d: got %v, want accepted", far-1, got)
	}
}

func TestReset(t *testing.T) {
	var f Filter
	f.CheckAndCommit(7)
	f.Reset()
	if got := f.CheckAndCommit(7); got != Accepted {
		t.Fatalf("after reset: got %v, want accepted", got)
	}
}
