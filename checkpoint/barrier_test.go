// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the atomic-spin sync barrier.

package checkpoint

import (
	"sync"
	"testing"
	"time"
)

type fakeHartState struct{}

func (fakeHartState) GPR(i int) uint64            { return 0 }
func (fakeHartState) FPR(i int) uint64            { return 0 }
func (fakeHartState) VLen() int                   { return 0 }
func (fakeHartState) VReg(i int) uint64           { return 0 }
func (fakeHartState) ReadCSR(i int) (uint64, bool) { return 0, false }
func (fakeHartState) PC() uint64                  { return 0 }
func (fakeHartState) Priv() uint8                 { return 3 }
func (fakeHartState) Halted() bool                { return false }
func (fakeHartState) SetMIE(mask uint64)          {}

func newTestHarts(n int) []*hart {
	harts := make([]*hart, n)
	for i := range harts {
		harts[i] = newHart(i, fakeHartState{})
	}
	return harts
}

func TestBarrierSyncsAllArrivedHarts(t *testing.T) {
	harts := newTestHarts(3)

	var mu sync.Mutex
	var gotArrived []int
	rounds := 0

	b := newSyncBarrier(harts, func(arrived []int) bool {
		mu.Lock()
		defer mu.Unlock()
		rounds++
		gotArrived = append([]int{}, arrived...)
		return false
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			b.Arrive(idx, false)
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("barrier round did not complete: all harts should have released")
	}

	mu.Lock()
	defer mu.Unlock()
	if rounds != 1 {
		t.Fatalf("onLeader called %d times, want exactly 1", rounds)
	}
	if len(gotArrived) != 3 {
		t.Fatalf("arrived = %v, want all 3 harts", gotArrived)
	}
}

func TestBarrierSkipsOfflineHarts(t *testing.T) {
	harts := newTestHarts(3)
	harts[2].setOnline(false)

	var gotArrived []int
	b := newSyncBarrier(harts, func(arrived []int) bool {
		gotArrived = append([]int{}, arrived...)
		return false
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			b.Arrive(idx, false)
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("barrier round with an offline hart should still complete")
	}

	if len(gotArrived) != 2 {
		t.Fatalf("arrived = %v, want 2 (offline hart excluded)", gotArrived)
	}
}

func TestBarrierShutdownCallback(t *testing.T) {
	harts := newTestHarts(1)

	shutdownCalled := make(chan struct{})
	b := newSyncBarrier(harts,
		func(arrived []int) bool { return true },
		func() { close(shutdownCalled) },
	)

	b.Arrive(0, false)

	select {
	case <-shutdownCalled:
	case <-time.After(time.Second):
		t.Fatalf("onShutdown should run when onLeader requests shutdown")
	}
}

func TestBarrierRecordsLastSeenInsnsOnSync(t *testing.T) {
	// §3/§8: kernel_insns[h] <= last_seen_insns[h] <= profiling_insns[h]
	// must hold at every barrier entry, and last_seen_insns is a
	// snapshot taken at the hart's last successful sync.
	harts := newTestHarts(2)
	harts[0].AddInsns(100)
	harts[1].AddInsns(150)

	b := newSyncBarrier(harts, func(arrived []int) bool { return false }, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.Arrive(0, false) }()
	go func() { defer wg.Done(); b.Arrive(1, false) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("barrier round did not complete")
	}

	for i, h := range harts {
		if got, want := h.LastSeenInsns(), h.ProfilingInsns(); got != want {
			t.Errorf("hart %d LastSeenInsns() = %d, want %d (synced just now)", i, got, want)
		}
		if h.KernelInsns() > h.LastSeenInsns() || h.LastSeenInsns() > h.ProfilingInsns() {
			t.Errorf("hart %d invariant violated: kernel=%d last_seen=%d profiling=%d", i, h.KernelInsns(), h.LastSeenInsns(), h.ProfilingInsns())
		}
	}
}

func TestBarrierSingleHartExitCompletesItsOwnRound(t *testing.T) {
	// A lone hart calling Arrive(0, true) both sets its own state to
	// exited and becomes the leader in the same call: the leader's
	// arrival scan must still see its own fresh state rather than
	// skipping it via hasExited(), or arrived ends up empty.
	harts := newTestHarts(1)

	var gotArrived []int
	b := newSyncBarrier(harts, func(arrived []int) bool {
		gotArrived = append([]int{}, arrived...)
		return true
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Arrive(0, true)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("single-hart exit round did not complete")
	}

	if len(gotArrived) != 1 || gotArrived[0] != 0 {
		t.Fatalf("arrived = %v, want [0] (the exiting hart must count in its own round)", gotArrived)
	}
}

func TestBarrierLastHartExitCompletesRoundAfterEarlierExit(t *testing.T) {
	// hart 0 exits first and is excluded from future rounds; hart 1
	// then exits as the last hart standing. The round hart 1 exits
	// with must still see its own fresh state and complete.
	harts := newTestHarts(2)

	var mu sync.Mutex
	var gotArrived []int
	b := newSyncBarrier(harts, func(arrived []int) bool {
		mu.Lock()
		defer mu.Unlock()
		gotArrived = append([]int{}, arrived...)
		return true
	}, nil)

	b.Arrive(0, true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Arrive(1, true)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("last-hart exit round did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotArrived) != 1 || gotArrived[0] != 1 {
		t.Fatalf("arrived = %v, want [1] (hart 0 already excluded, hart 1 exits and must still count)", gotArrived)
	}
}

func TestBarrierExitedHartExcludedFromFutureRounds(t *testing.T) {
	harts := newTestHarts(2)

	var mu sync.Mutex
	rounds := 0
	var lastArrived []int
	b := newSyncBarrier(harts, func(arrived []int) bool {
		mu.Lock()
		defer mu.Unlock()
		rounds++
		lastArrived = append([]int{}, arrived...)
		return false
	}, nil)

	// First round: hart 1 exits permanently, hart 0 arrives normally.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.Arrive(0, false) }()
	go func() { defer wg.Done(); b.Arrive(1, true) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first round did not complete")
	}

	mu.Lock()
	if rounds != 1 {
		t.Fatalf("rounds after first round = %d, want 1", rounds)
	}
	mu.Unlock()

	// Second round: hart 1 stays excluded since it already exited, so
	// hart 0 alone is enough to complete the round.
	b.Arrive(0, false)

	mu.Lock()
	defer mu.Unlock()
	if rounds != 2 {
		t.Fatalf("rounds = %d, want 2", rounds)
	}
	if len(lastArrived) != 1 || lastArrived[0] != 0 {
		t.Fatalf("second round arrived = %v, want [0] (hart 1 stays excluded after exiting)", lastArrived)
	}
}
