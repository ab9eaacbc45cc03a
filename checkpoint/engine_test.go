// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// End-to-end tests for the checkpointing engine: one hart or several,
// driven through OnBlock until a handful of checkpoints are written.

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeEngineHart struct {
	mu     sync.Mutex
	pc     uint64
	priv   uint8
	mie    uint64
	halted bool
}

func (f *fakeEngineHart) GPR(i int) uint64 { return 0 }
func (f *fakeEngineHart) FPR(i int) uint64 { return 0 }
func (f *fakeEngineHart) VLen() int        { return 0 }
func (f *fakeEngineHart) VReg(i int) uint64 { return 0 }
func (f *fakeEngineHart) ReadCSR(idx int) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx == CSRMie {
		return f.mie, true
	}
	return 0, false
}
func (f *fakeEngineHart) PC() uint64  { return f.pc }
func (f *fakeEngineHart) Priv() uint8 { return f.priv }
func (f *fakeEngineHart) Halted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}
func (f *fakeEngineHart) SetMIE(mask uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mie &^= mask
}

// CSRMie mirrors serialize.CSRMie without importing the serialize
// package from a test that only needs the numeric index.
const CSRMie = 0x304

type fakeEngineClint struct{}

func (fakeEngineClint) ReadMtime() uint64            { return 1 }
func (fakeEngineClint) ReadMtimecmp(hart int) uint64 { return 2 }

type fakeEngineMem struct{ size int }

func (m fakeEngineMem) CopyGuestMem(dst []byte) (int, error) { return copy(dst, make([]byte, m.size)), nil }
func (m fakeEngineMem) GuestMemLen() int                     { return m.size }

type fakeShutdowner struct {
	mu    sync.Mutex
	cause string
	hit   bool
}

func (s *fakeShutdowner) RequestShutdown(cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cause = cause
	s.hit = true
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".gz" {
			n++
		}
		return nil
	})
	return n
}

func TestEngineSingleHartUniformTakesRepeatedCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CheckpointMode: "UniformCheckpoint",
		CptInterval:    100,
		Workload:       "dhrystone",
		OutputBaseDir:  dir,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Three checkpoints worth of instructions, fed in small blocks.
	for i := 0; i < 300; i += 10 {
		e.OnBlock(0, 10, false)
	}

	if got := countFiles(t, dir); got != 3 {
		t.Errorf("checkpoints written = %d, want 3", got)
	}
}

func TestEngineNoCheckpointModeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{CheckpointMode: "NoCheckpoint"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for i := 0; i < 1000; i += 10 {
		e.OnBlock(0, 10, false)
	}

	if got := countFiles(t, dir); got != 0 {
		t.Errorf("NoCheckpoint mode wrote %d files, want 0", got)
	}
}

func TestEngineTwoHartUniformSyncsAtSharedFrontier(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CheckpointMode: "UniformCheckpoint",
		CptInterval:    100,
		Workload:       "two-hart",
		OutputBaseDir:  dir,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h0 := &fakeEngineHart{priv: 3}
	h1 := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h0, h1}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Both harts retire instructions in their own goroutines; neither
	// may advance past a checkpoint frontier before the other reaches
	// it, since OnBlock blocks at the barrier until both arrive.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			e.OnBlock(0, 20, false)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			e.OnBlock(1, 20, false)
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("two-hart uniform run deadlocked")
	}

	if got := countFiles(t, dir); got != 2 {
		t.Errorf("checkpoints written = %d, want 2 (200 instructions / 100-interval)", got)
	}
}

func TestEngineHaltedHartSyncsBeforeReachingSyncLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CheckpointMode: "UniformCheckpoint",
		CptInterval:    50,
		SyncInterval:   1000,
		Workload:       "halted",
		OutputBaseDir:  dir,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3, halted: true}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// SyncInterval is far larger than the instructions fed below, so
	// without Halted() wired into OnBlock's classification the hart
	// would never reach the barrier and no checkpoint would be taken.
	for i := 0; i < 6; i++ {
		e.OnBlock(0, 10, false)
	}

	if got := countFiles(t, dir); got == 0 {
		t.Errorf("a halted hart should enter the barrier and take a checkpoint before its sync limit, got %d files", got)
	}
}

func TestEngineExitSyncPeriodSyncsBeforeReachingSyncLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CheckpointMode: "UniformCheckpoint",
		CptInterval:    50,
		SyncInterval:   1000,
		Workload:       "exit-sync",
		OutputBaseDir:  dir,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Every block reports exitSyncPeriod=true, forcing a barrier
	// arrival each time despite SyncInterval never being crossed.
	for i := 0; i < 6; i++ {
		e.OnBlock(0, 10, true)
	}

	if got := countFiles(t, dir); got == 0 {
		t.Errorf("exitSyncPeriod should force a barrier arrival and a checkpoint before the sync limit, got %d files", got)
	}
}

// TestEngineSimpointSchedulePinsWorkedExample drives the §8 scenario 3
// worked example end to end: a three-entry simpoint schedule scaled by
// cpt_interval=10_000 should produce exactly three checkpoints and
// request shutdown once the schedule is exhausted.
func TestEngineSimpointSchedulePinsWorkedExample(t *testing.T) {
	dir := t.TempDir()
	simDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(simDir, "simpoints0"), []byte("100 0\n250 1\n400 2\n"), 0o644); err != nil {
		t.Fatalf("write simpoints0: %v", err)
	}
	if err := os.WriteFile(filepath.Join(simDir, "weights0"), []byte("0.5 0\n0.3 1\n0.2 2\n"), 0o644); err != nil {
		t.Fatalf("write weights0: %v", err)
	}

	cfg := Config{
		CheckpointMode: "SimpointCheckpoint",
		CptInterval:    10_000,
		Workload:       "gcc",
		ConfigName:     "cfgA",
		OutputBaseDir:  dir,
		SimpointPath:   simDir,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3}
	shut := &fakeShutdowner{}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, shut, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Drive past the third scaled frontier (400*10_000=4_000_000) plus
	// one more barrier entry so the 4th-entry shutdown request (§8
	// scenario 3) has a chance to fire.
	for i := 0; i < 410; i++ {
		e.OnBlock(0, 10_000, false)
	}

	if got := countFiles(t, dir); got != 3 {
		t.Errorf("checkpoints written = %d, want 3", got)
	}
	for _, loc := range []uint64{1_000_000, 2_500_000, 4_000_000} {
		want := filepath.Join(dir, "cfgA", "gcc", fmt.Sprintf("%d", loc), fmt.Sprintf("_%d_", loc))
		found := false
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && filepath.Dir(path) == filepath.Dir(want) {
				found = true
			}
			return nil
		})
		if !found {
			t.Errorf("expected an output file under %s", filepath.Dir(want))
		}
	}
	if !shut.hit {
		t.Errorf("expected a shutdown request once the simpoint schedule is exhausted")
	}
}

func TestEngineExitSingleHartCompletesRoundWithoutPanic(t *testing.T) {
	// cmd/nemuckptd calls Engine.Exit unconditionally at the end of
	// every hart's run; for a single-hart engine that is also the
	// round's only (and exiting) arrival, so runRound's leader := arrived[0]
	// must not panic on an empty slice.
	cfg := Config{CheckpointMode: "NoCheckpoint", Workload: "exit-single"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Exit(0)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Exit on a single-hart engine deadlocked")
	}
}

func TestEngineExitLastOfMultiHartCompletesRoundWithoutPanic(t *testing.T) {
	cfg := Config{CheckpointMode: "NoCheckpoint", Workload: "exit-multi"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	h0 := &fakeEngineHart{priv: 3}
	h1 := &fakeEngineHart{priv: 3}
	e, err := NewEngine(cfg, []HartState{h0, h1}, fakeEngineClint{}, fakeEngineMem{size: 64}, &fakeShutdowner{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	e.Exit(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Exit(1)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Exit of the last remaining hart deadlocked")
	}
}

func TestEngineRejectsZeroHarts(t *testing.T) {
	cfg := Config{CheckpointMode: "NoCheckpoint"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if _, err := NewEngine(cfg, nil, fakeEngineClint{}, fakeEngineMem{}, &fakeShutdowner{}, nil); err == nil {
		t.Fatalf("expected an error constructing an engine with zero harts")
	}
}
