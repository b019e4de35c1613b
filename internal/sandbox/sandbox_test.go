package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/state"
	"github.com/oriys/fnmesh/internal/store"
)

func TestGrowMemoryReturnsOldBrk(t *testing.T) {
	s := New(2)
	base1, err := s.GrowMemory(100)
	if err != nil {
		t.Fatalf("GrowMemory: %v", err)
	}
	if base1 != 0 {
		t.Fatalf("first grow base = %d, want 0", base1)
	}
	if s.CurrentBrk() != RoundUpToPageAligned(100) {
		t.Fatalf("brk = %d, want %d", s.CurrentBrk(), RoundUpToPageAligned(100))
	}

	base2, err := s.GrowMemory(50)
	if err != nil {
		t.Fatalf("GrowMemory: %v", err)
	}
	if base2 != RoundUpToPageAligned(100) {
		t.Fatalf("second grow base = %d, want %d", base2, RoundUpToPageAligned(100))
	}
}

func TestShrinkMemoryLowersBrk(t *testing.T) {
	s := New(2)
	if _, err := s.GrowMemory(PageSize * 2); err != nil {
		t.Fatalf("GrowMemory: %v", err)
	}
	before := s.CurrentBrk()
	s.ShrinkMemory(PageSize)
	if s.CurrentBrk() != before-PageSize {
		t.Fatalf("brk after shrink = %d, want %d", s.CurrentBrk(), before-PageSize)
	}
}

func TestPageArithmetic(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0},
		{1, PageSize},
		{PageSize, PageSize},
		{PageSize + 1, 2 * PageSize},
	}
	for _, c := range cases {
		if got := RoundUpToPageAligned(c.n); got != c.want {
			t.Errorf("RoundUpToPageAligned(%d) = %d, want %d", c.n, got, c.want)
		}
	}
	if !IsPageAligned(0) || !IsPageAligned(PageSize) {
		t.Fatal("expected 0 and PageSize to be page-aligned")
	}
	if IsPageAligned(1) {
		t.Fatal("1 should not be page-aligned")
	}
}

func TestThreadStackPoolClaimAndReturn(t *testing.T) {
	s := New(1)
	if err := s.CreateThreadStackPool(PageSize); err != nil {
		t.Fatalf("CreateThreadStackPool: %v", err)
	}
	stack, err := s.ClaimThreadStack(PageSize)
	if err != nil {
		t.Fatalf("ClaimThreadStack: %v", err)
	}
	if len(stack) == 0 {
		t.Fatal("expected a non-empty stack")
	}
	s.ReturnThreadStack(stack)

	again, err := s.ClaimThreadStack(PageSize)
	if err != nil {
		t.Fatalf("ClaimThreadStack after return: %v", err)
	}
	if len(again) != len(stack) {
		t.Fatalf("reclaimed stack size = %d, want %d", len(again), len(stack))
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := New(1)
	if _, err := s.GrowMemory(PageSize); err != nil {
		t.Fatalf("GrowMemory: %v", err)
	}
	key := s.Snapshot(true)

	if _, err := s.GrowMemory(PageSize); err != nil {
		t.Fatalf("GrowMemory: %v", err)
	}
	grownBrk := s.CurrentBrk()
	if grownBrk != 2*PageSize {
		t.Fatalf("brk = %d, want %d", grownBrk, 2*PageSize)
	}

	if err := s.Restore(key); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.CurrentBrk() != PageSize {
		t.Fatalf("brk after restore = %d, want %d", s.CurrentBrk(), PageSize)
	}
}

func TestMapSharedStateMemoryCachesOnKey(t *testing.T) {
	kv := state.New(store.NewFake(), "counters", 128, state.Config{
		RemoteLockTTL:        time.Second,
		RemoteLockWaitTime:   time.Millisecond,
		RemoteLockMaxRetries: 1,
	})
	s := New(1)

	ctx := context.Background()
	ptr1, err := s.MapSharedStateMemory(ctx, "alice", "counters", kv, 10, 20)
	if err != nil {
		t.Fatalf("MapSharedStateMemory: %v", err)
	}
	brkAfterFirst := s.CurrentBrk()

	ptr2, err := s.MapSharedStateMemory(ctx, "alice", "counters", kv, 10, 20)
	if err != nil {
		t.Fatalf("MapSharedStateMemory (cached): %v", err)
	}
	if ptr1 != ptr2 {
		t.Fatalf("cache hit returned different pointer: %d vs %d", ptr1, ptr2)
	}
	if s.CurrentBrk() != brkAfterFirst {
		t.Fatal("cache hit should not grow the sandbox again")
	}
}

func TestCaptureStdoutRoundTrip(t *testing.T) {
	s := New(1)
	f, err := s.CaptureStdout()
	if err != nil {
		t.Fatalf("CaptureStdout: %v", err)
	}
	if _, err := f.WriteString("hello sandbox"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.GetCapturedStdout()
	if err != nil {
		t.Fatalf("GetCapturedStdout: %v", err)
	}
	if string(got) != "hello sandbox" {
		t.Fatalf("captured = %q, want %q", got, "hello sandbox")
	}
}
