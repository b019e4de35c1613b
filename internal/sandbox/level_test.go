package sandbox

import (
	"sync/atomic"
	"testing"
)

func TestLevelRunWaitsForAllSubTasks(t *testing.T) {
	s := New(1)
	level := s.NewLevel(0, 4, 4, PageSize, []int{0, 64})

	var completed int32
	err := level.Run(func(threadIdx int, stack []byte) {
		if len(stack) == 0 {
			t.Errorf("thread %d got an empty stack", threadIdx)
		}
		atomic.AddInt32(&completed, 1)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&completed); got != 4 {
		t.Fatalf("completed = %d, want 4", got)
	}
}

func TestLevelRunReturnsStacksToPool(t *testing.T) {
	s := New(1)
	if err := s.CreateThreadStackPool(PageSize); err != nil {
		t.Fatalf("CreateThreadStackPool: %v", err)
	}
	s.stackMu.Lock()
	before := len(s.stackPool)
	s.stackMu.Unlock()

	level := s.NewLevel(0, 4, 2, PageSize, nil)
	if err := level.Run(func(int, []byte) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s.stackMu.Lock()
	after := len(s.stackPool)
	s.stackMu.Unlock()
	if after != before {
		t.Fatalf("stack pool size = %d, want %d (all stacks returned)", after, before)
	}
}

func TestLevelThrottlesPastMaxActiveLevels(t *testing.T) {
	s := New(1)
	outer := s.NewLevel(0, 1, 2, PageSize, nil)
	inner := s.NewLevel(1, 1, 3, PageSize, nil)

	var innerRuns int32
	outerErr := outer.Run(func(int, []byte) {
		if innerErr := inner.Run(func(threadIdx int, stack []byte) {
			atomic.AddInt32(&innerRuns, 1)
			if stack != nil {
				t.Error("throttled level should run sub-tasks without a claimed stack")
			}
		}); innerErr != nil {
			t.Errorf("inner Run: %v", innerErr)
		}
	})
	if outerErr != nil {
		t.Fatalf("outer Run: %v", outerErr)
	}
	if got := atomic.LoadInt32(&innerRuns); got != 6 {
		t.Fatalf("inner sub-tasks run = %d, want 6 (2 outer threads * 3 inner)", got)
	}
}
