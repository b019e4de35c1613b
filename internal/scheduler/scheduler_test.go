package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/bus"
	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/store"
)

func newTestScheduler(host string, cfg Config) (*Scheduler, store.Store, *localqueue.Map) {
	st := store.NewFake()
	b := bus.New(st)
	q := localqueue.New(16)
	return New(st, b, q, host, cfg), st, q
}

func TestCallFunctionDispatchesLocallyWhenWarmAndUnsaturated(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	s, st, q := newTestScheduler("host-a", cfg)

	fn := domain.FunctionId{User: "alice", Function: "greet"}
	if err := st.SAdd(ctx, fn.WorkerSetKey(), "host-a"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	msg := &domain.Message{User: "alice", Function: "greet", Type: domain.MessageCall}
	host, err := s.CallFunction(ctx, msg, false, "")
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if host != "host-a" {
		t.Fatalf("host = %s, want host-a", host)
	}
	if q.QueueLen(fn) != 1 {
		t.Fatalf("local queue len = %d, want 1", q.QueueLen(fn))
	}
}

func TestCallFunctionDispatchesToStickyHostUnderAffinity(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LocalQueueThreshold = 0 // force past the local fast path
	s, st, _ := newTestScheduler("host-a", cfg)

	fn := domain.FunctionId{User: "alice", Function: "greet"}
	for _, h := range []string{"host-a", "host-b"} {
		if err := st.SAdd(ctx, fn.WorkerSetKey(), h); err != nil {
			t.Fatalf("SAdd: %v", err)
		}
	}

	msg := &domain.Message{User: "alice", Function: "greet", Type: domain.MessageCall}
	host, err := s.CallFunction(ctx, msg, true, "host-b")
	if err != nil {
		t.Fatalf("CallFunction: %v", err)
	}
	if host != "host-b" {
		t.Fatalf("host = %s, want host-b (sticky)", host)
	}

	raw, err := st.Dequeue(ctx, incomingQueueKey("host-b"), time.Second)
	if err != nil {
		t.Fatalf("expected a message on host-b's incoming queue: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected a non-empty dispatched message")
	}
}

func TestCallFunctionNoCapacityAfterRecursionLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ScheduleRecursionLimit = 2
	cfg.ScheduleWaitMillis = time.Millisecond
	s, _, _ := newTestScheduler("host-a", cfg)

	msg := &domain.Message{User: "alice", Function: "nohost", Type: domain.MessageCall}
	_, err := s.CallFunction(ctx, msg, false, "")
	if err != domain.ErrNoCapacity {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestAddAndClearWorkerPool(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestScheduler("host-a", DefaultConfig())

	if err := s.AddCurrentHostToWorkerPool(ctx); err != nil {
		t.Fatalf("AddCurrentHostToWorkerPool: %v", err)
	}
	members, err := st.SMembers(ctx, globalWorkersSetKey)
	if err != nil || len(members) != 1 || members[0] != "host-a" {
		t.Fatalf("members = %v, err = %v", members, err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	members, err = st.SMembers(ctx, globalWorkersSetKey)
	if err != nil || len(members) != 0 {
		t.Fatalf("members after clear = %v, err = %v", members, err)
	}
}
