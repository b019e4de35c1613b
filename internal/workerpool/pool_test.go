package workerpool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/bus"
	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/scheduler"
	"github.com/oriys/fnmesh/internal/store"
)

type echoInvoker struct{ calls int32 }

func (e *echoInvoker) Invoke(_ context.Context, _ *Worker, msg *domain.Message) (json.RawMessage, error) {
	e.calls++
	return msg.InputData, nil
}

func newTestPool(t *testing.T, cfg Config, invoker Invoker) (*Pool, store.Store, *localqueue.Map, *bus.Bus) {
	t.Helper()
	st := store.NewFake()
	b := bus.New(st)
	q := localqueue.New(16)
	sched := scheduler.New(st, b, q, "host-a", scheduler.DefaultConfig())
	return New(cfg, "host-a", st, b, q, sched, invoker), st, q, b
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.UnboundTimeout = 30 * time.Millisecond
	cfg.BoundTimeout = 50 * time.Millisecond
	cfg.PrewarmTarget = 1
	return cfg
}

func TestWorkerBindsExecutesAndIdlesOut(t *testing.T) {
	ctx := context.Background()
	inv := &echoInvoker{}
	p, st, q, b := newTestPool(t, fastConfig(), inv)

	fn := domain.FunctionId{User: "alice", Function: "greet"}
	if err := p.SpawnWorker(ctx); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	bindMsg := &domain.Message{User: fn.User, Function: fn.Function, Type: domain.MessageBind, Target: 1}
	if err := q.EnqueueBind(ctx, bindMsg); err != nil {
		t.Fatalf("EnqueueBind: %v", err)
	}

	deadline := time.After(time.Second)
	for st0 := 0; ; {
		if int(q.BoundCount(fn)) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never bound")
		case <-time.After(5 * time.Millisecond):
		}
		st0++
	}

	call := &domain.Message{User: fn.User, Function: fn.Function, Type: domain.MessageCall,
		InputData: json.RawMessage(`{"v":1}`), ResultKey: fn.ResultKey(1)}
	if err := q.Enqueue(ctx, call); err != nil {
		t.Fatalf("Enqueue call: %v", err)
	}

	success, out, err := b.GetFunctionResult(ctx, call, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("GetFunctionResult: %v", err)
	}
	if !success {
		t.Fatal("expected success")
	}
	if string(out) != `{"v":1}` {
		t.Fatalf("out = %s", out)
	}
	if inv.calls != 1 {
		t.Fatalf("invoker called %d times, want 1", inv.calls)
	}

	p.Wait()

	if members, _ := st.SMembers(ctx, fn.WorkerSetKey()); len(members) != 0 {
		t.Fatalf("expected worker removed from warm set after idling out, got %v", members)
	}
}

func TestEnsureColdStartLeavesBindableWorker(t *testing.T) {
	ctx := context.Background()
	p, _, q, _ := newTestPool(t, fastConfig(), &echoInvoker{})
	fn := domain.FunctionId{User: "alice", Function: "once"}

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			if err := p.EnsureColdStart(ctx, fn); err != nil {
				t.Errorf("EnsureColdStart: %v", err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	bind := &domain.Message{User: fn.User, Function: fn.Function, Type: domain.MessageBind, Target: 1}
	_ = q.EnqueueBind(ctx, bind)

	deadline := time.After(time.Second)
	for {
		if int(q.BoundCount(fn)) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no worker bound after EnsureColdStart")
		case <-time.After(5 * time.Millisecond):
		}
	}
	p.Wait()
}

func TestChainCallAndAwait(t *testing.T) {
	ctx := context.Background()
	inv := &echoInvoker{}
	p, _, q, b := newTestPool(t, fastConfig(), inv)

	fn := domain.FunctionId{User: "alice", Function: "child"}
	if err := p.SpawnWorker(ctx); err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}
	bind := &domain.Message{User: fn.User, Function: fn.Function, Type: domain.MessageBind, Target: 1}
	if err := q.EnqueueBind(ctx, bind); err != nil {
		t.Fatalf("EnqueueBind: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if int(q.BoundCount(fn)) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never bound")
		case <-time.After(5 * time.Millisecond):
		}
	}

	parent := &domain.Message{User: "alice", Function: "parent"}
	id, err := p.ChainCall(ctx, parent, "child", 0, json.RawMessage(`{"x":9}`))
	if err != nil {
		t.Fatalf("ChainCall: %v", err)
	}

	success, out, err := p.AwaitChainedCall(ctx, id)
	if err != nil {
		t.Fatalf("AwaitChainedCall: %v", err)
	}
	if !success {
		t.Fatal("expected chained call success")
	}
	if string(out) != `{"x":9}` {
		t.Fatalf("out = %s", out)
	}
	_ = b
	p.Wait()
}
