package localqueue

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	m := New(4)
	fn := domain.FunctionId{User: "alice", Function: "greet"}
	msg := &domain.Message{User: "alice", Function: "greet", Type: domain.MessageCall}

	if err := m.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q := m.ListenToQueue(fn)
	got, ok := q.Dequeue(context.Background(), time.Second)
	if !ok {
		t.Fatal("expected a message")
	}
	if got != msg {
		t.Fatal("dequeued a different message")
	}
}

func TestDequeueTimeout(t *testing.T) {
	m := New(4)
	fn := domain.FunctionId{User: "alice", Function: "idle"}
	q := m.ListenToQueue(fn)
	_, ok := q.Dequeue(context.Background(), 10*time.Millisecond)
	if ok {
		t.Fatal("expected a timeout on an empty queue")
	}
}

func TestBoundCountTracksListeners(t *testing.T) {
	m := New(4)
	fn := domain.FunctionId{User: "bob", Function: "work"}
	if m.BoundCount(fn) != 0 {
		t.Fatal("expected zero bound count before any listener")
	}
	m.ListenToQueue(fn)
	m.ListenToQueue(fn)
	if got := m.BoundCount(fn); got != 2 {
		t.Fatalf("BoundCount = %d, want 2", got)
	}
	m.StopListeningToQueue(fn)
	if got := m.BoundCount(fn); got != 1 {
		t.Fatalf("BoundCount after stop = %d, want 1", got)
	}
}

func TestBindQueueSharedAcrossFunctions(t *testing.T) {
	m := New(4)
	bind := &domain.Message{User: "alice", Function: "a", Type: domain.MessageBind}
	if err := m.EnqueueBind(context.Background(), bind); err != nil {
		t.Fatalf("EnqueueBind: %v", err)
	}
	got, ok := m.BindQueue().Dequeue(context.Background(), time.Second)
	if !ok || got != bind {
		t.Fatal("expected to dequeue the bind message from the shared bind queue")
	}
}
