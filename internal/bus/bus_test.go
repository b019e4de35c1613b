package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/store"
)

func TestEnqueueNextMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New(store.NewFake())
	msg := &domain.Message{User: "alice", Function: "greet", Type: domain.MessageCall, InputData: json.RawMessage(`{"n":1}`)}

	if err := b.EnqueueMessage(ctx, "queue:alice/greet", msg); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	got, err := b.NextMessage(ctx, "queue:alice/greet", time.Second)
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	if got.User != msg.User || got.Function != msg.Function {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestNextMessageTimeout(t *testing.T) {
	b := New(store.NewFake())
	_, err := b.NextMessage(context.Background(), "queue:empty", 10*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSetGetFunctionResult(t *testing.T) {
	ctx := context.Background()
	b := New(store.NewFake())
	msg := &domain.Message{User: "alice", Function: "greet", ResultKey: "result:alice/greet/1"}

	done := make(chan struct{})
	var success bool
	var out json.RawMessage
	var err error
	go func() {
		success, out, err = b.GetFunctionResult(ctx, msg, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	msg.OutputData = json.RawMessage(`{"ok":true}`)
	if setErr := b.SetFunctionResult(ctx, msg, true); setErr != nil {
		t.Fatalf("SetFunctionResult: %v", setErr)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetFunctionResult did not return")
	}
	if err != nil {
		t.Fatalf("GetFunctionResult: %v", err)
	}
	if !success {
		t.Fatal("expected success=true")
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("out = %s", out)
	}
}
