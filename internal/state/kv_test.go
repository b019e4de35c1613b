package state

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/store"
)

func testConfig() Config {
	return Config{
		RemoteLockTTL:        time.Second,
		RemoteLockWaitTime:   time.Millisecond,
		RemoteLockMaxRetries: 3,
		StaleThreshold:       time.Hour,
		IdleThreshold:        time.Hour,
	}
}

func TestSetPushFullRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	kv := New(st, "k1", 16, testConfig())

	payload := bytes.Repeat([]byte{0x42}, 16)
	if err := kv.Set(payload); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.PushFull(ctx); err != nil {
		t.Fatalf("PushFull: %v", err)
	}

	got, err := kv.Get(ctx, ReadModeStrict)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get = %x, want %x", got, payload)
	}

	remote, ok, err := st.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("remote Get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(remote, payload) {
		t.Fatalf("remote value = %x, want %x", remote, payload)
	}
}

func TestSetSegmentOutOfBounds(t *testing.T) {
	kv := New(store.NewFake(), "k2", 8, testConfig())
	if err := kv.SetSegment(4, make([]byte, 8)); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestPushPartialOverlaysOntoRemote(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	base := bytes.Repeat([]byte{0xAA}, 16)
	if err := st.Set(ctx, "k3", base); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	kv := New(st, "k3", 16, testConfig())
	if _, err := kv.Get(ctx, ReadModeStrict); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := kv.SetSegment(4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SetSegment: %v", err)
	}
	if err := kv.PushPartial(ctx); err != nil {
		t.Fatalf("PushPartial: %v", err)
	}

	remote, _, err := st.Get(ctx, "k3")
	if err != nil {
		t.Fatalf("remote Get: %v", err)
	}
	want := append([]byte(nil), base...)
	copy(want[4:7], []byte{1, 2, 3})
	if !bytes.Equal(remote, want) {
		t.Fatalf("remote = %x, want %x", remote, want)
	}
}

func TestPushFullNoOpWhenClean(t *testing.T) {
	ctx := context.Background()
	st := store.NewFake()
	kv := New(st, "k4", 4, testConfig())
	if err := kv.PushFull(ctx); err != nil {
		t.Fatalf("PushFull on clean kv: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "k4"); ok {
		t.Fatal("PushFull on a never-dirtied key should not write to remote")
	}
}

func TestClearDoesNotUnmapSharedMemory(t *testing.T) {
	ctx := context.Background()
	kv := New(store.NewFake(), "k5", 8, testConfig())
	if err := kv.Set(make([]byte, 8)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ptr, err := kv.GetPointer(ctx, ReadModeStrict)
	if err != nil {
		t.Fatalf("GetPointer: %v", err)
	}
	kv.Clear()
	if kv.sharedMemory == nil {
		t.Fatal("Clear must not release sharedMemory")
	}
	if len(ptr) != 8 {
		t.Fatal("mapped view should remain valid after Clear")
	}
}
