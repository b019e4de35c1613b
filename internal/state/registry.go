package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/fnmesh/internal/store"
)

// userState holds one user's name -> StateKeyValue map, reader-writer
// locked with double-checked insertion exactly like the parent Registry.
type userState struct {
	mu   sync.RWMutex
	kvs  map[string]*StateKeyValue
}

func newUserState() *userState {
	return &userState{kvs: make(map[string]*StateKeyValue)}
}

// Registry is the process-wide singleton: user -> (name -> StateKeyValue).
// It is the sole source of truth component G/H use for a worker's state
// handles, and the thing the background push loop walks every tick.
type Registry struct {
	store store.Store
	cfg   Config

	mu    sync.RWMutex
	users map[string]*userState

	pushInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewRegistry constructs an empty registry backed by st. pushInterval of
// zero disables the background flush loop (Start becomes a no-op).
func NewRegistry(st store.Store, cfg Config, pushInterval time.Duration) *Registry {
	return &Registry{
		store:        st,
		cfg:          cfg,
		users:        make(map[string]*userState),
		pushInterval: pushInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// GetKV returns the existing entry for (user, key) or constructs a new
// StateKeyValue of the given size. size == 0 on a miss is a programming
// error — callers must know the value's size the first time they ever
// reference it.
func (r *Registry) GetKV(user, key string, size int) (*StateKeyValue, error) {
	us := r.getUserState(user)

	us.mu.RLock()
	kv, ok := us.kvs[key]
	us.mu.RUnlock()
	if ok {
		return kv, nil
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	if kv, ok := us.kvs[key]; ok {
		return kv, nil
	}
	if size == 0 {
		return nil, fmt.Errorf("state: getKV(%s,%s): zero size on first reference", user, key)
	}
	kv = New(r.store, remoteKeyFor(user, key), size, r.cfg)
	us.kvs[key] = kv
	return kv, nil
}

func (r *Registry) getUserState(user string) *userState {
	r.mu.RLock()
	us, ok := r.users[user]
	r.mu.RUnlock()
	if ok {
		return us
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if us, ok := r.users[user]; ok {
		return us
	}
	us = newUserState()
	r.users[user] = us
	return us
}

// remoteKeyFor builds the wire name a value is stored under: "{user}_{name}".
// A global value (no owning user) simply has an empty user component.
func remoteKeyFor(user, key string) string {
	return user + "_" + key
}

// PushAll iterates every entry in every user's map and calls, in order,
// PushPartial, PushFull, then Clear (skipped when canClear forbids it due
// to idleThreshold).
func (r *Registry) PushAll(ctx context.Context) error {
	r.mu.RLock()
	users := make([]*userState, 0, len(r.users))
	for _, us := range r.users {
		users = append(users, us)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, us := range users {
		us.mu.RLock()
		kvs := make([]*StateKeyValue, 0, len(us.kvs))
		for _, kv := range us.kvs {
			kvs = append(kvs, kv)
		}
		us.mu.RUnlock()

		for _, kv := range kvs {
			if err := kv.PushPartial(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := kv.PushFull(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			if kv.canClear() {
				kv.Clear()
			}
		}
	}
	return firstErr
}

// Start launches the background loop that calls PushAll every
// pushInterval until Stop is called or ctx is canceled. A zero
// pushInterval makes this a no-op so tests can drive PushAll manually.
func (r *Registry) Start(ctx context.Context) {
	if r.pushInterval <= 0 {
		close(r.doneCh)
		return
	}
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.pushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				_ = r.PushAll(ctx)
			}
		}
	}()
}

// Stop signals the background loop to exit and waits for it to do so.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
