// Package state implements components B and C: the per-key shared-memory
// value with dirty tracking and remote pull/push protocols, and the
// per-user/global registry that holds and periodically flushes them.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/memx"
	"github.com/oriys/fnmesh/internal/metrics"
	"github.com/oriys/fnmesh/internal/store"
)

// ReadMode selects how aggressively Get/GetSegment refresh from remote
// before serving a read. The strict-vs-stale split is the second,
// co-existing edition of the staleness model: both are always available,
// the caller picks per call.
type ReadMode int

const (
	// ReadModeStrict always treats the value as needing a pull only when
	// it has never been populated (the classic lazy-pull-on-empty rule).
	ReadModeStrict ReadMode = iota
	// ReadModeStale additionally forces a pull when lastPull is older
	// than staleThreshold, even if the value is already populated.
	ReadModeStale
)

// Config bounds the retry/timing behavior of a StateKeyValue's remote
// interactions. Every field is one of the spec's named tunables.
type Config struct {
	RemoteLockTTL        time.Duration
	RemoteLockWaitTime   time.Duration
	RemoteLockMaxRetries int
	StaleThreshold       time.Duration
	IdleThreshold        time.Duration
}

// StateKeyValue is a single named value in the distributed state layer: a
// page-aligned, anonymously mapped shared region with byte-range dirty
// tracking and remote pull/push. Created on first reference, destroyed
// only when the process tears down.
type StateKeyValue struct {
	store store.Store
	key   string
	cfg   Config

	mu           sync.RWMutex // guards sharedMemory, empty, lastPull, lastInteraction
	sharedMemory []byte
	valueSize    int
	empty        bool

	lastPull        time.Time
	lastInteraction time.Time

	dirtyMu           sync.Mutex // guards the dirty-tracking fields below
	isWholeValueDirty bool
	isPartiallyDirty  bool
	dirtySegments     []segment
}

// New constructs a StateKeyValue for remoteKey with the given logical
// value size. No memory is mapped until the first pull, Set or SetSegment,
// and no remote read happens until the first pull.
func New(st store.Store, remoteKey string, valueSize int, cfg Config) *StateKeyValue {
	return &StateKeyValue{
		store:     st,
		key:       remoteKey,
		valueSize: valueSize,
		cfg:       cfg,
		empty:     true,
	}
}

// Pull forces a synchronous read from remote into sharedMemory,
// allocating storage on first call, regardless of current emptiness.
func (kv *StateKeyValue) Pull(ctx context.Context) error {
	return kv.pullImpl(ctx, false)
}

func (kv *StateKeyValue) pullImpl(ctx context.Context, onlyIfEmpty bool) error {
	kv.mu.RLock()
	skip := onlyIfEmpty && !kv.empty
	kv.mu.RUnlock()
	if skip {
		return nil
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	if onlyIfEmpty && !kv.empty {
		return nil // double-checked: someone else pulled first
	}
	if kv.sharedMemory == nil {
		b, err := memx.Alloc(kv.valueSize)
		if err != nil {
			return err
		}
		kv.sharedMemory = b
	}
	val, ok, err := kv.store.Get(ctx, kv.key)
	if err != nil {
		return fmt.Errorf("state: pull %s: %w", kv.key, err)
	}
	if ok {
		copy(kv.sharedMemory, val)
	}
	kv.empty = false
	kv.lastPull = time.Now()
	return nil
}

func (kv *StateKeyValue) maybeRefresh(ctx context.Context, mode ReadMode) error {
	if mode != ReadModeStale {
		return nil
	}
	kv.mu.RLock()
	stale := !kv.empty && kv.cfg.StaleThreshold > 0 && time.Since(kv.lastPull) > kv.cfg.StaleThreshold
	kv.mu.RUnlock()
	if stale {
		return kv.Pull(ctx)
	}
	return nil
}

// Get lazily pulls (on first reference, or when stale under
// ReadModeStale) and returns a copy of the full value.
func (kv *StateKeyValue) Get(ctx context.Context, mode ReadMode) ([]byte, error) {
	if err := kv.maybeRefresh(ctx, mode); err != nil {
		return nil, err
	}
	if err := kv.pullImpl(ctx, true); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make([]byte, kv.valueSize)
	copy(out, kv.sharedMemory)
	kv.touchLocked()
	return out, nil
}

// GetPointer behaves like Get but returns the live shared-memory slice
// rather than a copy. The caller must not retain it past the module's
// lifetime or across a mapSharedMemory/unmapSharedMemory call.
func (kv *StateKeyValue) GetPointer(ctx context.Context, mode ReadMode) ([]byte, error) {
	if err := kv.maybeRefresh(ctx, mode); err != nil {
		return nil, err
	}
	if err := kv.pullImpl(ctx, true); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	kv.touchLocked()
	return kv.sharedMemory, nil
}

// GetSegment lazily pulls and returns a bounds-checked copy of
// [offset, offset+length).
func (kv *StateKeyValue) GetSegment(ctx context.Context, offset, length int, mode ReadMode) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > kv.valueSize {
		return nil, fmt.Errorf("state: getSegment %s [%d,%d): %w", kv.key, offset, offset+length, domain.ErrOutOfBounds)
	}
	if err := kv.maybeRefresh(ctx, mode); err != nil {
		return nil, err
	}
	if err := kv.pullImpl(ctx, true); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make([]byte, length)
	copy(out, kv.sharedMemory[offset:offset+length])
	kv.touchLocked()
	return out, nil
}

// GetSegmentPointer is GetSegment without the copy: sharedMemory[offset:offset+length].
func (kv *StateKeyValue) GetSegmentPointer(ctx context.Context, offset, length int, mode ReadMode) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > kv.valueSize {
		return nil, fmt.Errorf("state: getSegment %s [%d,%d): %w", kv.key, offset, offset+length, domain.ErrOutOfBounds)
	}
	if err := kv.maybeRefresh(ctx, mode); err != nil {
		return nil, err
	}
	if err := kv.pullImpl(ctx, true); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	kv.touchLocked()
	return kv.sharedMemory[offset : offset+length], nil
}

// Set replaces the entire value and flags it wholly dirty.
func (kv *StateKeyValue) Set(buffer []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.sharedMemory == nil {
		b, err := memx.Alloc(kv.valueSize)
		if err != nil {
			return err
		}
		kv.sharedMemory = b
	}
	copy(kv.sharedMemory, buffer)
	kv.empty = false
	kv.touchLocked()
	kv.dirtyMu.Lock()
	kv.isWholeValueDirty = true
	kv.dirtyMu.Unlock()
	return nil
}

// SetSegment writes buffer at offset, lazily allocating storage and
// marking [offset, offset+len(buffer)) dirty.
func (kv *StateKeyValue) SetSegment(offset int, buffer []byte) error {
	length := len(buffer)
	if offset < 0 || offset+length > kv.valueSize {
		return fmt.Errorf("state: setSegment %s [%d,%d): %w", kv.key, offset, offset+length, domain.ErrOutOfBounds)
	}
	if err := kv.lazyAllocate(); err != nil {
		return err
	}
	kv.mu.RLock()
	copy(kv.sharedMemory[offset:offset+length], buffer)
	kv.touchLocked()
	kv.mu.RUnlock()
	kv.FlagSegmentDirty(offset, length)
	return nil
}

func (kv *StateKeyValue) lazyAllocate() error {
	kv.mu.RLock()
	ready := kv.sharedMemory != nil
	kv.mu.RUnlock()
	if ready {
		return nil
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.sharedMemory != nil {
		return nil
	}
	b, err := memx.Alloc(kv.valueSize)
	if err != nil {
		return err
	}
	kv.sharedMemory = b
	kv.empty = false
	return nil
}

// FlagFullValueDirty marks the whole value dirty without touching storage.
func (kv *StateKeyValue) FlagFullValueDirty() {
	kv.dirtyMu.Lock()
	kv.isWholeValueDirty = true
	kv.dirtyMu.Unlock()
}

// FlagSegmentDirty marks [offset, offset+length) dirty without touching storage.
func (kv *StateKeyValue) FlagSegmentDirty(offset, length int) {
	kv.dirtyMu.Lock()
	kv.dirtySegments = mergeSegments(append(kv.dirtySegments, segment{offset, offset + length}))
	kv.isPartiallyDirty = true
	kv.dirtyMu.Unlock()
}

// Clear empties the value (a future Get will pull again) without
// unmapping sharedMemory, so any mapped view stays valid.
func (kv *StateKeyValue) Clear() {
	kv.mu.Lock()
	kv.empty = true
	kv.mu.Unlock()
	kv.dirtyMu.Lock()
	kv.dirtySegments = nil
	kv.isPartiallyDirty = false
	kv.dirtyMu.Unlock()
}

// canClear reports whether idleThreshold permits Clear — a key may only
// be cleared while idle.
func (kv *StateKeyValue) canClear() bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.cfg.IdleThreshold <= 0 {
		return true
	}
	return time.Since(kv.lastInteraction) > kv.cfg.IdleThreshold
}

func (kv *StateKeyValue) touchLocked() {
	kv.lastInteraction = time.Now()
}

// MapSharedMemory relocates sharedMemory onto addr (caller-provided,
// page-aligned) so a sandbox guest can see the state region directly in
// its own address space.
func (kv *StateKeyValue) MapSharedMemory(addr uintptr) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.sharedMemory == nil {
		return fmt.Errorf("state: mapSharedMemory %s: not yet pulled", kv.key)
	}
	remapped, err := memx.RemapFixed(kv.sharedMemory, addr)
	if err != nil {
		return err
	}
	kv.sharedMemory = remapped
	return nil
}

// UnmapSharedMemory unmaps the region previously mapped at addr via
// MapSharedMemory. Because MapSharedMemory moved kv.sharedMemory itself
// onto addr, this unmaps kv's own backing region too; kv.sharedMemory is
// not reset.
func (kv *StateKeyValue) UnmapSharedMemory(addr uintptr) error {
	return memx.UnmapAt(addr, memx.RoundUp(kv.valueSize))
}

// LockRead/UnlockRead/LockWrite/UnlockWrite expose the reader-writer lock
// directly for callers pinning the region across several calls (e.g. a
// sandbox thread reading through a raw pointer for the duration of a
// guest call).
func (kv *StateKeyValue) LockRead()    { kv.mu.RLock() }
func (kv *StateKeyValue) UnlockRead()  { kv.mu.RUnlock() }
func (kv *StateKeyValue) LockWrite()   { kv.mu.Lock() }
func (kv *StateKeyValue) UnlockWrite() { kv.mu.Unlock() }

// PushFull writes the whole region to remote and clears both dirty
// states, if either was set.
func (kv *StateKeyValue) PushFull(ctx context.Context) error {
	kv.dirtyMu.Lock()
	dirty := kv.isWholeValueDirty || kv.isPartiallyDirty
	kv.dirtyMu.Unlock()
	if !dirty {
		return nil
	}

	start := time.Now()
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.dirtyMu.Lock()
	dirty = kv.isWholeValueDirty || kv.isPartiallyDirty
	kv.dirtyMu.Unlock()
	if !dirty {
		return nil
	}

	err := kv.store.Set(ctx, kv.key, kv.sharedMemory[:kv.valueSize])
	metrics.RecordStatePush("full", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return fmt.Errorf("state: pushFull %s: %w", kv.key, err)
	}

	kv.dirtyMu.Lock()
	kv.isWholeValueDirty = false
	kv.isPartiallyDirty = false
	kv.dirtySegments = nil
	kv.dirtyMu.Unlock()
	return nil
}

// PushPartial overlays every dirty run from sharedMemory onto the current
// remote value and writes it back, under a bounded-retry remote lock.
// Skipped entirely when the whole value is dirty (PushFull supersedes it)
// or nothing is partially dirty. A failure to acquire the remote lock is
// absorbed quietly; the next pushAll tick will retry.
func (kv *StateKeyValue) PushPartial(ctx context.Context) error {
	kv.dirtyMu.Lock()
	if kv.isWholeValueDirty || !kv.isPartiallyDirty {
		kv.dirtyMu.Unlock()
		return nil
	}
	kv.dirtyMu.Unlock()

	start := time.Now()
	// store.AcquireLock/ReleaseLock already add their own "lock:" prefix
	// (see store/redis.go's lockKey), so this passes kv.key bare — the
	// documented wire name is lock:{user}_{name}, not lock:lock:{user}_{name}.
	id, err := kv.acquireRemoteLockWithRetry(ctx, kv.key)
	if err != nil {
		return nil // quietly skip, picked up next tick
	}
	if id == 0 {
		return nil
	}
	defer kv.store.ReleaseLock(ctx, kv.key, id)

	kv.mu.Lock()
	kv.dirtyMu.Lock()
	segs := kv.dirtySegments
	kv.dirtySegments = nil
	kv.isPartiallyDirty = false
	local := make([]byte, len(kv.sharedMemory))
	copy(local, kv.sharedMemory)
	kv.dirtyMu.Unlock()
	kv.mu.Unlock()

	remote, ok, err := kv.store.Get(ctx, kv.key)
	if err != nil {
		metrics.RecordStatePush("partial", float64(time.Since(start).Milliseconds()), err)
		return fmt.Errorf("state: pushPartial pull %s: %w", kv.key, err)
	}
	scratch := make([]byte, kv.valueSize)
	if ok {
		copy(scratch, remote)
	}
	for _, s := range segs {
		copy(scratch[s.start:s.end], local[s.start:s.end])
	}
	err = kv.store.Set(ctx, kv.key, scratch)
	metrics.RecordStatePush("partial", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return fmt.Errorf("state: pushPartial write %s: %w", kv.key, err)
	}
	return nil
}

func (kv *StateKeyValue) acquireRemoteLockWithRetry(ctx context.Context, lockKey string) (store.LockID, error) {
	retries := kv.cfg.RemoteLockMaxRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		id, err := kv.store.AcquireLock(ctx, lockKey, kv.cfg.RemoteLockTTL)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
		if attempt < retries-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(kv.cfg.RemoteLockWaitTime):
			}
		}
	}
	return 0, domain.ErrRemoteTimeout
}
