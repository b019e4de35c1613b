// Package sandbox implements component D: the per-worker linear memory
// manager addressed in 64-KiB logical pages, with guard regions, a thread
// stack pool, shared-state memory mapping, and snapshot/restore.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/fnmesh/internal/memx"
	"github.com/oriys/fnmesh/internal/metrics"
	"github.com/oriys/fnmesh/internal/state"
)

// PageSize is the sandbox's logical page granularity, distinct from the
// host's mmap page size (memx.PageSize, typically 4 KiB on Linux) — the
// guest sees memory in 64-KiB units regardless of the host's native size.
const PageSize = 65536

// GuardRegionSize is the fixed size of every guard region created around
// a thread stack.
const GuardRegionSize = PageSize

func pagesForBytes(n int) int {
	return (n + PageSize - 1) / PageSize
}

// RoundUpToPageAligned rounds n up to the nearest multiple of PageSize.
func RoundUpToPageAligned(n int) int {
	return pagesForBytes(n) * PageSize
}

// IsPageAligned reports whether n is a multiple of PageSize.
func IsPageAligned(n int) bool {
	return n&(PageSize-1) == 0
}

// SnapshotKey identifies a recorded snapshot of sandbox memory.
type SnapshotKey uint64

type snapshotRecord struct {
	base []byte
	size int
	data []byte // nil when locallyRestorable is false (disk/remote-backed restore is out of scope here)
}

type sharedMapEntry struct {
	ptr int // offset into mem, not a host address
}

// Sandbox is a single worker's linear memory region. It is not safe for
// concurrent use by multiple goroutines executing guest code at once —
// only one call runs in a sandbox at a time — but its bookkeeping
// (snapshot registry, shared-state cache, thread stack pool) is
// internally locked so background pushes and stdout capture can happen
// alongside execution.
type Sandbox struct {
	mu         sync.Mutex
	mem        []byte // backing anonymous mapping; grows/shrinks in PageSize units
	currentBrk int

	stackMu    sync.Mutex
	stackPool  [][]byte
	cores      int

	sharedMu   sync.Mutex
	sharedCache map[string]sharedMapEntry

	snapMu    sync.Mutex
	snapshots map[SnapshotKey]*snapshotRecord
	nextSnap  uint64

	stdout *stdoutCapture
}

// New constructs an empty sandbox sized for the given core count (used by
// createThreadStackPool's "cores + 5" target).
func New(cores int) *Sandbox {
	return &Sandbox{
		cores:       cores,
		sharedCache: make(map[string]sharedMapEntry),
		snapshots:   make(map[SnapshotKey]*snapshotRecord),
	}
}

// GrowMemory allocates enough whole pages to cover nBytes beyond the
// current brk, returning the old brk as the base offset of the new
// region.
func (s *Sandbox) GrowMemory(nBytes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, err := s.growLocked(nBytes)
	if err == nil {
		metrics.RecordSandboxGrow(nBytes)
	}
	return base, err
}

func (s *Sandbox) growLocked(nBytes int) (int, error) {
	base := s.currentBrk
	grown := RoundUpToPageAligned(nBytes)
	newSize := s.currentBrk + grown
	if newSize > len(s.mem) {
		bigger, err := memx.Alloc(newSize)
		if err != nil {
			return 0, fmt.Errorf("sandbox: growMemory: %w", err)
		}
		copy(bigger, s.mem)
		if len(s.mem) > 0 {
			_ = memx.Free(s.mem)
		}
		s.mem = bigger
	}
	s.currentBrk = newSize
	return base, nil
}

// ShrinkMemory lowers the brk by nBytes. The underlying pages are not
// returned to the OS; only currentBrk is observable.
func (s *Sandbox) ShrinkMemory(nBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentBrk -= nBytes
	if s.currentBrk < 0 {
		s.currentBrk = 0
	}
}

// CurrentBrk returns the logical end of used memory.
func (s *Sandbox) CurrentBrk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBrk
}

// CreateMemoryGuardRegion grows by GuardRegionSize and marks the new
// region read-only: writes fault, reads (needed by snapshot) still
// succeed.
func (s *Sandbox) CreateMemoryGuardRegion() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, err := s.growLocked(GuardRegionSize)
	if err != nil {
		return 0, err
	}
	end := offset + RoundUpToPageAligned(GuardRegionSize)
	if err := memx.Protect(s.mem[offset:end], memx.ReadOnlyProt); err != nil {
		return 0, fmt.Errorf("sandbox: createMemoryGuardRegion: %w", err)
	}
	return offset, nil
}

// CreateThreadStackPool pre-populates cores+5 thread stacks, each
// surrounded by two guard regions.
func (s *Sandbox) CreateThreadStackPool(stackSize int) error {
	count := s.cores + 5
	for i := 0; i < count; i++ {
		stack, err := s.newGuardedStack(stackSize)
		if err != nil {
			return err
		}
		s.stackMu.Lock()
		s.stackPool = append(s.stackPool, stack)
		s.stackMu.Unlock()
	}
	return nil
}

func (s *Sandbox) newGuardedStack(stackSize int) ([]byte, error) {
	if _, err := s.CreateMemoryGuardRegion(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	base, err := s.growLocked(stackSize)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := s.CreateMemoryGuardRegion(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	stack := s.mem[base : base+RoundUpToPageAligned(stackSize)]
	s.mu.Unlock()
	return stack, nil
}

// ClaimThreadStack pops one stack from the pool, allocating a fresh one
// if the pool is empty.
func (s *Sandbox) ClaimThreadStack(stackSize int) ([]byte, error) {
	s.stackMu.Lock()
	if n := len(s.stackPool); n > 0 {
		stack := s.stackPool[n-1]
		s.stackPool = s.stackPool[:n-1]
		s.stackMu.Unlock()
		return stack, nil
	}
	s.stackMu.Unlock()
	return s.newGuardedStack(stackSize)
}

// ReturnThreadStack pushes a claimed stack back onto the pool.
func (s *Sandbox) ReturnThreadStack(stack []byte) {
	s.stackMu.Lock()
	s.stackPool = append(s.stackPool, stack)
	s.stackMu.Unlock()
}

// MapSharedStateMemory memoises the mapping of kv's [offset, offset+length)
// region into this sandbox's address space on
// "{user}_{key}__{offset}__{length}". A cache hit returns the previously
// computed pointer unchanged; a miss pulls kv (allocating its backing
// storage if this is the first reference), grows the sandbox to cover the
// page-aligned outer chunk, and asks kv to remap onto it.
func (s *Sandbox) MapSharedStateMemory(ctx context.Context, user, key string, kv *state.StateKeyValue, offset, length int) (int, error) {
	cacheKey := fmt.Sprintf("%s_%s__%d__%d", user, key, offset, length)

	s.sharedMu.Lock()
	if entry, ok := s.sharedCache[cacheKey]; ok {
		s.sharedMu.Unlock()
		return entry.ptr, nil
	}
	s.sharedMu.Unlock()

	// kv must have allocated storage before it can be remapped onto the
	// sandbox's address space; a key that has never been pulled has no
	// backing memory at all yet.
	if err := kv.Pull(ctx); err != nil {
		return 0, fmt.Errorf("sandbox: mapSharedStateMemory: pull %s_%s: %w", user, key, err)
	}

	chunkStart := (offset / PageSize) * PageSize
	chunkEnd := RoundUpToPageAligned(offset + length)
	chunkBytes := chunkEnd - chunkStart

	s.mu.Lock()
	base, err := s.growLocked(chunkBytes)
	nativeAddr := memx.AddrOf(s.mem, base)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := kv.MapSharedMemory(nativeAddr); err != nil {
		return 0, fmt.Errorf("sandbox: mapSharedStateMemory: %w", err)
	}

	ptr := base + (offset % PageSize)

	s.sharedMu.Lock()
	s.sharedCache[cacheKey] = sharedMapEntry{ptr: ptr}
	s.sharedMu.Unlock()
	return ptr, nil
}

// Snapshot records the current base pointer and brk under a freshly
// generated key. When locallyRestorable is true the full used region is
// copied so Restore can replay it without a remote fetch.
func (s *Sandbox) Snapshot(locallyRestorable bool) SnapshotKey {
	s.mu.Lock()
	size := s.currentBrk
	var data []byte
	if locallyRestorable {
		data = make([]byte, size)
		copy(data, s.mem[:size])
	}
	base := s.mem
	s.mu.Unlock()

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.nextSnap++
	key := SnapshotKey(s.nextSnap)
	s.snapshots[key] = &snapshotRecord{base: base, size: size, data: data}
	return key
}

// Restore grows or shrinks the sandbox to match the snapshot's recorded
// size, then copies its bytes back over [base, base+size).
func (s *Sandbox) Restore(key SnapshotKey) error {
	s.snapMu.Lock()
	rec, ok := s.snapshots[key]
	s.snapMu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: restore: unknown snapshot %d", key)
	}
	if rec.data == nil {
		return fmt.Errorf("sandbox: restore: snapshot %d is not locally restorable", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.size > s.currentBrk {
		if _, err := s.growLocked(rec.size - s.currentBrk); err != nil {
			return err
		}
	} else {
		s.currentBrk = rec.size
	}
	copy(s.mem[:rec.size], rec.data)
	return nil
}
