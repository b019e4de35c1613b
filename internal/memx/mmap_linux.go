// Package memx wraps the raw anonymous-mapping primitives shared by the
// state key-value store (component B, which needs a movable, page-aligned
// shared region) and the sandbox memory manager (component D, which needs
// page-granular grow/guard/protect). Putting the syscall plumbing in one
// place keeps both callers honest about page alignment instead of each
// hand-rolling its own.
package memx

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oriys/fnmesh/internal/domain"
)

// PageSize is the host's page-alignment granularity. mmap/mremap/mprotect
// all reject addresses and lengths that aren't a multiple of this.
var PageSize = unix.Getpagesize()

// IsAligned reports whether addr is a multiple of PageSize.
func IsAligned(addr uintptr) bool {
	return addr%uintptr(PageSize) == 0
}

// RoundUp rounds n up to the next page boundary.
func RoundUp(n int) int {
	p := PageSize
	return (n + p - 1) / p * p
}

// Alloc creates a new anonymous, shared, writable mapping of size bytes
// (size is rounded up to a full page), matching the "sharedMemory is
// mapped as writable, anonymous, shared, and page-aligned" invariant.
func Alloc(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, RoundUp(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memx: alloc %d bytes: %w: %v", size, domain.ErrMapFailed, err)
	}
	return b, nil
}

// Free releases a mapping previously returned by Alloc or Remap.
func Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("memx: free: %w: %v", domain.ErrMapFailed, err)
	}
	return nil
}

// RemapFixed relocates an existing anonymous mapping onto addr using Linux
// mremap's MREMAP_MAYMOVE|MREMAP_FIXED semantics: the kernel either extends
// the mapping in place or moves it, but always lands it at addr. addr must
// already be page-aligned and backed by a hole the caller reserved (e.g. a
// region inside the sandbox's guest address space).
func RemapFixed(cur []byte, addr uintptr) ([]byte, error) {
	if !IsAligned(addr) {
		return nil, fmt.Errorf("memx: remap to %#x: %w", addr, domain.ErrMisaligned)
	}
	if len(cur) == 0 {
		return nil, fmt.Errorf("memx: remap: %w: nothing mapped", domain.ErrMapFailed)
	}
	oldAddr := uintptr(unsafe.Pointer(&cur[0]))
	length := uintptr(len(cur))
	newAddr, _, errno := unix.Syscall6(unix.SYS_MREMAP, oldAddr, length, length,
		uintptr(unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED), addr, 0)
	if errno != 0 {
		return nil, fmt.Errorf("memx: remap to %#x: %w: %v", addr, domain.ErrMapFailed, errno)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), len(cur)), nil
}

// UnmapAt unmaps length bytes starting at addr, the counterpart of
// RemapFixed for callers that only have the address, not the slice header.
func UnmapAt(addr uintptr, length int) error {
	if !IsAligned(addr) {
		return fmt.Errorf("memx: unmap %#x: %w", addr, domain.ErrMisaligned)
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return Free(b)
}

// Protect changes the protection flags on an existing mapping in place,
// used to carve out the sandbox's read-only guard regions.
func Protect(b []byte, prot int) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("memx: mprotect: %w: %v", domain.ErrMapFailed, err)
	}
	return nil
}

// ReadOnlyProt is the protection mask for a read-only guard region:
// reads (needed so snapshot can still walk the region) succeed, writes
// fault.
const ReadOnlyProt = unix.PROT_READ

// AddrOf returns the host address of b[idx], for callers (like the
// sandbox's shared-state mapping) that need to hand a raw address to a
// second mapping operation aimed at the same backing memory.
func AddrOf(b []byte, idx int) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0])) + uintptr(idx)
}
