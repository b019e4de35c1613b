package domain

import "errors"

// Sentinel error kinds named in the core specification's error handling
// design. Components wrap these with fmt.Errorf("...: %w", ErrX) rather
// than defining their own duplicate sentinels, so callers can errors.Is
// against a single shared set regardless of which component raised them.
var (
	// ErrOutOfBounds is returned by state segment access that runs past valueSize.
	ErrOutOfBounds = errors.New("domain: segment out of bounds")
	// ErrMapFailed is returned when a shared-memory mapping operation fails.
	ErrMapFailed = errors.New("domain: memory map failed")
	// ErrMisaligned is returned when a caller-provided address is not page-aligned.
	ErrMisaligned = errors.New("domain: address not page-aligned")
	// ErrRemoteTimeout is returned by a remote-store dequeue or lock wait that
	// exceeded its deadline. Callers on the dequeue path treat it as a normal
	// termination signal; callers on the push path silently absorb it.
	ErrRemoteTimeout = errors.New("domain: remote operation timed out")
	// ErrNoCapacity is returned when the scheduler exhausts its recursion
	// budget without finding or growing into a host that can take the call.
	ErrNoCapacity = errors.New("domain: no capacity available")
	// ErrUnbound is returned when CALL is attempted against a worker that
	// never completed a BIND.
	ErrUnbound = errors.New("domain: worker is not bound to a function")
	// ErrBadMessage is returned for a malformed invocation record.
	ErrBadMessage = errors.New("domain: malformed message")
)
