// Package store implements component A, the remote store client: the
// thin, opaque handle every other core component uses to reach the
// shared key/value store, its distributed locks, and its queues.
//
// Everything above this package — state, localqueue, bus, scheduler,
// workerpool — talks to the fleet only through the Store interface.
// Nothing outside this package imports the redis client package directly;
// that keeps the remote protocol swappable (the spec names the backing
// store as "a shared in-memory data store", not specifically Redis) and
// keeps every other component's tests runnable against the in-memory Fake
// without a running Redis.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Dequeue when the wait deadline elapses with
// nothing enqueued. Per spec §4.A, callers treat this as a normal
// termination signal, not a failure.
var ErrNoMessage = errors.New("store: dequeue timed out")

// LockID identifies a held remote lock. AcquireLock returns LockID(0) on
// contention (lock already held by someone else).
type LockID uint64

// Store is the opaque handle backed by a shared in-memory data store.
// Implementations must be safe for concurrent use; the spec notes
// "connections are per-thread" as an implementation detail, not a
// contract callers need to observe.
type Store interface {
	// Get reads the full value stored at key. Returns (nil, false, nil) if
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes the full value at key, replacing anything previously
	// stored there.
	Set(ctx context.Context, key string, value []byte) error

	// SetRange overwrites value at [offset, offset+len(buf)) within the
	// value stored at key. The stored value grows to cover the range if
	// it was shorter; gaps before offset are zero-filled, matching Redis
	// SETRANGE semantics.
	SetRange(ctx context.Context, key string, offset int, buf []byte) error

	// AcquireLock attempts to take a TTL-bounded lease on key. Returns
	// LockID(0) on contention, a non-zero id on success.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (LockID, error)

	// ReleaseLock releases a lock previously returned by AcquireLock. It is
	// a safe no-op if the lock already expired or was held by someone else
	// (ownership is verified by lock id before release).
	ReleaseLock(ctx context.Context, key string, id LockID) error

	// Enqueue pushes msg onto the tail of queue.
	Enqueue(ctx context.Context, queue string, msg []byte) error

	// Dequeue pops the next message from the head of queue, blocking up to
	// timeout. Returns ErrNoMessage if nothing arrived in time. A
	// non-positive timeout means "return immediately if empty".
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set at key.
	SRem(ctx context.Context, key, member string) error

	// SMembers returns every member of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the cardinality of the set at key.
	SCard(ctx context.Context, key string) (int, error)

	// FlushAll clears every key in the store. Intended for test teardown.
	FlushAll(ctx context.Context) error

	// Close releases the underlying connection(s).
	Close() error
}
