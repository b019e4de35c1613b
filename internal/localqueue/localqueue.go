// Package localqueue implements component E: the process-wide map of
// per-function in-memory queues, the shared bind queue, and the bound
// worker-count bookkeeping the scheduler's fast path reads.
package localqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
)

// Queue is a bounded, blocking FIFO of messages for one function.
type Queue struct {
	ch chan *domain.Message
}

func newQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *domain.Message, capacity)}
}

// Enqueue blocks until there's room or ctx is canceled.
func (q *Queue) Enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks up to timeout for the next message, returning
// (nil, false) on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return msg, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len reports the number of messages currently buffered.
func (q *Queue) Len() int { return len(q.ch) }

type entry struct {
	queue     *Queue
	boundCnt  atomic.Int64
}

// Map is the process-wide singleton: a per-function queue registry, a
// shared bind queue, and a bound-count snapshot.
type Map struct {
	mu          sync.RWMutex
	functions   map[domain.FunctionId]*entry
	queueSize   int
	bindQueue   *Queue
	boundSnapMu sync.RWMutex
	boundSnap   map[domain.FunctionId]int64
}

// New constructs an empty Map. queueSize bounds each per-function queue
// and the shared bind queue.
func New(queueSize int) *Map {
	return &Map{
		functions: make(map[domain.FunctionId]*entry),
		queueSize: queueSize,
		bindQueue: newQueue(queueSize),
		boundSnap: make(map[domain.FunctionId]int64),
	}
}

func (m *Map) getOrCreate(f domain.FunctionId) *entry {
	m.mu.RLock()
	e, ok := m.functions[f]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.functions[f]; ok {
		return e
	}
	e = &entry{queue: newQueue(m.queueSize)}
	m.functions[f] = e
	return e
}

// Enqueue dispatches msg to its function's per-function queue, creating
// the queue on first use.
func (m *Map) Enqueue(ctx context.Context, msg *domain.Message) error {
	e := m.getOrCreate(msg.FunctionId())
	return e.queue.Enqueue(ctx, msg)
}

// EnqueueBind pushes a BIND control message onto the shared bind queue.
func (m *Map) EnqueueBind(ctx context.Context, msg *domain.Message) error {
	return m.bindQueue.Enqueue(ctx, msg)
}

// BindQueue returns the shared bind queue directly, for a worker's main
// loop to dequeue from alongside its bound per-function queue.
func (m *Map) BindQueue() *Queue {
	return m.bindQueue
}

// ListenToQueue atomically increments f's bound count and returns its
// queue, creating the queue on first use.
func (m *Map) ListenToQueue(f domain.FunctionId) *Queue {
	e := m.getOrCreate(f)
	n := e.boundCnt.Add(1)
	m.setSnapshot(f, n)
	return e.queue
}

// StopListeningToQueue decrements f's bound count.
func (m *Map) StopListeningToQueue(f domain.FunctionId) {
	e := m.getOrCreate(f)
	n := e.boundCnt.Add(-1)
	m.setSnapshot(f, n)
}

// BoundCount returns f's current bound-worker count.
func (m *Map) BoundCount(f domain.FunctionId) int64 {
	m.boundSnapMu.RLock()
	defer m.boundSnapMu.RUnlock()
	return m.boundSnap[f]
}

func (m *Map) setSnapshot(f domain.FunctionId, n int64) {
	m.boundSnapMu.Lock()
	m.boundSnap[f] = n
	m.boundSnapMu.Unlock()
}

// QueueLen reports the current length of f's per-function queue without
// creating it, returning 0 for a function never referenced.
func (m *Map) QueueLen(f domain.FunctionId) int {
	m.mu.RLock()
	e, ok := m.functions[f]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.queue.Len()
}
