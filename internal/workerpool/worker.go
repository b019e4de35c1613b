package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/ledger"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/logging"
	"github.com/oriys/fnmesh/internal/metrics"
	"github.com/oriys/fnmesh/internal/sandbox"
)

// State is a worker's position in the Cold -> Prewarm -> Bound ->
// Executing lifecycle.
type State int32

const (
	Cold State = iota
	Prewarm
	Bound
	Executing
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Prewarm:
		return "prewarm"
	case Bound:
		return "bound"
	case Executing:
		return "executing"
	default:
		return "unknown"
	}
}

// Worker is one isolated execution slot: a sandbox, an isolation index
// (network namespace / cgroup binding), and the function it is currently
// bound to, if any.
type Worker struct {
	id    string
	idx   int
	pool  *Pool
	state atomic.Int32

	sandbox *sandbox.Sandbox
	bound   atomic.Pointer[domain.FunctionId]
	queue   *localqueue.Queue

	snapshot  sandbox.SnapshotKey
	coldStart atomic.Bool // true until this worker's first call completes
}

// ID returns the worker's identity, assigned on first initialise.
func (w *Worker) ID() string { return w.id }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Sandbox exposes the worker's sandbox to an Invoker implementation.
func (w *Worker) Sandbox() *sandbox.Sandbox { return w.sandbox }

func (w *Worker) run(ctx context.Context) {
	defer w.finish(ctx)

	if w.pool.prewarmCount.Load() < w.pool.cfg.PrewarmTarget {
		w.initialise()
	}

	for {
		timeout := w.pool.cfg.UnboundTimeout
		var msg *domain.Message
		var ok bool
		if w.State() == Bound && w.queue != nil {
			timeout = w.pool.cfg.BoundTimeout
			msg, ok = w.queue.Dequeue(ctx, timeout)
		} else {
			msg, ok = w.pool.queues.BindQueue().Dequeue(ctx, timeout)
		}
		if !ok {
			return
		}

		switch msg.Type {
		case domain.MessageBind:
			w.bindToFunction(ctx, msg)
		case domain.MessagePrewarm:
			w.initialise()
		case domain.MessageCall:
			w.executeCall(ctx, msg)
		default:
			logging.Op().Warn("workerpool: unrecognised message type", "type", msg.Type)
		}
	}
}

// initialise gives this worker an id (on first call) and a fresh sandbox
// with its thread-stack pool, and returns it to Prewarm. It creates no
// network namespace and no cgroup binding: the isolation index is only
// logged, as netns idx+1.
func (w *Worker) initialise() {
	wasColdStart := w.State() == Cold
	if w.id == "" {
		w.id = uuid.NewString()
	}
	cores := w.pool.cfg.ModuleThreads
	if cores <= 0 {
		cores = 1
	}
	w.sandbox = sandbox.New(cores)
	if stackSize := w.pool.cfg.ThreadStackSize; stackSize > 0 {
		if err := w.sandbox.CreateThreadStackPool(stackSize); err != nil {
			logging.Op().Warn("workerpool: thread stack pool creation failed", "worker_id", w.id, "error", err)
		}
	}
	w.state.Store(int32(Prewarm))
	if wasColdStart {
		w.pool.prewarmCount.Add(1)
	}
	logging.Op().Debug("worker initialised", "worker_id", w.id, "netns", w.idx+1, "cores", cores)
}

// RunLevel fans a sub-task parallel region out across numThreads
// goroutines, one per thread-stack-pool stack, and blocks until every
// sub-task has completed. depth and sharedVarPointers describe the
// region for an Invoker; subTask receives the sandbox thread index and
// its claimed stack. It is the seam an Invoker uses to implement nested
// parallel constructs without reaching into the sandbox's stack pool
// directly.
func (w *Worker) RunLevel(depth, numThreads int, sharedVarPointers []int, subTask func(threadIdx int, stack []byte)) error {
	maxActive := w.pool.cfg.MaxActiveLevels
	if maxActive <= 0 {
		maxActive = 1
	}
	stackSize := w.pool.cfg.ThreadStackSize
	if stackSize <= 0 {
		stackSize = 131072
	}
	level := w.sandbox.NewLevel(depth, maxActive, numThreads, stackSize, sharedVarPointers)
	return level.Run(subTask)
}

// bindToFunction binds the worker to msg's function unless the function
// already has Target bound workers, in which case the bind is a no-op.
func (w *Worker) bindToFunction(ctx context.Context, msg *domain.Message) {
	fn := msg.FunctionId()
	if msg.Target > 0 && int(w.pool.queues.BoundCount(fn)) >= msg.Target {
		return
	}

	wasCold := w.sandbox == nil
	if wasCold {
		w.coldStart.Store(true)
		w.initialise()
	}
	w.queue = w.pool.queues.ListenToQueue(fn)
	w.bound.Store(&fn)
	w.snapshot = w.sandbox.Snapshot(true)
	w.state.Store(int32(Bound))

	if err := w.pool.store.SAdd(ctx, fn.WorkerSetKey(), w.pool.host); err != nil {
		logging.Op().Warn("workerpool: failed to register worker in warm set", "function", fn.String(), "error", err)
	}
	metrics.RecordWorkerBind()
}

// executeCall runs msg through the pool's Invoker, captures stdout,
// writes the result, and restores the sandbox to the clean post-bind
// snapshot before returning to Bound.
func (w *Worker) executeCall(ctx context.Context, msg *domain.Message) {
	w.state.Store(int32(Executing))
	defer w.state.Store(int32(Bound))

	callCtx := ctx
	if w.pool.cfg.GlobalMessageTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.pool.cfg.GlobalMessageTimeout)
		defer cancel()
	}

	if _, err := w.sandbox.CaptureStdout(); err != nil {
		logging.Op().Warn("workerpool: captureStdout failed", "worker_id", w.id, "error", err)
	}

	start := time.Now()
	var out []byte
	var callErr error
	if w.pool.invoker != nil {
		out, callErr = w.pool.invoker.Invoke(callCtx, w, msg)
	} else {
		callErr = fmt.Errorf("workerpool: no invoker configured")
	}
	duration := time.Since(start)

	msg.OutputData = out
	msg.Success = callErr == nil
	if callErr != nil {
		logging.Op().Warn("workerpool: call failed", "worker_id", w.id, "function", msg.FunctionId().String(), "error", callErr)
	}

	if err := w.pool.bus.SetFunctionResult(callCtx, msg, msg.Success); err != nil {
		logging.Op().Error("workerpool: failed to publish result", "result_key", msg.ResultKey, "error", err)
	}

	coldStart := w.coldStart.CompareAndSwap(true, false)
	metrics.RecordInvocation(msg.User, msg.Function, msg.Success, coldStart)
	if w.pool.ledger != nil {
		if err := ledger.RecordMessage(callCtx, w.pool.ledger, msg, w.pool.host, duration, coldStart, callErr); err != nil {
			logging.Op().Warn("workerpool: ledger record failed", "result_key", msg.ResultKey, "error", err)
		}
	}

	if w.snapshot != 0 {
		if err := w.sandbox.Restore(w.snapshot); err != nil {
			logging.Op().Warn("workerpool: sandbox restore failed", "worker_id", w.id, "error", err)
		}
	}
}

// finish releases the worker's token and its isolation index once its
// loop exits, and removes this host from the function's warm set when it
// was the host's last worker bound to that function.
func (w *Worker) finish(ctx context.Context) {
	if fn := w.bound.Load(); fn != nil {
		w.pool.queues.StopListeningToQueue(*fn)
		if w.pool.queues.BoundCount(*fn) == 0 {
			if err := w.pool.store.SRem(ctx, fn.WorkerSetKey(), w.pool.host); err != nil {
				logging.Op().Warn("workerpool: failed to remove host from warm set", "function", fn.String(), "error", err)
			}
		}
		metrics.RecordWorkerUnbind()
	}
	if w.State() == Prewarm {
		w.pool.prewarmCount.Add(-1)
	}
	w.pool.releaseIsolationIndex(w.idx)
	<-w.pool.tokens
}
