// Package workerpool implements component H: the token-gated pool of
// workers that cycle through Cold -> Prewarm -> Bound -> Executing,
// dequeuing from the local queue map and reporting results on the
// message bus.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/fnmesh/internal/bus"
	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/ledger"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/logging"
	"github.com/oriys/fnmesh/internal/scheduler"
	"github.com/oriys/fnmesh/internal/store"
)

// Invoker executes a bound function's body inside a worker's sandbox.
// Actual bytecode execution is outside this component's scope; Invoker is
// the seam the interpreter plugs into.
type Invoker interface {
	Invoke(ctx context.Context, w *Worker, msg *domain.Message) (json.RawMessage, error)
}

// Pool owns every live worker on this host: a token-gated count of
// concurrently running worker goroutines, the isolation-index free list
// each Cold worker claims on startup, and the singleflight group that
// coalesces concurrent cold-start decisions for a function with zero
// workers on this host.
type Pool struct {
	cfg     Config
	host    string
	store   store.Store
	bus     *bus.Bus
	queues  *localqueue.Map
	sched   *scheduler.Scheduler
	invoker Invoker
	ledger  *ledger.Ledger

	tokens chan struct{}

	idxMu    sync.Mutex
	nextIdx  int
	freeIdx  []int

	prewarmCount atomic.Int32

	coldStart singleflight.Group

	wg sync.WaitGroup
}

// New constructs a Pool. invoker may be nil in configurations that only
// exercise routing and lifecycle, not actual execution (e.g. tests).
func New(cfg Config, host string, st store.Store, b *bus.Bus, queues *localqueue.Map, sched *scheduler.Scheduler, invoker Invoker) *Pool {
	return &Pool{
		cfg:     cfg,
		host:    host,
		store:   st,
		bus:     b,
		queues:  queues,
		sched:   sched,
		invoker: invoker,
		tokens:  make(chan struct{}, cfg.ThreadsPerWorker),
	}
}

// claimIsolationIndex pops a freed index or mints a new one. Indices are
// 0-based; the worker's network namespace is indexed workerIdx+1 per the
// spec's isolation scheme.
func (p *Pool) claimIsolationIndex() int {
	p.idxMu.Lock()
	defer p.idxMu.Unlock()
	if n := len(p.freeIdx); n > 0 {
		idx := p.freeIdx[n-1]
		p.freeIdx = p.freeIdx[:n-1]
		return idx
	}
	idx := p.nextIdx
	p.nextIdx++
	return idx
}

func (p *Pool) releaseIsolationIndex(idx int) {
	p.idxMu.Lock()
	p.freeIdx = append(p.freeIdx, idx)
	p.idxMu.Unlock()
}

// SpawnWorker blocks until a token is available, then starts a new
// worker's lifecycle goroutine. It returns once the worker has been
// launched, not once it exits.
func (p *Pool) SpawnWorker(ctx context.Context) error {
	select {
	case p.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w := &Worker{
		idx:  p.claimIsolationIndex(),
		pool: p,
	}
	w.state.Store(int32(Cold))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// EnsureColdStart spawns a worker for fn if this host has no worker bound
// to it yet. Callers whose calls overlap an in-flight spawn for the same
// function share it via singleflight. The check counts only bound
// workers, so a caller arriving after a spawn has returned but before that
// worker has bound spawns another.
func (p *Pool) EnsureColdStart(ctx context.Context, fn domain.FunctionId) error {
	if p.queues.BoundCount(fn) > 0 {
		return nil
	}
	_, err, _ := p.coldStart.Do(fn.String(), func() (any, error) {
		if p.queues.BoundCount(fn) > 0 {
			return nil, nil
		}
		return nil, p.SpawnWorker(ctx)
	})
	return err
}

// SetLedger attaches an optional durable invocation ledger. When set,
// every completed call is recorded on the worker's own goroutine, after
// its result is published. A nil ledger (the default) disables recording.
func (p *Pool) SetLedger(l *ledger.Ledger) {
	p.ledger = l
}

// Wait blocks until every worker this pool spawned has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ChainCall issues a child invocation inheriting parent's user, routes it
// through the scheduler, and returns the child's result key as its id.
func (p *Pool) ChainCall(ctx context.Context, parent *domain.Message, name string, idx int, input json.RawMessage) (string, error) {
	child := &domain.Message{
		User:      parent.User,
		Function:  name,
		Idx:       idx,
		InputData: input,
		Type:      domain.MessageCall,
		IsAsync:   true,
	}
	gid, err := newGID()
	if err != nil {
		return "", fmt.Errorf("workerpool: chainCall: %w", err)
	}
	child.ResultKey = child.FunctionId().ResultKey(gid)

	if _, err := p.sched.CallFunction(ctx, child, false, ""); err != nil {
		return "", fmt.Errorf("workerpool: chainCall: %w", err)
	}
	return child.ResultKey, nil
}

// AwaitChainedCall blocks on id's result key, returning its success flag
// and raw output. Bounded by cfg.ChainedCallTimeout when set, in addition
// to whatever deadline ctx already carries.
func (p *Pool) AwaitChainedCall(ctx context.Context, id string) (bool, json.RawMessage, error) {
	waitCtx := ctx
	if p.cfg.ChainedCallTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.ChainedCallTimeout)
		defer cancel()
	}
	msg := &domain.Message{ResultKey: id}
	success, out, err := p.bus.GetFunctionResult(waitCtx, msg, chainPollInterval)
	if err != nil {
		logging.Op().Warn("workerpool: chained call await failed", "result_key", id, "error", err)
		return false, nil, err
	}
	return success, out, nil
}
