// Package scheduler implements component G: the host-routing decision
// that picks where an invocation runs — locally, on a known-warm remote
// host, or on whatever host has headroom — and the worker-pool
// membership bookkeeping that decision depends on.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/oriys/fnmesh/internal/bus"
	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/localqueue"
	"github.com/oriys/fnmesh/internal/logging"
	"github.com/oriys/fnmesh/internal/metrics"
	"github.com/oriys/fnmesh/internal/store"
)

// globalWorkersSetKey names the set of hosts available to take on new
// functions fleet-wide, independent of any single function's warm set.
const globalWorkersSetKey = "workers:available"

func incomingQueueKey(host string) string { return "incoming:" + host }

// Config bounds the routing algorithm's retry behavior and local
// saturation thresholds.
type Config struct {
	LocalQueueThreshold   int
	BoundPoolCapacity     int
	ScheduleRecursionLimit int
	ScheduleWaitMillis    time.Duration
}

// DefaultConfig matches the values the spec names explicitly
// (scheduleRecursionLimit=10, scheduleWaitMillis=100ms) and sets the local
// saturation thresholds to single-host defaults (a queue threshold of 64
// and a bound-pool capacity of 4), which callers may resize to their fleet.
func DefaultConfig() Config {
	return Config{
		LocalQueueThreshold:    64,
		BoundPoolCapacity:      4,
		ScheduleRecursionLimit: 10,
		ScheduleWaitMillis:     100 * time.Millisecond,
	}
}

// Scheduler routes invocations to the local or a remote host.
type Scheduler struct {
	store  store.Store
	bus    *bus.Bus
	queues *localqueue.Map
	host   string
	cfg    Config
}

// New constructs a Scheduler for the given local hostname.
func New(st store.Store, b *bus.Bus, queues *localqueue.Map, host string, cfg Config) *Scheduler {
	return &Scheduler{store: st, bus: b, queues: queues, host: host, cfg: cfg}
}

// AddCurrentHostToWorkerPool inserts this host into the global
// available-workers set on startup.
func (s *Scheduler) AddCurrentHostToWorkerPool(ctx context.Context) error {
	return s.store.SAdd(ctx, globalWorkersSetKey, s.host)
}

// Clear removes this host from the global available-workers set, e.g. on
// graceful shutdown.
func (s *Scheduler) Clear(ctx context.Context) error {
	return s.store.SRem(ctx, globalWorkersSetKey, s.host)
}

// CallFunction decides where msg should run and dispatches it there,
// returning the chosen hostname. An empty stickyHost falls back to the
// hint carried in msg.StickyHost.
func (s *Scheduler) CallFunction(ctx context.Context, msg *domain.Message, affinity bool, stickyHost string) (string, error) {
	if stickyHost == "" {
		stickyHost = msg.StickyHost
	}
	return s.callFunction(ctx, msg, affinity, stickyHost, 0)
}

func (s *Scheduler) callFunction(ctx context.Context, msg *domain.Message, affinity bool, stickyHost string, recursion int) (string, error) {
	fn := msg.FunctionId()

	w, err := s.store.SMembers(ctx, fn.WorkerSetKey())
	if err != nil {
		return "", fmt.Errorf("scheduler: callFunction: %w", err)
	}

	if contains(w, s.host) && s.queues.QueueLen(fn) < s.cfg.LocalQueueThreshold {
		return s.dispatchLocal(ctx, fn, msg)
	}

	host, ok, err := s.getBestHostForFunction(ctx, fn, w, affinity, stickyHost)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.updateWorkerAllocs(ctx, msg, affinity, stickyHost, recursion)
	}

	if host == s.host {
		return s.dispatchLocal(ctx, fn, msg)
	}
	if err := s.bus.EnqueueMessage(ctx, incomingQueueKey(host), msg); err != nil {
		return "", fmt.Errorf("scheduler: callFunction: dispatch to %s: %w", host, err)
	}
	return host, nil
}

func (s *Scheduler) dispatchLocal(ctx context.Context, fn domain.FunctionId, msg *domain.Message) (string, error) {
	if err := s.queues.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("scheduler: dispatchLocal: %w", err)
	}
	metrics.SetQueueDepth(fn.User, fn.Function, s.queues.QueueLen(fn))
	if int(s.queues.BoundCount(fn)) < s.cfg.BoundPoolCapacity {
		bind := &domain.Message{User: fn.User, Function: fn.Function, Type: domain.MessageBind}
		if err := s.queues.EnqueueBind(ctx, bind); err != nil {
			logging.Op().Warn("scheduler: failed to enqueue bind", "function", fn.String(), "error", err)
		}
	}
	return s.host, nil
}

// getBestHostForFunction picks a host to run fn on: the sticky hint under
// affinity, else a uniform pick from w (skipping a saturated local host,
// unless it is w's only member), else a tie-broken pick from the global
// available-workers set when w is empty. ok is false when no candidate
// host exists at all.
func (s *Scheduler) getBestHostForFunction(ctx context.Context, fn domain.FunctionId, w []string, affinity bool, stickyHost string) (string, bool, error) {
	if affinity && stickyHost != "" && contains(w, stickyHost) {
		return stickyHost, true, nil
	}

	if len(w) > 0 {
		candidates := make([]string, 0, len(w))
		for _, host := range w {
			if host == s.host && int(s.queues.BoundCount(fn)) >= s.cfg.BoundPoolCapacity {
				continue
			}
			candidates = append(candidates, host)
		}
		if len(candidates) == 0 {
			return w[0], true, nil
		}
		return candidates[rand.Intn(len(candidates))], true, nil
	}

	available, err := s.store.SMembers(ctx, globalWorkersSetKey)
	if err != nil {
		return "", false, fmt.Errorf("scheduler: getBestHostForFunction: %w", err)
	}
	if len(available) == 0 {
		return "", false, nil
	}
	sort.Strings(available)
	best := available[0]
	bestHeadroom := s.headroom(fn, best)
	for _, host := range available[1:] {
		h := s.headroom(fn, host)
		if h > bestHeadroom {
			best, bestHeadroom = host, h
		}
	}
	return best, true, nil
}

// headroom is only meaningful for the local host, since bound counts live
// in the local queue map; remote hosts are treated as having zero
// reported headroom so lexical order breaks ties for them.
func (s *Scheduler) headroom(fn domain.FunctionId, host string) int {
	if host != s.host {
		return 0
	}
	return s.cfg.BoundPoolCapacity - int(s.queues.BoundCount(fn))
}

// updateWorkerAllocs re-runs the routing decision up to
// ScheduleRecursionLimit times, waiting ScheduleWaitMillis between
// attempts, for the case where no host currently has capacity.
func (s *Scheduler) updateWorkerAllocs(ctx context.Context, msg *domain.Message, affinity bool, stickyHost string, recursion int) (string, error) {
	if recursion >= s.cfg.ScheduleRecursionLimit {
		return "", domain.ErrNoCapacity
	}
	metrics.RecordSchedulerRecursion()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.cfg.ScheduleWaitMillis):
	}
	return s.callFunction(ctx, msg, affinity, stickyHost, recursion+1)
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
