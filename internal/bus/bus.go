// Package bus implements component F: the cross-host message bus built
// on top of the remote store's queues and key/value primitives, plus
// per-call result rendezvous.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
	"github.com/oriys/fnmesh/internal/store"
)

// ErrTimeout is returned by NextMessage when its wait deadline elapses
// with nothing available. GetFunctionResult does not return it; it stops
// waiting only when ctx is done, and returns ctx's error.
var ErrTimeout = errors.New("bus: wait timed out")

type resultEnvelope struct {
	Success    bool            `json:"success"`
	OutputData json.RawMessage `json:"output_data"`
}

// Bus wraps a Store for cross-host message delivery and result
// rendezvous, so the awaiting side never needs to know which host
// actually executed the call.
type Bus struct {
	store store.Store
}

// New wraps st as a message bus.
func New(st store.Store) *Bus {
	return &Bus{store: st}
}

// EnqueueMessage pushes msg's wire form onto queue.
func (b *Bus) EnqueueMessage(ctx context.Context, queue string, msg *domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: enqueueMessage: %w", err)
	}
	return b.store.Enqueue(ctx, queue, raw)
}

// NextMessage blocks up to timeout for the next message on queue.
func (b *Bus) NextMessage(ctx context.Context, queue string, timeout time.Duration) (*domain.Message, error) {
	raw, err := b.store.Dequeue(ctx, queue, timeout)
	if errors.Is(err, store.ErrNoMessage) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("bus: nextMessage: %w", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("bus: nextMessage: %w: %w", domain.ErrBadMessage, err)
	}
	return &msg, nil
}

// SetFunctionResult writes msg's outcome to its result key, waking any
// caller blocked in GetFunctionResult.
func (b *Bus) SetFunctionResult(ctx context.Context, msg *domain.Message, success bool) error {
	env := resultEnvelope{Success: success, OutputData: msg.OutputData}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: setFunctionResult: %w", err)
	}
	return b.store.Set(ctx, msg.ResultKey, raw)
}

// GetFunctionResult blocks, polling at the given interval, until msg's
// result key is populated or ctx is canceled.
func (b *Bus) GetFunctionResult(ctx context.Context, msg *domain.Message, pollInterval time.Duration) (bool, json.RawMessage, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		raw, ok, err := b.store.Get(ctx, msg.ResultKey)
		if err != nil {
			return false, nil, fmt.Errorf("bus: getFunctionResult: %w", err)
		}
		if ok {
			var env resultEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return false, nil, fmt.Errorf("bus: getFunctionResult: %w: %w", domain.ErrBadMessage, err)
			}
			return env.Success, env.OutputData, nil
		}
		select {
		case <-ctx.Done():
			return false, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
