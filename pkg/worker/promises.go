package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"loom/pkg/durability"
	"loom/pkg/protocol"
)

// Promise host calls. These are the functions a guest reaches the promise
// registry through; each one is a durable call routed via the interceptor,
// so a replayed worker observes the same promise ids and poll results it
// saw live.

// pollResult is the journaled shape of a promise poll observation.
type pollResult struct {
	Completed bool   `json:"completed"`
	Data      []byte `json:"data,omitempty"`
}

// PromiseCreate creates a promise owned by this worker, identified by the
// oplog index of the call's own journal entry.
func (c *Context) PromiseCreate(ctx context.Context) (protocol.PromiseID, error) {
	raw, err := c.interceptor.Execute(ctx, durability.Call{
		Function: "promise.create",
		Type:     protocol.WriteLocal,
		Execute: func(ctx context.Context) ([]byte, error) {
			// the entry journaling this call gets the current tail index;
			// the worker's appends are serialized, so it cannot move under us
			idx, err := c.log.CurrentIndex(ctx, c.id)
			if err != nil {
				return nil, err
			}
			id := protocol.PromiseID{Worker: c.id, Index: idx}
			if err := c.promises.Create(ctx, id); err != nil {
				return nil, err
			}
			return json.Marshal(id)
		},
	})
	if err != nil {
		return protocol.PromiseID{}, err
	}
	var id protocol.PromiseID
	if err := json.Unmarshal(raw, &id); err != nil {
		return protocol.PromiseID{}, fmt.Errorf("decode promise id: %w", err)
	}
	return id, nil
}

// PromisePoll is the non-suspending wait primitive: the observed state
// (incomplete vs. completed-with-data) is itself a durable effect, which
// keeps waits replayable.
func (c *Context) PromisePoll(ctx context.Context, id protocol.PromiseID) ([]byte, bool, error) {
	raw, err := c.interceptor.Execute(ctx, durability.Call{
		Function: "promise.poll",
		Type:     protocol.ReadRemote,
		Execute: func(ctx context.Context) ([]byte, error) {
			data, completed, err := c.promises.Poll(ctx, id)
			if err != nil {
				return nil, err
			}
			return json.Marshal(pollResult{Completed: completed, Data: data})
		},
	})
	if err != nil {
		return nil, false, err
	}
	var res pollResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode poll result: %w", err)
	}
	return res.Data, res.Completed, nil
}

// PromiseAwait blocks until the promise completes and returns its data.
// While live, the worker journals a Suspend marker and parks in Suspended
// status until the completion arrives; replay resolves instantly from the
// recorded entry without waiting on anything.
func (c *Context) PromiseAwait(ctx context.Context, id protocol.PromiseID) ([]byte, error) {
	raw, err := c.interceptor.Execute(ctx, durability.Call{
		Function: "promise.await",
		Type:     protocol.ReadRemote,
		Execute: func(ctx context.Context) ([]byte, error) {
			if _, err := c.log.Append(ctx, c.id, protocol.NewMarkerEntry(protocol.EntrySuspend)); err != nil {
				return nil, err
			}
			if err := c.log.Commit(ctx, c.id); err != nil {
				return nil, err
			}

			suspended := c.Status() == protocol.StatusRunning
			if suspended {
				if err := c.transition(protocol.StatusSuspended); err != nil {
					return nil, err
				}
			}
			data, err := c.promises.WaitFor(ctx, id)
			if suspended {
				if terr := c.transition(protocol.StatusRunning); err == nil && terr != nil {
					return nil, terr
				}
			}
			return data, err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("await promise %s: %w", id, err)
	}
	return raw, nil
}

// PromiseComplete resolves a promise, possibly owned by another worker.
// The first-completion-wins outcome is journaled, so replay observes the
// same winner.
func (c *Context) PromiseComplete(ctx context.Context, id protocol.PromiseID, data []byte) (bool, error) {
	raw, err := c.interceptor.Execute(ctx, durability.Call{
		Function: "promise.complete",
		Type:     protocol.WriteRemote,
		Execute: func(ctx context.Context) ([]byte, error) {
			won, err := c.promises.Complete(ctx, id, data)
			if err != nil {
				return nil, err
			}
			return json.Marshal(won)
		},
	})
	if err != nil {
		return false, err
	}
	var won bool
	if err := json.Unmarshal(raw, &won); err != nil {
		return false, fmt.Errorf("decode completion result: %w", err)
	}
	return won, nil
}
