// Package promise implements the one-shot cross-worker promise registry.
// A promise is created by a worker's own oplog entry, which makes its
// identity (worker id, oplog index) stable across replay, and completed at
// most once by any external party.
package promise

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// promise states in the registry table
const (
	statePending   = "pending"
	stateCompleted = "completed"
)

// Registry stores promises durably and wakes in-process waiters when a
// promise completes. One registry serves the whole node.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[protocol.PromiseID][]chan []byte
	closed  bool
}

// NewRegistry wraps a database handle whose schema is already initialized
// (protocol.SchemaDDL). The caller keeps ownership of the handle.
func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	return &Registry{
		db:      db,
		logger:  logger,
		waiters: make(map[protocol.PromiseID][]chan []byte),
	}
}

// Create registers a pending promise. Creating the same id again is a
// no-op so replayed creation is naturally idempotent.
func (r *Registry) Create(ctx context.Context, id protocol.PromiseID) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO promises (worker_id, idx) VALUES (?, ?)
		 ON CONFLICT (worker_id, idx) DO NOTHING`,
		id.Worker.String(), int64(id.Index))
	if err != nil {
		return fmt.Errorf("create promise %s: %w", id, err)
	}
	return nil
}

// Complete resolves the promise with data. The first completion wins and
// returns true; later completions return false with no error and no effect
// on the stored data. Completing an unknown id returns
// protocol.ErrPromiseNotFound.
func (r *Registry) Complete(ctx context.Context, id protocol.PromiseID, data []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE promises SET state = ?, data = ?, completed_at = ?
		 WHERE worker_id = ? AND idx = ? AND state = ?`,
		stateCompleted, data, time.Now().UTC().Format(time.RFC3339Nano),
		id.Worker.String(), int64(id.Index), statePending)
	if err != nil {
		return false, fmt.Errorf("complete promise %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete promise %s: %w", id, err)
	}
	if n == 0 {
		// either already completed or never created
		if _, _, found, err := r.lookup(ctx, id); err != nil {
			return false, err
		} else if !found {
			return false, fmt.Errorf("complete promise %s: %w", id, protocol.ErrPromiseNotFound)
		}
		return false, nil
	}

	r.mu.Lock()
	waiters := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- data
	}
	return true, nil
}

// Poll returns the promise's data and whether it has completed, without
// blocking.
func (r *Registry) Poll(ctx context.Context, id protocol.PromiseID) ([]byte, bool, error) {
	data, state, found, err := r.lookup(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("poll promise %s: %w", id, protocol.ErrPromiseNotFound)
	}
	return data, state == stateCompleted, nil
}

// WaitFor blocks until the promise completes, ctx is done, or the registry
// closes. A registry close surfaces as protocol.ErrPromiseDropped; the
// caller decides whether to re-wait after recovery.
func (r *Registry) WaitFor(ctx context.Context, id protocol.PromiseID) ([]byte, error) {
	// register the waiter before checking state so a completion between
	// the check and the wait cannot be missed
	ch := make(chan []byte, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, protocol.ErrPromiseDropped
	}
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	data, done, err := r.Poll(ctx, id)
	if err != nil || done {
		r.removeWaiter(id, ch)
		return data, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, protocol.ErrPromiseDropped
		}
		return data, nil
	case <-ctx.Done():
		r.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// Delete removes the promise regardless of state. Used on worker teardown.
func (r *Registry) Delete(ctx context.Context, id protocol.PromiseID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM promises WHERE worker_id = ? AND idx = ?`,
		id.Worker.String(), int64(id.Index))
	if err != nil {
		return fmt.Errorf("delete promise %s: %w", id, err)
	}
	return nil
}

// DeleteWorker removes every promise owned by the worker.
func (r *Registry) DeleteWorker(ctx context.Context, worker protocol.WorkerID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM promises WHERE worker_id = ?`, worker.String())
	if err != nil {
		return fmt.Errorf("delete worker promises %s: %w", worker, err)
	}
	return nil
}

// Close drops every in-process waiter. Durable promise rows are untouched;
// after restart waiters can poll or wait again.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, waiters := range r.waiters {
		if len(waiters) > 0 {
			r.logger.Warn("dropping promise waiters", "promise", id.String(), "waiters", len(waiters))
		}
		for _, ch := range waiters {
			close(ch)
		}
		delete(r.waiters, id)
	}
	return nil
}

func (r *Registry) lookup(ctx context.Context, id protocol.PromiseID) (data []byte, state string, found bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT state, data FROM promises WHERE worker_id = ? AND idx = ?`,
		id.Worker.String(), int64(id.Index)).Scan(&state, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("lookup promise %s: %w", id, err)
	}
	return data, state, true, nil
}

func (r *Registry) removeWaiter(id protocol.PromiseID, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[id]
	for i, w := range waiters {
		if w == ch {
			r.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[id]) == 0 {
		delete(r.waiters, id)
	}
}
