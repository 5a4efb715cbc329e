// Package shard answers one question: does this node currently own the
// shard a worker routes to. Assignments come from an external shard
// manager; the scheduler re-checks ownership before accepting work.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// Assignment is a point-in-time view of this node's shard ownership.
type Assignment struct {
	// ShardCount is the total number of shards in the environment. Zero
	// means sharding is off and this node owns everything.
	ShardCount uint32
	// Owned is the set of shards assigned to this node.
	Owned map[protocol.ShardID]struct{}
}

// Owns reports whether the assignment covers the worker's shard.
func (a Assignment) Owns(worker protocol.WorkerID) bool {
	if a.ShardCount == 0 {
		return true
	}
	_, ok := a.Owned[protocol.ShardOf(worker, a.ShardCount)]
	return ok
}

// Source provides the current assignment. Declared at the point of
// consumption for testability.
type Source interface {
	Current(ctx context.Context) (Assignment, error)
}

// Check returns nil when src's current assignment covers the worker, and
// an error wrapping protocol.ErrNotOwned when it does not.
func Check(ctx context.Context, src Source, worker protocol.WorkerID) error {
	assignment, err := src.Current(ctx)
	if err != nil {
		return fmt.Errorf("shard assignment for %s: %w", worker, err)
	}
	if !assignment.Owns(worker) {
		return fmt.Errorf("worker %s shard %d: %w",
			worker, protocol.ShardOf(worker, assignment.ShardCount), protocol.ErrNotOwned)
	}
	return nil
}

// StaticSource owns a fixed shard set. The zero value owns everything,
// which is the single-node default.
type StaticSource struct {
	Assignment Assignment
}

var _ Source = (*StaticSource)(nil)

// Current implements Source.
func (s *StaticSource) Current(context.Context) (Assignment, error) {
	return s.Assignment, nil
}

// RefreshingSource caches the upstream assignment and re-fetches it on an
// interval, so ownership checks on the hot path never block on the shard
// manager. A refresh failure keeps serving the last good assignment.
type RefreshingSource struct {
	upstream Source
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current Assignment
	fetched bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ Source = (*RefreshingSource)(nil)

// NewRefreshingSource wraps upstream with interval-based caching and
// starts the refresh loop.
func NewRefreshingSource(upstream Source, interval time.Duration, logger *slog.Logger) *RefreshingSource {
	if interval == 0 {
		interval = 10 * time.Second
	}
	r := &RefreshingSource{
		upstream: upstream,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Current implements Source. The first call fetches synchronously; after
// that the cached assignment is returned.
func (r *RefreshingSource) Current(ctx context.Context) (Assignment, error) {
	r.mu.RLock()
	if r.fetched {
		current := r.current
		r.mu.RUnlock()
		return current, nil
	}
	r.mu.RUnlock()

	return r.refresh(ctx)
}

// Close stops the refresh loop.
func (r *RefreshingSource) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *RefreshingSource) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.refresh(ctx); err != nil {
				r.logger.Warn("shard assignment refresh failed, keeping previous", "error", err)
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

func (r *RefreshingSource) refresh(ctx context.Context) (Assignment, error) {
	assignment, err := r.upstream.Current(ctx)
	if err != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.fetched {
			// stale answer beats no answer
			return r.current, nil
		}
		return Assignment{}, err
	}

	r.mu.Lock()
	r.current = assignment
	r.fetched = true
	r.mu.Unlock()
	return assignment, nil
}
