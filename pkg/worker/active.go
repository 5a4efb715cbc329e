package worker

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/metrics"
	"loom/pkg/protocol"
	"loom/pkg/shard"
)

// Factory builds and readies a context for a worker id: a new Create or a
// Recover, decided by the journal.
type Factory func(ctx context.Context, id protocol.WorkerID) (*Context, error)

// CacheConfig holds ActiveWorkers configuration.
type CacheConfig struct {
	// Capacity bounds the number of instantiated contexts (default 256).
	Capacity int
	// IdleTimeout unloads workers untouched for this long (default 5m).
	IdleTimeout time.Duration
	// JanitorInterval is how often idle workers are swept (default 1m).
	JanitorInterval time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	out := c
	if out.Capacity == 0 {
		out.Capacity = 256
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 5 * time.Minute
	}
	if out.JanitorInterval == 0 {
		out.JanitorInterval = time.Minute
	}
	return out
}

type cacheEntry struct {
	ctx      *Context
	lastUsed time.Time
	elem     *list.Element
}

// ActiveWorkers is the process-wide bounded cache of live worker
// contexts: at most one context per worker id on this node. Eviction is
// always safe since evicted workers replay from their journal on the next
// access. Construction is guarded per key, so two concurrent requests for
// the same cold worker share one recovery.
type ActiveWorkers struct {
	cfg       CacheConfig
	factory   Factory
	shards    shard.Source
	logger    *slog.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used; values are worker id strings

	keyLocks sync.Map // worker id string -> *sync.Mutex

	nowFunc func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewActiveWorkers creates the cache and starts its idle janitor.
// shards may be nil to skip ownership checks (single node).
func NewActiveWorkers(cfg CacheConfig, factory Factory, shards shard.Source, logger *slog.Logger, collector *metrics.Collector) *ActiveWorkers {
	a := &ActiveWorkers{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		shards:    shards,
		logger:    logger,
		collector: collector,
		entries:   make(map[string]*cacheEntry),
		lru:       list.New(),
		nowFunc:   time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.janitor()
	return a
}

// Acquire returns the live context for the worker, creating or recovering
// it when absent. Ownership is re-checked on every acquire: a worker whose
// shard moved away is refused with ErrNotOwned even if still cached.
func (a *ActiveWorkers) Acquire(ctx context.Context, id protocol.WorkerID) (*Context, error) {
	if a.shards != nil {
		if err := shard.Check(ctx, a.shards, id); err != nil {
			return nil, err
		}
	}

	key := id.String()
	lock := a.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	if entry, ok := a.entries[key]; ok {
		entry.lastUsed = a.nowFunc()
		a.lru.MoveToFront(entry.elem)
		a.mu.Unlock()
		return entry.ctx, nil
	}
	a.mu.Unlock()

	wc, err := a.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("activate worker %s: %w", id, err)
	}

	a.mu.Lock()
	entry := &cacheEntry{ctx: wc, lastUsed: a.nowFunc()}
	entry.elem = a.lru.PushFront(key)
	a.entries[key] = entry
	evict := a.collectOverCapacityLocked()
	a.mu.Unlock()

	a.closeAll(ctx, evict, "capacity")
	return wc, nil
}

// Remove evicts the worker's context, closing it. Journal state is
// untouched.
func (a *ActiveWorkers) Remove(ctx context.Context, id protocol.WorkerID) error {
	key := id.String()
	lock := a.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	entry, ok := a.entries[key]
	if ok {
		delete(a.entries, key)
		a.lru.Remove(entry.elem)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	a.collector.WorkerStopped(false)
	return entry.ctx.Close(ctx)
}

// Len returns the number of cached contexts.
func (a *ActiveWorkers) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close stops the janitor and closes every cached context.
func (a *ActiveWorkers) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done

	a.mu.Lock()
	all := make([]*cacheEntry, 0, len(a.entries))
	for key, entry := range a.entries {
		all = append(all, entry)
		delete(a.entries, key)
	}
	a.lru.Init()
	a.mu.Unlock()

	var firstErr error
	for _, entry := range all {
		if err := entry.ctx.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *ActiveWorkers) keyLock(key string) *sync.Mutex {
	if l, ok := a.keyLocks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l, _ := a.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// collectOverCapacityLocked pops least-recently-used entries beyond
// capacity. Caller holds a.mu; returned entries are already unlinked.
func (a *ActiveWorkers) collectOverCapacityLocked() []*cacheEntry {
	var evict []*cacheEntry
	for len(a.entries) > a.cfg.Capacity {
		back := a.lru.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		entry := a.entries[key]
		delete(a.entries, key)
		a.lru.Remove(back)
		evict = append(evict, entry)
	}
	return evict
}

func (a *ActiveWorkers) closeAll(ctx context.Context, evict []*cacheEntry, reason string) {
	for _, entry := range evict {
		a.logger.Info("worker evicted", "worker", entry.ctx.ID().String(), "reason", reason)
		a.collector.WorkerStopped(true)
		if err := entry.ctx.Close(ctx); err != nil {
			a.logger.Warn("evicted worker close failed", "worker", entry.ctx.ID().String(), "error", err)
		}
	}
}

func (a *ActiveWorkers) janitor() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepIdle()
		case <-a.stop:
			return
		}
	}
}

// sweepIdle unloads workers idle past the timeout. Running or suspended
// workers are skipped regardless of age.
func (a *ActiveWorkers) sweepIdle() {
	cutoff := a.nowFunc().Add(-a.cfg.IdleTimeout)

	a.mu.Lock()
	var evict []*cacheEntry
	for key, entry := range a.entries {
		if entry.lastUsed.After(cutoff) {
			continue
		}
		status := entry.ctx.Status()
		if status == protocol.StatusRunning || status == protocol.StatusSuspended {
			continue
		}
		delete(a.entries, key)
		a.lru.Remove(entry.elem)
		evict = append(evict, entry)
	}
	a.mu.Unlock()

	if len(evict) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.closeAll(ctx, evict, "idle")
		cancel()
	}
}
