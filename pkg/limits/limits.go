// Package limits implements per-account fuel and memory admission control.
// The hot borrow/return path is lock-free atomics on a cached view of the
// account's budget; a background loop reconciles accumulated deltas with
// the remote registry in batches.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"loom/pkg/metrics"
)

// ResourceLimits is the authoritative per-account budget held by the
// remote registry.
type ResourceLimits struct {
	AvailableFuel      int64 `json:"available_fuel" yaml:"available_fuel"`
	MaxMemoryPerWorker int64 `json:"max_memory_per_worker" yaml:"max_memory_per_worker"`
}

// RegistryClient talks to the remote registry owning account budgets.
// Declared here, at the point of consumption, for testability.
type RegistryClient interface {
	// GetResourceLimits fetches the account's authoritative limits.
	GetResourceLimits(ctx context.Context, account string) (ResourceLimits, error)
	// BatchUpdateFuelUsage reports consumed fuel per account (positive
	// means consumed) and returns the refreshed limits for each.
	BatchUpdateFuelUsage(ctx context.Context, deltas map[string]int64) (map[string]ResourceLimits, error)
}

// AccountHandle is the cached admission-control state for one account.
// BorrowFuel and ReturnFuel are safe for concurrent use without locks.
type AccountHandle struct {
	account   string
	collector *metrics.Collector

	cachedFuel    atomic.Int64 // last authoritative value from the registry
	localDelta    atomic.Int64 // fuel borrowed (negative) or returned since last reconcile
	inFlightDelta atomic.Int64 // delta currently being reported
	maxMemory     atomic.Int64
}

// Account returns the account id the handle admits for.
func (h *AccountHandle) Account() string { return h.account }

// MaxMemoryPerWorker returns the current per-worker memory limit.
func (h *AccountHandle) MaxMemoryPerWorker() int64 { return h.maxMemory.Load() }

// Available returns the fuel the handle believes is available right now.
func (h *AccountHandle) Available() int64 {
	return h.cachedFuel.Load() + h.localDelta.Load() + h.inFlightDelta.Load()
}

// BorrowFuel atomically reserves amount if the cached view allows it.
// A false return is an admission rejection, not an error: the caller fails
// the operation gracefully, it never crashes the worker.
func (h *AccountHandle) BorrowFuel(amount int64) bool {
	for {
		local := h.localDelta.Load()
		if h.cachedFuel.Load()+local+h.inFlightDelta.Load() < amount {
			h.collector.RecordFuelRejection()
			return false
		}
		if h.localDelta.CompareAndSwap(local, local-amount) {
			h.collector.RecordFuelBorrow(amount)
			return true
		}
	}
}

// ReturnFuel refunds unused fuel to the local delta.
func (h *AccountHandle) ReturnFuel(amount int64) {
	h.localDelta.Add(amount)
}

// Limiter hands out account handles and runs the reconcile loop.
type Limiter struct {
	client    RegistryClient
	interval  time.Duration
	logger    *slog.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	accounts map[string]*accountSlot

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// accountSlot coalesces concurrent first-time initialization: the first
// caller fetches, everyone else waits on ready.
type accountSlot struct {
	ready  chan struct{}
	handle *AccountHandle
	err    error
}

// Config holds Limiter configuration.
type Config struct {
	// ReconcileInterval is how often accumulated deltas are reported
	// (default 10s).
	ReconcileInterval time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ReconcileInterval == 0 {
		out.ReconcileInterval = 10 * time.Second
	}
	return out
}

// New creates a Limiter over the given registry client and starts its
// reconcile loop. collector may be nil.
func New(cfg Config, client RegistryClient, logger *slog.Logger, collector *metrics.Collector) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		client:    client,
		interval:  cfg.ReconcileInterval,
		logger:    logger,
		collector: collector,
		accounts:  make(map[string]*accountSlot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.reconcileLoop()
	return l
}

// InitializeAccount returns the handle for the account, fetching its
// limits from the registry on first use. Concurrent first calls for the
// same account share a single fetch.
func (l *Limiter) InitializeAccount(ctx context.Context, account string) (*AccountHandle, error) {
	l.mu.Lock()
	slot, ok := l.accounts[account]
	if ok {
		l.mu.Unlock()
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			// failed initialization is not cached; retry
			l.mu.Lock()
			if l.accounts[account] == slot {
				delete(l.accounts, account)
			}
			l.mu.Unlock()
			return nil, slot.err
		}
		return slot.handle, nil
	}

	slot = &accountSlot{ready: make(chan struct{})}
	l.accounts[account] = slot
	l.mu.Unlock()

	limits, err := l.client.GetResourceLimits(ctx, account)
	if err != nil {
		slot.err = fmt.Errorf("initialize account %s: %w", account, err)
		close(slot.ready)
		l.mu.Lock()
		if l.accounts[account] == slot {
			delete(l.accounts, account)
		}
		l.mu.Unlock()
		return nil, slot.err
	}

	h := &AccountHandle{account: account, collector: l.collector}
	h.cachedFuel.Store(limits.AvailableFuel)
	h.maxMemory.Store(limits.MaxMemoryPerWorker)
	slot.handle = h
	close(slot.ready)
	return h, nil
}

// Close stops the reconcile loop after a final best-effort flush.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *Limiter) reconcileLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.reconcile(context.Background())
		case <-l.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			l.reconcile(ctx)
			cancel()
			return
		}
	}
}

// reconcile moves each account's local delta to in-flight, reports the
// batch, and applies the registry's authoritative answer. A failed report
// drops the in-flight delta: biased toward over-admitting briefly rather
// than blocking work on registry unavailability.
func (l *Limiter) reconcile(ctx context.Context) {
	handles := l.initializedHandles()

	deltas := make(map[string]int64)
	for _, h := range handles {
		delta := h.localDelta.Swap(0)
		if delta == 0 {
			continue
		}
		h.inFlightDelta.Add(delta)
		// registry counts consumption as positive
		deltas[h.account] = -delta
	}
	if len(deltas) == 0 {
		return
	}

	updated, err := l.client.BatchUpdateFuelUsage(ctx, deltas)
	if err != nil {
		var lost int64
		for _, h := range handles {
			lost += h.inFlightDelta.Swap(0)
		}
		l.logger.Warn("fuel reconciliation failed, dropping in-flight delta",
			"accounts", len(deltas), "lost_delta", lost, "error", err)
		return
	}

	for _, h := range handles {
		limits, ok := updated[h.account]
		if !ok {
			h.inFlightDelta.Store(0)
			continue
		}
		h.cachedFuel.Store(limits.AvailableFuel)
		h.maxMemory.Store(limits.MaxMemoryPerWorker)
		h.inFlightDelta.Store(0)
	}
	l.logger.Debug("fuel reconciled", "accounts", len(deltas))
}

func (l *Limiter) initializedHandles() []*AccountHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	handles := make([]*AccountHandle, 0, len(l.accounts))
	for _, slot := range l.accounts {
		select {
		case <-slot.ready:
			if slot.handle != nil {
				handles = append(handles, slot.handle)
			}
		default:
		}
	}
	return handles
}
