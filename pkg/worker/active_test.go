package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"loom/pkg/limits"
	"loom/pkg/protocol"
	"loom/pkg/shard"
)

// stubRegistry satisfies limits.RegistryClient with a fixed budget.
type stubRegistry struct {
	fuel int64
}

func (s *stubRegistry) GetResourceLimits(context.Context, string) (limits.ResourceLimits, error) {
	return limits.ResourceLimits{AvailableFuel: s.fuel, MaxMemoryPerWorker: 1 << 20}, nil
}

func (s *stubRegistry) BatchUpdateFuelUsage(_ context.Context, deltas map[string]int64) (map[string]limits.ResourceLimits, error) {
	out := make(map[string]limits.ResourceLimits, len(deltas))
	for account := range deltas {
		out[account] = limits.ResourceLimits{AvailableFuel: s.fuel, MaxMemoryPerWorker: 1 << 20}
	}
	return out, nil
}

func newTestLimiter(t *testing.T, client limits.RegistryClient) *limits.Limiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := limits.New(limits.Config{ReconcileInterval: time.Hour}, client, logger, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// cacheFixture builds an ActiveWorkers whose factory creates-or-recovers
// against a shared journal, like the production wiring.
type cacheFixture struct {
	f            *fixture
	factoryCalls int
}

func (cf *cacheFixture) factory(ctx context.Context, id protocol.WorkerID) (*Context, error) {
	cf.factoryCalls++
	c := NewContext(id, "acct-1", Config{}, cf.f.deps)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	// an existing journal means recovery; a fresh worker gets created
	next, err := cf.f.log.CurrentIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if next == protocol.FirstOplogIndex {
		if err := c.Create(ctx, 1, nil, nil); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.Recover(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newCacheFixture(t *testing.T) *cacheFixture {
	return &cacheFixture{f: newFixture(t)}
}

func newCache(t *testing.T, cf *cacheFixture, cfg CacheConfig, shards shard.Source) *ActiveWorkers {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewActiveWorkers(cfg, cf.factory, shards, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestAcquireReturnsSameContext(t *testing.T) {
	cf := newCacheFixture(t)
	a := newCache(t, cf, CacheConfig{}, nil)
	ctx := context.Background()

	w := protocol.WorkerID{Component: "shopping-cart", Name: "w1"}
	first, err := a.Acquire(ctx, w)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	second, err := a.Acquire(ctx, w)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first != second {
		t.Error("second acquire built a new context")
	}
	if cf.factoryCalls != 1 {
		t.Errorf("factory called %d times", cf.factoryCalls)
	}
}

func TestCapacityEvictionAndTransparentRecovery(t *testing.T) {
	cf := newCacheFixture(t)
	a := newCache(t, cf, CacheConfig{Capacity: 1, JanitorInterval: time.Hour}, nil)
	ctx := context.Background()

	w1 := protocol.WorkerID{Component: "shopping-cart", Name: "w1"}
	w2 := protocol.WorkerID{Component: "shopping-cart", Name: "w2"}

	c1, err := a.Acquire(ctx, w1)
	if err != nil {
		t.Fatalf("Acquire w1: %v", err)
	}
	if _, err := c1.Invoke(ctx, "inc", nil, "K1"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// second worker evicts the first
	if _, err := a.Acquire(ctx, w2); err != nil {
		t.Fatalf("Acquire w2: %v", err)
	}
	if a.Len() != 1 {
		t.Fatalf("cache size %d, want 1", a.Len())
	}

	// re-acquiring w1 recovers it from the journal with state intact
	c1again, err := a.Acquire(ctx, w1)
	if err != nil {
		t.Fatalf("re-Acquire w1: %v", err)
	}
	if c1again == c1 {
		t.Fatal("evicted context was returned again")
	}
	result, err := c1again.Invoke(ctx, "inc", nil, "K2")
	if err != nil {
		t.Fatalf("post-eviction Invoke: %v", err)
	}
	if string(result) != "2" {
		t.Fatalf("post-eviction result %q, want continuation of counter", result)
	}
}

func TestIdleSweepUnloadsWorkers(t *testing.T) {
	cf := newCacheFixture(t)
	a := newCache(t, cf, CacheConfig{IdleTimeout: time.Minute, JanitorInterval: time.Hour}, nil)
	ctx := context.Background()

	w := protocol.WorkerID{Component: "shopping-cart", Name: "w1"}
	if _, err := a.Acquire(ctx, w); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now := time.Now()
	a.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	a.sweepIdle()

	if a.Len() != 0 {
		t.Fatalf("cache size %d after idle sweep", a.Len())
	}
}

func TestAcquireRefusesUnownedShard(t *testing.T) {
	cf := newCacheFixture(t)
	w := protocol.WorkerID{Component: "shopping-cart", Name: "w1"}

	var other protocol.ShardID
	if protocol.ShardOf(w, 8) == 0 {
		other = 1
	}
	src := &shard.StaticSource{Assignment: shard.Assignment{
		ShardCount: 8,
		Owned:      map[protocol.ShardID]struct{}{other: {}},
	}}
	a := newCache(t, cf, CacheConfig{}, src)

	_, err := a.Acquire(context.Background(), w)
	if !errors.Is(err, protocol.ErrNotOwned) {
		t.Fatalf("got %v, want ErrNotOwned", err)
	}
	if cf.factoryCalls != 0 {
		t.Error("factory ran for an unowned worker")
	}
}

func TestRemoveClosesContext(t *testing.T) {
	cf := newCacheFixture(t)
	a := newCache(t, cf, CacheConfig{}, nil)
	ctx := context.Background()

	w := protocol.WorkerID{Component: "shopping-cart", Name: "w1"}
	if _, err := a.Acquire(ctx, w); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Remove(ctx, w); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("cache size %d", a.Len())
	}
}

func TestDistinctWorkersAreIndependent(t *testing.T) {
	cf := newCacheFixture(t)
	a := newCache(t, cf, CacheConfig{}, nil)
	ctx := context.Background()

	for n := 0; n < 4; n++ {
		w := protocol.WorkerID{Component: "shopping-cart", Name: fmt.Sprintf("w%d", n)}
		if _, err := a.Acquire(ctx, w); err != nil {
			t.Fatalf("Acquire %s: %v", w, err)
		}
	}
	if a.Len() != 4 {
		t.Errorf("cache size %d", a.Len())
	}
}
