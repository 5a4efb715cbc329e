// Package worker owns the execution side of the engine: the per-worker
// context that drives a WASM instance through live invocations and
// journal replay, and the bounded cache of active contexts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/blobstore"
	"loom/pkg/component"
	"loom/pkg/durability"
	"loom/pkg/limits"
	"loom/pkg/metrics"
	"loom/pkg/oplog"
	"loom/pkg/promise"
	"loom/pkg/protocol"
)

// ErrExited is returned by Instance.Invoke when the guest program ends
// voluntarily (WASI exit). The worker becomes terminally Exited.
var ErrExited = errors.New("worker exited")

// ErrQueueFull rejects an invocation when the worker's pending queue is at
// capacity.
var ErrQueueFull = errors.New("invocation queue full")

// SnapshotNamespace is the blob store namespace for worker state
// snapshots.
const SnapshotNamespace = "snapshot"

// Config holds per-worker configuration.
type Config struct {
	// Retry is the initial retry policy; workers may change theirs at
	// runtime through a journaled policy change.
	Retry protocol.RetryConfig
	// QueueSize bounds the pending invocation queue (default 64).
	QueueSize int
	// InvocationFuel is the fuel borrowed per invocation before
	// execution (default 100). Unused fuel is refunded after metering.
	InvocationFuel int64
}

func (c Config) withDefaults() Config {
	out := c
	if out.Retry == (protocol.RetryConfig{}) {
		out.Retry = protocol.DefaultRetryConfig()
	}
	if out.QueueSize == 0 {
		out.QueueSize = 64
	}
	if out.InvocationFuel == 0 {
		out.InvocationFuel = 100
	}
	return out
}

// InvocationResult is what an enqueued invocation eventually yields.
type InvocationResult struct {
	Data []byte
	Err  error
}

type pendingInvocation struct {
	function string
	args     []byte
	key      protocol.IdempotencyKey
	done     chan InvocationResult
}

// Context owns one worker: its WASM instance, its journal position, its
// pending invocation queue and its status machine. A context processes
// invocations strictly sequentially; distinct workers run in parallel.
type Context struct {
	id      protocol.WorkerID
	account string
	cfg     Config

	log        *oplog.Oplog
	blobs      blobstore.Store
	engine     Engine
	components component.Service
	promises   *promise.Registry
	limiter    *limits.AccountHandle // nil when admission control is off

	interceptor *durability.Interceptor
	logger      *slog.Logger
	collector   *metrics.Collector

	// execMu serializes invocation processing with snapshots and updates.
	execMu sync.Mutex

	mu       sync.Mutex
	status   protocol.WorkerStatus
	results  map[protocol.IdempotencyKey][]byte
	retry    protocol.RetryConfig
	version  uint64
	args     []string
	env      map[string]string
	instance Instance

	queue    chan *pendingInvocation
	stop     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	// sleep is swapped out in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps bundles the services a context needs.
type Deps struct {
	Log        *oplog.Oplog
	Blobs      blobstore.Store
	Engine     Engine
	Components component.Service
	Promises   *promise.Registry
	Limiter    *limits.AccountHandle
	Logger     *slog.Logger
	Collector  *metrics.Collector
}

// NewContext builds a context in Idle state with no instance. Call Create
// for a brand-new worker or Recover for an existing journal before
// enqueueing invocations.
func NewContext(id protocol.WorkerID, account string, cfg Config, deps Deps) *Context {
	cfg = cfg.withDefaults()
	c := &Context{
		id:          id,
		account:     account,
		cfg:         cfg,
		log:         deps.Log,
		blobs:       deps.Blobs,
		engine:      deps.Engine,
		components:  deps.Components,
		promises:    deps.Promises,
		limiter:     deps.Limiter,
		interceptor: durability.New(id, deps.Log, deps.Logger),
		logger:      deps.Logger,
		collector:   deps.Collector,
		status:      protocol.StatusIdle,
		results:     make(map[protocol.IdempotencyKey][]byte),
		retry:       cfg.Retry,
		queue:       make(chan *pendingInvocation, cfg.QueueSize),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		sleep:       sleepCtx,
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the worker id.
func (c *Context) ID() protocol.WorkerID { return c.id }

// Status returns the current worker status.
func (c *Context) Status() protocol.WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Create initializes a brand-new worker: journals the Create entry,
// instantiates the component at the given version and starts the
// invocation loop.
func (c *Context) Create(ctx context.Context, version uint64, args []string, env map[string]string) error {
	entry := protocol.NewCreateEntry(c.id, version, args, env, c.account)
	if _, err := c.log.Append(ctx, c.id, entry); err != nil {
		return c.failOnStorage(err)
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		return c.failOnStorage(err)
	}

	comp, err := c.components.Get(ctx, c.id.Component, version)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", c.id, err)
	}
	instance, err := c.engine.Instantiate(ctx, comp, c.interceptor)
	if err != nil {
		return fmt.Errorf("instantiate worker %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.version = version
	c.args = args
	c.env = env
	c.instance = instance
	c.mu.Unlock()

	c.logger.Info("worker created", "worker", c.id.String(), "component_version", version)
	c.collector.WorkerStarted()
	go c.loop()
	return nil
}

// Recover rebuilds the worker from its journal: replays every recorded
// entry through the interceptor (starting after the latest snapshot when
// one exists), rebuilds the idempotency table, re-dispatches a trailing
// invocation that never completed, and then starts the invocation loop.
func (c *Context) Recover(ctx context.Context) error {
	start := time.Now()

	trailing, err := c.replayJournal(ctx)
	if err != nil {
		return err
	}

	if c.Status() == protocol.StatusExited {
		c.logger.Info("worker recovered into terminal exit", "worker", c.id.String())
		return nil
	}

	replayed := c.interceptor.ReplayedEntries.Load()
	c.collector.RecordReplay(int(replayed), time.Since(start).Seconds())
	c.collector.WorkerStarted()
	go c.loop()

	if trailing != nil {
		c.logger.Info("re-dispatching incomplete invocation",
			"worker", c.id.String(), "function", trailing.function, "attempt", trailing.attempts+1)
		c.redispatch(ctx, trailing)
	}

	c.logger.Info("worker recovered", "worker", c.id.String(),
		"replayed_entries", replayed, "elapsed", time.Since(start))
	return nil
}

// trailingInvocation is an ExportedFunctionInvoked with no matching
// completion at the journal tail: a crash happened mid-invocation.
type trailingInvocation struct {
	function string
	args     []byte
	key      protocol.IdempotencyKey
	attempts int
}

// replayJournal drives a fresh instance through the journal. It returns
// the trailing incomplete invocation, if any, ready to be re-dispatched.
func (c *Context) replayJournal(ctx context.Context) (*trailingInvocation, error) {
	entries, err := c.log.Read(ctx, c.id, protocol.FirstOplogIndex, protocol.OplogIndex(1)<<62)
	if err != nil {
		return nil, c.failOnStorage(err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("recover worker %s: empty journal", c.id)
	}

	// pass 1: aggregate lifecycle state across the whole journal
	var regions []protocol.OplogRegion
	for _, rec := range entries {
		if rec.Entry.Kind == protocol.EntryJump && rec.Entry.Region != nil {
			regions = append(regions, *rec.Entry.Region)
		}
	}

	var (
		version       uint64
		haveCreate    bool
		exited        bool
		snapshotAt    = -1
		snapshotBlob  *protocol.BlobRef
		retryPolicy   = c.cfg.Retry
		createArgs    []string
		createEnv     map[string]string
		createAccount string
	)
	for pos, rec := range entries {
		if skippedIn(rec.Index, regions) {
			continue
		}
		switch rec.Entry.Kind {
		case protocol.EntryCreate:
			haveCreate = true
			version = rec.Entry.ComponentVersion
			createArgs = rec.Entry.Args
			createEnv = rec.Entry.Env
			createAccount = rec.Entry.Account
		case protocol.EntrySuccessfulUpdate:
			version = rec.Entry.TargetVersion
		case protocol.EntryChangeRetryPolicy:
			if rec.Entry.RetryPolicy != nil {
				retryPolicy = *rec.Entry.RetryPolicy
			}
		case protocol.EntryCreateSnapshot:
			snapshotAt = pos
			snapshotBlob = rec.Entry.Snapshot
		case protocol.EntryExited:
			exited = true
		}
	}
	if !haveCreate && snapshotAt < 0 {
		return nil, fmt.Errorf("recover worker %s: journal has no create entry", c.id)
	}
	if createAccount != "" && createAccount != c.account {
		c.logger.Warn("journal account differs from configured account",
			"worker", c.id.String(), "journal_account", createAccount)
	}

	c.mu.Lock()
	c.version = version
	c.args = createArgs
	c.env = createEnv
	c.retry = retryPolicy
	c.mu.Unlock()

	if exited {
		c.mu.Lock()
		c.status = protocol.StatusExited
		c.mu.Unlock()
		return nil, nil
	}

	comp, err := c.components.Get(ctx, c.id.Component, version)
	if err != nil {
		return nil, fmt.Errorf("recover worker %s: %w", c.id, err)
	}
	instance, err := c.engine.Instantiate(ctx, comp, c.interceptor)
	if err != nil {
		return nil, fmt.Errorf("recover instantiate %s: %w", c.id, err)
	}
	c.mu.Lock()
	c.instance = instance
	c.mu.Unlock()

	// replay starts after the latest snapshot when one exists
	window := entries
	if snapshotAt >= 0 {
		if snapshotBlob == nil {
			return nil, fmt.Errorf("recover worker %s: snapshot entry without blob ref", c.id)
		}
		state, err := c.blobs.Get(ctx, snapshotBlob.Namespace, snapshotBlob.Path)
		if err != nil {
			return nil, fmt.Errorf("recover worker %s snapshot: %w", c.id, err)
		}
		snap, ok := instance.(Snapshotter)
		if !ok {
			return nil, fmt.Errorf("recover worker %s: component has no snapshot restore export", c.id)
		}
		if err := snap.Restore(ctx, state); err != nil {
			return nil, fmt.Errorf("restore worker %s snapshot: %w", c.id, err)
		}
		window = entries[snapshotAt+1:]
	}

	c.interceptor.StartReplay(window)

	// pass 2: re-drive the instance through the exported-call history
	var trailing *trailingInvocation
	for _, rec := range window {
		if skippedIn(rec.Index, regions) {
			continue
		}
		switch rec.Entry.Kind {
		case protocol.EntryExportedInvoked:
			args, err := c.log.ResolvePayload(ctx, rec.Entry.Request)
			if err != nil {
				return nil, err
			}
			trailing = &trailingInvocation{
				function: rec.Entry.FunctionName,
				args:     args,
				key:      rec.Entry.IdempotencyKey,
			}
		case protocol.EntryError:
			if trailing != nil {
				trailing.attempts = rec.Entry.Attempt
			}
		case protocol.EntryExportedCompleted:
			if trailing == nil {
				return nil, fmt.Errorf("recover worker %s at %d: completion without invocation", c.id, rec.Index)
			}
			// re-execute the guest code; its imports resolve from the log
			if _, err := instance.Invoke(ctx, trailing.function, trailing.args); err != nil {
				return nil, fmt.Errorf("replay invocation %s on %s: %w", trailing.function, c.id, err)
			}
			response, err := c.log.ResolvePayload(ctx, rec.Entry.Response)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.results[trailing.key] = response
			c.mu.Unlock()
			trailing = nil
		}
	}
	return trailing, nil
}

func skippedIn(idx protocol.OplogIndex, regions []protocol.OplogRegion) bool {
	for _, r := range regions {
		if r.Contains(idx) {
			return true
		}
	}
	return false
}

// redispatch finishes a crash-interrupted invocation: its already recorded
// imports replay, then execution goes live. The result lands in the
// idempotency table for the original caller to re-fetch.
func (c *Context) redispatch(ctx context.Context, trailing *trailingInvocation) {
	inv := &pendingInvocation{
		function: trailing.function,
		args:     trailing.args,
		key:      trailing.key,
		done:     make(chan InvocationResult, 1),
	}
	c.execMu.Lock()
	c.runInvocation(ctx, inv, trailing.attempts, false)
	c.execMu.Unlock()
}

// EnqueueInvocation submits an invocation. A key matching a completed
// invocation returns the recorded result immediately without enqueueing;
// an empty key gets a fresh one. The returned channel yields exactly one
// result.
func (c *Context) EnqueueInvocation(function string, args []byte, key protocol.IdempotencyKey) (<-chan InvocationResult, error) {
	if key == "" {
		key = protocol.NewIdempotencyKey()
	}

	c.mu.Lock()
	if data, ok := c.results[key]; ok {
		c.mu.Unlock()
		done := make(chan InvocationResult, 1)
		done <- InvocationResult{Data: data}
		return done, nil
	}
	status := c.status
	c.mu.Unlock()

	if status.Terminal() || status == protocol.StatusInterrupted {
		return nil, &protocol.WorkerUnavailableError{Worker: c.id, Status: status}
	}

	inv := &pendingInvocation{
		function: function,
		args:     args,
		key:      key,
		done:     make(chan InvocationResult, 1),
	}
	select {
	case c.queue <- inv:
		return inv.done, nil
	default:
		return nil, fmt.Errorf("worker %s: %w", c.id, ErrQueueFull)
	}
}

// Invoke is EnqueueInvocation plus waiting for the result.
func (c *Context) Invoke(ctx context.Context, function string, args []byte, key protocol.IdempotencyKey) ([]byte, error) {
	done, err := c.EnqueueInvocation(function, args, key)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interrupt requests the worker to stop at the next host-call boundary.
func (c *Context) Interrupt() {
	c.interceptor.RequestInterrupt()
	c.logger.Info("worker interrupt requested", "worker", c.id.String())
}

// Resume moves an Interrupted worker back to work: the status returns to
// Running-capable and queued invocations proceed.
func (c *Context) Resume() error {
	if s := c.Status(); s != protocol.StatusInterrupted {
		return &protocol.InvalidStatusTransitionError{Worker: c.id, From: s, To: protocol.StatusIdle}
	}
	c.interceptor.ClearInterrupt()
	// the loop owns Running; Interrupted -> Running happens when the next
	// invocation is picked up, so Resume only re-opens the gate
	return c.transition(protocol.StatusIdle)
}

// RevertTo rewinds the worker to the journal prefix ending at index. The
// discarded suffix stays in the log but is covered by a journaled Jump
// region, so every replay path skips it from now on. The worker leaves the
// terminal Failed state, drops the idempotency results of the discarded
// invocations, and replays the kept prefix on a fresh instance.
func (c *Context) RevertTo(ctx context.Context, index protocol.OplogIndex) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	if s := c.Status(); s == protocol.StatusExited {
		return &protocol.WorkerUnavailableError{Worker: c.id, Status: s}
	}
	if index < protocol.FirstOplogIndex {
		return fmt.Errorf("revert worker %s: index %d precedes the create entry", c.id, index)
	}
	next, err := c.log.CurrentIndex(ctx, c.id)
	if err != nil {
		return c.failOnStorage(err)
	}
	tail := next - 1
	if index >= tail {
		return fmt.Errorf("revert worker %s: no entries after index %d", c.id, index)
	}

	region := protocol.OplogRegion{Start: index + 1, End: tail}
	if _, err := c.log.Append(ctx, c.id, protocol.NewJumpEntry(region)); err != nil {
		return c.failOnStorage(err)
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		return c.failOnStorage(err)
	}

	c.mu.Lock()
	// Failed is terminal for the transition table; revert resets the
	// machine instead of transitioning it. Results repopulate from the
	// kept prefix during replay.
	c.status = protocol.StatusIdle
	c.results = make(map[protocol.IdempotencyKey][]byte)
	c.mu.Unlock()

	if err := c.reinstantiate(ctx); err != nil {
		c.mu.Lock()
		c.status = protocol.StatusFailed
		c.mu.Unlock()
		return err
	}

	c.logger.Info("worker reverted",
		"worker", c.id.String(), "to_index", int64(index), "skipped", region)
	return nil
}

// Close stops the invocation loop and tears down the instance. Durable
// state is untouched: the worker is fully recoverable.
func (c *Context) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	instance := c.instance
	c.instance = nil
	c.mu.Unlock()
	if instance != nil {
		if err := instance.Close(ctx); err != nil {
			return fmt.Errorf("close worker %s instance: %w", c.id, err)
		}
	}
	return nil
}

// loop processes the invocation queue strictly sequentially.
func (c *Context) loop() {
	defer close(c.loopDone)
	ctx := context.Background()
	for {
		select {
		case inv := <-c.queue:
			c.execMu.Lock()
			c.process(ctx, inv)
			c.execMu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *Context) process(ctx context.Context, inv *pendingInvocation) {
	c.mu.Lock()
	if data, ok := c.results[inv.key]; ok {
		c.mu.Unlock()
		inv.done <- InvocationResult{Data: data}
		return
	}
	status := c.status
	c.mu.Unlock()

	if status.Terminal() || status == protocol.StatusInterrupted {
		inv.done <- InvocationResult{Err: &protocol.WorkerUnavailableError{Worker: c.id, Status: status}}
		return
	}

	if c.limiter != nil && !c.limiter.BorrowFuel(c.cfg.InvocationFuel) {
		// admission rejection: the invocation fails, the worker does not
		inv.done <- InvocationResult{Err: fmt.Errorf("worker %s: %w", c.id, protocol.ErrFuelExhausted)}
		return
	}

	if err := c.transition(protocol.StatusRunning); err != nil {
		inv.done <- InvocationResult{Err: err}
		return
	}

	entry := protocol.NewExportedInvokedEntry(inv.function, protocol.InlinePayload(inv.args), inv.key)
	if _, err := c.log.Append(ctx, c.id, entry); err != nil {
		inv.done <- InvocationResult{Err: c.failOnStorage(err)}
		return
	}

	c.runInvocation(ctx, inv, 0, true)
}

// runInvocation drives the attempt loop for one invocation whose
// ExportedFunctionInvoked entry is already journaled. priorAttempts counts
// Error entries already recorded for it (crash recovery mid-backoff).
func (c *Context) runInvocation(ctx context.Context, inv *pendingInvocation, priorAttempts int, fresh bool) {
	if !fresh {
		if err := c.transition(protocol.StatusRunning); err != nil {
			inv.done <- InvocationResult{Err: err}
			return
		}
	}

	start := time.Now()
	attempt := priorAttempts + 1
	for {
		c.mu.Lock()
		instance := c.instance
		retry := c.retry
		c.mu.Unlock()

		result, err := instance.Invoke(ctx, inv.function, inv.args)
		if err == nil {
			c.completeInvocation(ctx, inv, result, start)
			return
		}

		switch {
		case errors.Is(err, ErrExited):
			c.finishExited(ctx, inv)
			return
		case errors.Is(err, protocol.ErrInterrupted):
			_ = c.transition(protocol.StatusInterrupted)
			inv.done <- InvocationResult{Err: err}
			return
		case isDivergence(err):
			c.logger.Error("worker failed on replay divergence", "worker", c.id.String(), "error", err)
			c.recordFailure(ctx, err.Error(), false, attempt)
			_ = c.transition(protocol.StatusFailed)
			inv.done <- InvocationResult{Err: err}
			return
		case errors.Is(err, protocol.ErrStorageUnavailable):
			_ = c.transition(protocol.StatusFailed)
			inv.done <- InvocationResult{Err: err}
			return
		}

		// component trap
		retryable := !retry.Exhausted(attempt)
		c.recordFailure(ctx, err.Error(), retryable, attempt)
		c.collector.RecordInvocationError()
		if !retryable {
			c.logger.Warn("worker failed, retries exhausted",
				"worker", c.id.String(), "function", inv.function, "attempts", attempt, "error", err)
			_ = c.transition(protocol.StatusFailed)
			inv.done <- InvocationResult{Err: fmt.Errorf("invocation %s failed after %d attempts: %w", inv.function, attempt, err)}
			return
		}

		c.collector.RecordRetry()
		delay := retry.Delay(attempt)
		c.logger.Info("retrying invocation after trap",
			"worker", c.id.String(), "function", inv.function, "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			inv.done <- InvocationResult{Err: err}
			return
		}

		// tear down and replay up to the failure point; the recorded
		// entries of this invocation replay, only the failing call and
		// beyond re-execute
		if err := c.reinstantiate(ctx); err != nil {
			_ = c.transition(protocol.StatusFailed)
			inv.done <- InvocationResult{Err: err}
			return
		}
		attempt++
	}
}

func (c *Context) completeInvocation(ctx context.Context, inv *pendingInvocation, result []byte, start time.Time) {
	var consumed int64
	c.mu.Lock()
	instance := c.instance
	c.mu.Unlock()
	if meter, ok := instance.(FuelMetered); ok {
		consumed = meter.ConsumedFuel()
		if c.limiter != nil && consumed < c.cfg.InvocationFuel {
			c.limiter.ReturnFuel(c.cfg.InvocationFuel - consumed)
		}
	}

	entry := protocol.NewExportedCompletedEntry(protocol.InlinePayload(result), consumed)
	if _, err := c.log.Append(ctx, c.id, entry); err != nil {
		inv.done <- InvocationResult{Err: c.failOnStorage(err)}
		_ = c.transition(protocol.StatusFailed)
		return
	}
	// the caller may only observe completion once it is durable
	if err := c.log.Commit(ctx, c.id); err != nil {
		inv.done <- InvocationResult{Err: c.failOnStorage(err)}
		_ = c.transition(protocol.StatusFailed)
		return
	}

	c.mu.Lock()
	c.results[inv.key] = result
	c.mu.Unlock()

	_ = c.transition(protocol.StatusIdle)
	c.collector.RecordInvocation(time.Since(start).Seconds())
	inv.done <- InvocationResult{Data: result}
}

func (c *Context) finishExited(ctx context.Context, inv *pendingInvocation) {
	if _, err := c.log.Append(ctx, c.id, protocol.NewMarkerEntry(protocol.EntryExited)); err != nil {
		inv.done <- InvocationResult{Err: c.failOnStorage(err)}
		return
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		inv.done <- InvocationResult{Err: c.failOnStorage(err)}
		return
	}
	_ = c.transition(protocol.StatusExited)
	c.logger.Info("worker exited", "worker", c.id.String())
	inv.done <- InvocationResult{Err: ErrExited}
}

// recordFailure journals one failed attempt.
func (c *Context) recordFailure(ctx context.Context, trap string, retryable bool, attempt int) {
	entry := protocol.NewErrorEntry(trap, retryable, attempt)
	if _, err := c.log.Append(ctx, c.id, entry); err != nil {
		c.logger.Error("failed to journal error entry", "worker", c.id.String(), "error", err)
		return
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		c.logger.Error("failed to commit error entry", "worker", c.id.String(), "error", err)
	}
}

// reinstantiate tears down the instance and replays the journal so the
// next attempt starts from recorded state.
func (c *Context) reinstantiate(ctx context.Context) error {
	c.mu.Lock()
	instance := c.instance
	c.instance = nil
	c.mu.Unlock()
	if instance != nil {
		if err := instance.Close(ctx); err != nil {
			c.logger.Warn("instance close before retry failed", "worker", c.id.String(), "error", err)
		}
	}

	entries, err := c.log.Read(ctx, c.id, protocol.FirstOplogIndex, protocol.OplogIndex(1)<<62)
	if err != nil {
		return c.failOnStorage(err)
	}

	c.mu.Lock()
	version := c.version
	c.mu.Unlock()

	comp, err := c.components.Get(ctx, c.id.Component, version)
	if err != nil {
		return fmt.Errorf("retry instantiate %s: %w", c.id, err)
	}
	fresh, err := c.engine.Instantiate(ctx, comp, c.interceptor)
	if err != nil {
		return fmt.Errorf("retry instantiate %s: %w", c.id, err)
	}
	c.mu.Lock()
	c.instance = fresh
	c.mu.Unlock()

	c.interceptor.StartReplay(entries)
	return c.replayCompleted(ctx, entries)
}

// replayCompleted re-drives completed invocations so the fresh instance's
// memory catches up; the trailing incomplete invocation is left for the
// caller to re-invoke.
func (c *Context) replayCompleted(ctx context.Context, entries []oplog.Indexed) error {
	var regions []protocol.OplogRegion
	for _, rec := range entries {
		if rec.Entry.Kind == protocol.EntryJump && rec.Entry.Region != nil {
			regions = append(regions, *rec.Entry.Region)
		}
	}

	c.mu.Lock()
	instance := c.instance
	c.mu.Unlock()

	var pending *trailingInvocation
	for _, rec := range entries {
		if skippedIn(rec.Index, regions) {
			continue
		}
		switch rec.Entry.Kind {
		case protocol.EntryExportedInvoked:
			args, err := c.log.ResolvePayload(ctx, rec.Entry.Request)
			if err != nil {
				return err
			}
			pending = &trailingInvocation{function: rec.Entry.FunctionName, args: args, key: rec.Entry.IdempotencyKey}
		case protocol.EntryExportedCompleted:
			if pending == nil {
				return fmt.Errorf("replay %s at %d: completion without invocation", c.id, rec.Index)
			}
			if _, err := instance.Invoke(ctx, pending.function, pending.args); err != nil {
				return fmt.Errorf("replay invocation %s on %s: %w", pending.function, c.id, err)
			}
			response, err := c.log.ResolvePayload(ctx, rec.Entry.Response)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.results[pending.key] = response
			c.mu.Unlock()
			pending = nil
		}
	}
	return nil
}

func (c *Context) transition(to protocol.WorkerStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == to {
		return nil
	}
	if !protocol.CanTransition(c.status, to) {
		return &protocol.InvalidStatusTransitionError{Worker: c.id, From: c.status, To: to}
	}
	c.logger.Debug("worker status", "worker", c.id.String(), "from", string(c.status), "to", string(to))
	c.status = to
	return nil
}

// failOnStorage marks the worker Failed: durability can no longer be
// assumed, so proceeding would risk unrecorded effects.
func (c *Context) failOnStorage(err error) error {
	if errors.Is(err, protocol.ErrStorageUnavailable) {
		c.mu.Lock()
		if !c.status.Terminal() {
			c.status = protocol.StatusFailed
		}
		c.mu.Unlock()
		c.logger.Error("worker failed on storage unavailability", "worker", c.id.String(), "error", err)
	}
	return err
}

func isDivergence(err error) bool {
	var divergence *protocol.ReplayDivergenceError
	return errors.As(err, &divergence)
}
