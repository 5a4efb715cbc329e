// Package durability implements the replay engine: the interceptor that
// sits between a component's imported host calls and their real
// implementations. Live calls perform the effect and journal the result;
// replayed calls resolve from the journal without touching the outside
// world, so a recovered worker reconstructs state without repeating
// effects.
package durability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"loom/pkg/oplog"
	"loom/pkg/protocol"
)

// Call describes one intercepted host call.
type Call struct {
	// Function is the imported function's fully qualified name.
	Function string
	// Type classifies the call's side-effect class, deciding journaling
	// and commit behavior.
	Type protocol.DurableFunctionType
	// Execute performs the real effect. Only invoked in live mode.
	Execute func(ctx context.Context) ([]byte, error)
}

// Interceptor is the per-worker replay state machine: Live, or Replaying
// until a preloaded window of recorded calls is consumed. A worker's host
// calls are sequential, but interrupts arrive from other goroutines, so
// the mode is mutex-guarded and the interrupt flag is atomic.
type Interceptor struct {
	worker protocol.WorkerID
	log    *oplog.Oplog
	logger *slog.Logger

	mu      sync.Mutex
	cursor  *replayCursor // nil in live mode
	bracket bool
	begin   protocol.OplogIndex

	interrupt atomic.Bool

	// ReplayedEntries counts calls resolved from the journal, for
	// recovery reporting.
	ReplayedEntries atomic.Int64
}

// replayCursor walks the import-relevant entries of a replay window.
type replayCursor struct {
	entries []oplog.Indexed
	pos     int
}

// New creates an interceptor in live mode.
func New(worker protocol.WorkerID, log *oplog.Oplog, logger *slog.Logger) *Interceptor {
	return &Interceptor{worker: worker, log: log, logger: logger}
}

// StartReplay switches to replay mode over the given window. Lifecycle
// entries (create, invocation brackets, markers) are driven by the worker
// context's own replay loop; the interceptor consumes only imported-call
// and remote-write-bracket entries, and honors Jump entries by skipping
// their regions.
func (i *Interceptor) StartReplay(window []oplog.Indexed) {
	var regions []protocol.OplogRegion
	for _, rec := range window {
		if rec.Entry.Kind == protocol.EntryJump && rec.Entry.Region != nil {
			regions = append(regions, *rec.Entry.Region)
		}
	}

	var relevant []oplog.Indexed
	for _, rec := range window {
		if skipped(rec.Index, regions) {
			continue
		}
		switch rec.Entry.Kind {
		case protocol.EntryImportedInvoked, protocol.EntryBeginRemoteWrite, protocol.EntryEndRemoteWrite:
			relevant = append(relevant, rec)
		}
	}

	i.mu.Lock()
	i.cursor = &replayCursor{entries: relevant}
	i.mu.Unlock()
}

func skipped(idx protocol.OplogIndex, regions []protocol.OplogRegion) bool {
	for _, r := range regions {
		if r.Contains(idx) {
			return true
		}
	}
	return false
}

// Replaying reports whether recorded calls remain to be consumed.
func (i *Interceptor) Replaying() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cursor != nil && i.cursor.pos < len(i.cursor.entries)
}

// RequestInterrupt asks the worker to stop. It takes effect at the next
// live host-call boundary; replay is never interrupted since it performs
// no effects.
func (i *Interceptor) RequestInterrupt() {
	i.interrupt.Store(true)
}

// Interrupted reports whether an interrupt has been requested and not yet
// consumed.
func (i *Interceptor) Interrupted() bool {
	return i.interrupt.Load()
}

// ClearInterrupt resets the flag, for resuming after an interruption.
func (i *Interceptor) ClearInterrupt() {
	i.interrupt.Store(false)
}

// Execute routes one host call through the state machine. ReadLocal calls
// pass straight through in both modes: they are trusted to be
// deterministic and are never journaled.
func (i *Interceptor) Execute(ctx context.Context, call Call) ([]byte, error) {
	if call.Type == protocol.ReadLocal {
		return call.Execute(ctx)
	}

	i.mu.Lock()
	rec, replaying := i.next()
	i.mu.Unlock()

	if replaying {
		return i.replayCall(ctx, rec, call)
	}
	return i.liveCall(ctx, call)
}

// next consumes the cursor's next entry. Callers hold i.mu.
func (i *Interceptor) next() (oplog.Indexed, bool) {
	if i.cursor == nil || i.cursor.pos >= len(i.cursor.entries) {
		if i.cursor != nil {
			// window fully consumed: caught up, back to live
			i.cursor = nil
			i.logger.Debug("replay window consumed", "worker", i.worker.String())
		}
		return oplog.Indexed{}, false
	}
	rec := i.cursor.entries[i.cursor.pos]
	i.cursor.pos++
	return rec, true
}

func (i *Interceptor) liveCall(ctx context.Context, call Call) ([]byte, error) {
	if i.interrupt.CompareAndSwap(true, false) {
		if _, err := i.log.Append(ctx, i.worker, protocol.NewMarkerEntry(protocol.EntryInterrupted)); err != nil {
			return nil, err
		}
		if err := i.log.Commit(ctx, i.worker); err != nil {
			return nil, err
		}
		return nil, protocol.ErrInterrupted
	}

	result, err := call.Execute(ctx)
	if err != nil {
		// nothing journaled: a retried attempt re-executes the call
		return nil, fmt.Errorf("host call %s: %w", call.Function, err)
	}

	entry := protocol.NewImportedInvokedEntry(call.Function, call.Type, protocol.InlinePayload(result))
	if _, err := i.log.Append(ctx, i.worker, entry); err != nil {
		return nil, err
	}
	if call.Type.CommitRequired() {
		if err := i.log.Commit(ctx, i.worker); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (i *Interceptor) replayCall(ctx context.Context, rec oplog.Indexed, call Call) ([]byte, error) {
	if rec.Entry.Kind != protocol.EntryImportedInvoked {
		return nil, i.diverged(rec, call.Function, string(rec.Entry.Kind))
	}
	if rec.Entry.FunctionName != call.Function || rec.Entry.FunctionType != call.Type {
		return nil, i.diverged(rec, call.Function, rec.Entry.FunctionName)
	}

	result, err := i.log.ResolvePayload(ctx, rec.Entry.Response)
	if err != nil {
		return nil, err
	}
	i.ReplayedEntries.Add(1)
	return result, nil
}

func (i *Interceptor) diverged(rec oplog.Indexed, requested, recorded string) error {
	err := &protocol.ReplayDivergenceError{
		Worker:       i.worker,
		Index:        rec.Index,
		ExpectedKind: rec.Entry.Kind,
		GotFunction:  requested,
		Recorded:     recorded,
	}
	i.logger.Error("replay divergence", "worker", i.worker.String(), "index", rec.Index,
		"recorded", recorded, "requested", requested)
	return err
}

// BeginRemoteWrite opens a batched/transactional remote-write bracket.
// Nested brackets are not supported.
func (i *Interceptor) BeginRemoteWrite(ctx context.Context) error {
	i.mu.Lock()
	if i.bracket {
		i.mu.Unlock()
		return fmt.Errorf("worker %s: remote write bracket already open", i.worker)
	}
	rec, replaying := i.next()
	i.mu.Unlock()

	if replaying {
		if rec.Entry.Kind != protocol.EntryBeginRemoteWrite {
			return i.diverged(rec, "begin-remote-write", string(rec.Entry.Kind))
		}
		i.setBracket(true, rec.Index)
		return nil
	}

	idx, err := i.log.Append(ctx, i.worker, protocol.NewMarkerEntry(protocol.EntryBeginRemoteWrite))
	if err != nil {
		return err
	}
	i.setBracket(true, idx)
	return nil
}

// EndRemoteWrite closes the bracket. In live mode the closing entry
// carries the begin index and the whole span is committed as one unit.
func (i *Interceptor) EndRemoteWrite(ctx context.Context) error {
	i.mu.Lock()
	if !i.bracket {
		i.mu.Unlock()
		return fmt.Errorf("worker %s: no open remote write bracket", i.worker)
	}
	begin := i.begin
	rec, replaying := i.next()
	i.mu.Unlock()

	if replaying {
		if rec.Entry.Kind != protocol.EntryEndRemoteWrite {
			return i.diverged(rec, "end-remote-write", string(rec.Entry.Kind))
		}
		i.setBracket(false, 0)
		return nil
	}

	entry := protocol.NewMarkerEntry(protocol.EntryEndRemoteWrite)
	entry.BeginIndex = begin
	if _, err := i.log.Append(ctx, i.worker, entry); err != nil {
		return err
	}
	if err := i.log.Commit(ctx, i.worker); err != nil {
		return err
	}
	i.setBracket(false, 0)
	return nil
}

func (i *Interceptor) setBracket(open bool, begin protocol.OplogIndex) {
	i.mu.Lock()
	i.bracket = open
	i.begin = begin
	i.mu.Unlock()
}
