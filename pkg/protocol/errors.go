package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine's packages.
var (
	// ErrStorageUnavailable signals that the backing store could not be
	// written after its own retry policy was exhausted. The worker owning
	// the log must transition to Failed rather than proceed undurably.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPromiseNotFound is returned when waiting on or completing a
	// promise id that was never created.
	ErrPromiseNotFound = errors.New("promise not found")

	// ErrPromiseDropped is returned to waiters when the registry holding
	// the promise is torn down. Callers must not swallow it: the waiter
	// has to decide whether to retry the wait after recovery.
	ErrPromiseDropped = errors.New("promise dropped")

	// ErrInterrupted unwinds an in-flight invocation after an external
	// interrupt request took effect at a host-call boundary.
	ErrInterrupted = errors.New("worker interrupted")

	// ErrNotOwned is returned when a worker's shard is not assigned to
	// this node.
	ErrNotOwned = errors.New("worker shard not owned by this node")

	// ErrFuelExhausted is an admission-control rejection, not a failure of
	// the worker: the current operation should fail gracefully with a
	// resource-exhausted result.
	ErrFuelExhausted = errors.New("fuel exhausted")
)

// ReplayDivergenceError reports that a worker's deterministic code path
// diverged from its recorded execution: the call requested during replay is
// incompatible with the entry recorded at the same position. It is fatal and
// never retried automatically.
type ReplayDivergenceError struct {
	Worker       WorkerID
	Index        OplogIndex
	ExpectedKind EntryKind
	GotFunction  string
	Recorded     string
}

func (e *ReplayDivergenceError) Error() string {
	return fmt.Sprintf("replay divergence for worker %s at index %d: recorded %s %q, replay requested %q",
		e.Worker, e.Index, e.ExpectedKind, e.Recorded, e.GotFunction)
}

// InvalidStatusTransitionError reports an attempt to move a worker through
// an illegal status transition. These indicate scheduler bugs, not runtime
// conditions.
type InvalidStatusTransitionError struct {
	Worker WorkerID
	From   WorkerStatus
	To     WorkerStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("worker %s: invalid status transition %s -> %s", e.Worker, e.From, e.To)
}

// WorkerUnavailableError is returned to external callers whose invocation
// hit a worker in a terminal or interrupted state. Status lets clients
// decide whether to retry, wait, or alert.
type WorkerUnavailableError struct {
	Worker WorkerID
	Status WorkerStatus
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("worker %s unavailable: status %s", e.Worker, e.Status)
}
