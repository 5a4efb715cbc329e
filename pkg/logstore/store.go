// Package logstore provides the indexed log store underneath the oplog: a
// durable, key-ordered sequence of byte records per worker, addressed by
// (worker id, index). The oplog layer owns entry semantics; this layer only
// stores and retrieves opaque records with ordering and durability
// guarantees.
package logstore

import (
	"context"

	"loom/pkg/protocol"
)

// Record is one stored entry: its assigned index and the encoded bytes.
type Record struct {
	Index protocol.OplogIndex
	Data  []byte
}

// Store is the indexed log store contract. Appends for a single worker are
// serialized by the implementation; different workers append concurrently.
type Store interface {
	// Append atomically appends the records starting at the worker's
	// current tail+1 and returns the index assigned to the first one.
	Append(ctx context.Context, worker protocol.WorkerID, records [][]byte) (protocol.OplogIndex, error)

	// Read returns the contiguous records with from <= index <= to, in
	// index order. Indices inside dropped prefixes are absent.
	Read(ctx context.Context, worker protocol.WorkerID, from, to protocol.OplogIndex) ([]Record, error)

	// Tail returns the highest index present for the worker, 0 if the
	// worker has no entries.
	Tail(ctx context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error)

	// Commit is the durability barrier: once it returns, every record
	// appended before the call survives a crash.
	Commit(ctx context.Context, worker protocol.WorkerID) error

	// CommittedTail returns the highest index covered by the durability
	// barrier, 0 if no barrier has been placed.
	CommittedTail(ctx context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error)

	// DropPrefix removes records with index <= upTo. An optimization
	// after snapshots, never required for correctness.
	DropPrefix(ctx context.Context, worker protocol.WorkerID, upTo protocol.OplogIndex) error

	// DeleteWorker removes every record of the worker. Whole-worker
	// teardown is the only deletion the engine performs.
	DeleteWorker(ctx context.Context, worker protocol.WorkerID) error

	// Close releases the store's resources.
	Close() error
}
