// Package protocol defines the wire and storage types shared by every part
// of the engine: worker identity, oplog entries, worker status, retry
// policy, and the error taxonomy. It has no dependencies on the rest of the
// module so any package can import it.
package protocol

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// WorkerID names one durable worker: an instance of a component. The
// string form is "component/name".
type WorkerID struct {
	Component string `json:"component" yaml:"component"`
	Name      string `json:"name" yaml:"name"`
}

func (w WorkerID) String() string {
	return w.Component + "/" + w.Name
}

// ParseWorkerID parses the "component/name" form. Both parts must be
// non-empty.
func ParseWorkerID(s string) (WorkerID, error) {
	component, name, ok := strings.Cut(s, "/")
	if !ok || component == "" || name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: want component/name", s)
	}
	return WorkerID{Component: component, Name: name}, nil
}

// RoutingHash is the stable hash used for shard routing. It must never
// change across versions: shard assignments depend on it.
func (w WorkerID) RoutingHash() uint32 {
	h := fnv.New32a()
	h.Write([]byte(w.String()))
	return h.Sum32()
}

// OplogIndex is a 1-based position in a worker's journal. Zero is "no
// entry".
type OplogIndex uint64

// FirstOplogIndex is where every worker's journal starts; entry 1 is
// always the Create entry.
const FirstOplogIndex OplogIndex = 1

// IdempotencyKey deduplicates external invocations of the same logical
// request.
type IdempotencyKey string

// NewIdempotencyKey returns a fresh random key for callers that don't
// supply their own.
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey(uuid.NewString())
}

// PromiseID identifies a promise by the oplog entry that created it, which
// makes creation naturally idempotent under replay.
type PromiseID struct {
	Worker WorkerID   `json:"worker"`
	Index  OplogIndex `json:"index"`
}

func (p PromiseID) String() string {
	return fmt.Sprintf("%s@%d", p.Worker, p.Index)
}

// ShardID is a shard number in [0, shardCount).
type ShardID uint32

// ShardOf maps a worker to its shard. A zero shard count maps everything
// to shard 0 so single-node setups need no shard configuration.
func ShardOf(w WorkerID, shardCount uint32) ShardID {
	if shardCount == 0 {
		return 0
	}
	return ShardID(w.RoutingHash() % shardCount)
}
