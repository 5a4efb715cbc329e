package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// DurableFunctionType classifies a host call for the durability
// interceptor. The class decides whether the call is journaled and whether
// a commit barrier is required before its result becomes observable.
type DurableFunctionType string

const (
	// ReadLocal reads node-local state with no external effect. Never
	// journaled; replay re-executes it.
	ReadLocal DurableFunctionType = "read-local"
	// WriteLocal mutates node-local durable state.
	WriteLocal DurableFunctionType = "write-local"
	// ReadRemote reads external state. Journaled so replay returns the
	// recorded result, but needs no commit barrier.
	ReadRemote DurableFunctionType = "read-remote"
	// WriteRemote performs an external side effect.
	WriteRemote DurableFunctionType = "write-remote"
	// WriteRemoteBatched is a side effect inside an explicit
	// begin/end remote write bracket.
	WriteRemoteBatched DurableFunctionType = "write-remote-batched"
	// WriteRemoteTransaction is a side effect inside a transactional
	// bracket.
	WriteRemoteTransaction DurableFunctionType = "write-remote-transaction"
)

// Logged reports whether calls of this class get an oplog entry.
func (t DurableFunctionType) Logged() bool {
	return t != ReadLocal
}

// CommitRequired reports whether the entry must be committed before the
// call's result is handed back to the worker.
func (t DurableFunctionType) CommitRequired() bool {
	switch t {
	case WriteLocal, WriteRemote, WriteRemoteBatched, WriteRemoteTransaction:
		return true
	default:
		return false
	}
}

// EntryKind discriminates the oplog entry variants.
type EntryKind string

const (
	EntryCreate            EntryKind = "create"
	EntryImportedInvoked   EntryKind = "imported-function-invoked"
	EntryExportedInvoked   EntryKind = "exported-function-invoked"
	EntryExportedCompleted EntryKind = "exported-function-completed"
	EntrySuspend           EntryKind = "suspend"
	EntryInterrupted       EntryKind = "interrupted"
	EntryExited            EntryKind = "exited"
	EntryError             EntryKind = "error"
	EntryNoOp              EntryKind = "no-op"
	EntryJump              EntryKind = "jump"
	EntryChangeRetryPolicy EntryKind = "change-retry-policy"
	EntryCreateSnapshot    EntryKind = "create-snapshot"
	EntryBeginRemoteWrite  EntryKind = "begin-remote-write"
	EntryEndRemoteWrite    EntryKind = "end-remote-write"
	EntryPendingUpdate     EntryKind = "pending-update"
	EntrySuccessfulUpdate  EntryKind = "successful-update"
	EntryFailedUpdate      EntryKind = "failed-update"
)

// UpdateMode selects how a pending component update is applied.
type UpdateMode string

const (
	// UpdateAutomatic replays the existing journal against the new
	// component version.
	UpdateAutomatic UpdateMode = "automatic"
	// UpdateSnapshotBased hands the worker's own snapshot to the new
	// version's load hook.
	UpdateSnapshotBased UpdateMode = "snapshot-based"
)

// BlobRef points at a payload stored out of line in the blob store.
type BlobRef struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// Payload is entry body data: inline bytes or a blob ref, never both.
type Payload struct {
	Inline []byte   `json:"inline,omitempty"`
	Blob   *BlobRef `json:"blob,omitempty"`
}

// InlinePayload wraps raw bytes as an inline payload. Nil data yields a
// nil payload.
func InlinePayload(data []byte) *Payload {
	if data == nil {
		return nil
	}
	return &Payload{Inline: data}
}

// Offloaded reports whether the payload body lives in the blob store.
func (p *Payload) Offloaded() bool {
	return p != nil && p.Blob != nil
}

// OplogRegion is a half-open-ended inclusive index range [Start, End]
// skipped during replay after a jump.
type OplogRegion struct {
	Start OplogIndex `json:"start"`
	End   OplogIndex `json:"end"`
}

// Contains reports whether idx falls inside the region.
func (r OplogRegion) Contains(idx OplogIndex) bool {
	return idx >= r.Start && idx <= r.End
}

// OplogEntry is one journal record. Kind selects which of the optional
// fields are meaningful; unused fields stay at their zero value and are
// omitted from the encoding.
type OplogEntry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	// Create
	Worker           *WorkerID         `json:"worker,omitempty"`
	ComponentVersion uint64            `json:"component_version,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Account          string            `json:"account,omitempty"`

	// ImportedFunctionInvoked / ExportedFunctionInvoked
	FunctionName string              `json:"function,omitempty"`
	FunctionType DurableFunctionType `json:"function_type,omitempty"`
	Response     *Payload            `json:"response,omitempty"`

	// ExportedFunctionInvoked
	IdempotencyKey IdempotencyKey `json:"idempotency_key,omitempty"`
	Request        *Payload       `json:"request,omitempty"`

	// ExportedFunctionCompleted
	ConsumedFuel int64 `json:"consumed_fuel,omitempty"`

	// Error
	TrapMessage string `json:"trap,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`

	// Jump
	Region *OplogRegion `json:"region,omitempty"`

	// ChangeRetryPolicy
	RetryPolicy *RetryConfig `json:"retry_policy,omitempty"`

	// CreateSnapshot
	Snapshot   *BlobRef   `json:"snapshot,omitempty"`
	BeginIndex OplogIndex `json:"begin_index,omitempty"`

	// PendingUpdate / SuccessfulUpdate / FailedUpdate
	TargetVersion uint64     `json:"target_version,omitempty"`
	UpdateMode    UpdateMode `json:"update_mode,omitempty"`
	UpdateDetails string     `json:"update_details,omitempty"`
}

// Encode serializes the entry for storage.
func (e *OplogEntry) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s entry: %w", e.Kind, err)
	}
	return b, nil
}

// DecodeEntry parses a stored entry.
func DecodeEntry(data []byte) (*OplogEntry, error) {
	var e OplogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode oplog entry: %w", err)
	}
	return &e, nil
}

// --- constructors ---

// NewCreateEntry is the first entry of every worker's journal.
func NewCreateEntry(worker WorkerID, version uint64, args []string, env map[string]string, account string) *OplogEntry {
	return &OplogEntry{
		Kind:             EntryCreate,
		Timestamp:        time.Now().UTC(),
		Worker:           &worker,
		ComponentVersion: version,
		Args:             args,
		Env:              env,
		Account:          account,
	}
}

// NewImportedInvokedEntry records a durable host call and its result.
func NewImportedInvokedEntry(function string, ftype DurableFunctionType, response *Payload) *OplogEntry {
	return &OplogEntry{
		Kind:         EntryImportedInvoked,
		Timestamp:    time.Now().UTC(),
		FunctionName: function,
		FunctionType: ftype,
		Response:     response,
	}
}

// NewExportedInvokedEntry records an external invocation being dequeued.
func NewExportedInvokedEntry(function string, request *Payload, key IdempotencyKey) *OplogEntry {
	return &OplogEntry{
		Kind:           EntryExportedInvoked,
		Timestamp:      time.Now().UTC(),
		FunctionName:   function,
		Request:        request,
		IdempotencyKey: key,
	}
}

// NewExportedCompletedEntry records the result of the most recent
// exported invocation along with the fuel it consumed.
func NewExportedCompletedEntry(response *Payload, consumedFuel int64) *OplogEntry {
	return &OplogEntry{
		Kind:         EntryExportedCompleted,
		Timestamp:    time.Now().UTC(),
		Response:     response,
		ConsumedFuel: consumedFuel,
	}
}

// NewErrorEntry records one failed execution attempt.
func NewErrorEntry(trap string, retryable bool, attempt int) *OplogEntry {
	return &OplogEntry{
		Kind:        EntryError,
		Timestamp:   time.Now().UTC(),
		TrapMessage: trap,
		Retryable:   retryable,
		Attempt:     attempt,
	}
}

// NewMarkerEntry builds an entry for kinds with no body: suspend,
// interrupted, exited, no-op, begin/end remote write.
func NewMarkerEntry(kind EntryKind) *OplogEntry {
	return &OplogEntry{Kind: kind, Timestamp: time.Now().UTC()}
}

// NewJumpEntry records a region the replay cursor must skip.
func NewJumpEntry(region OplogRegion) *OplogEntry {
	return &OplogEntry{
		Kind:      EntryJump,
		Timestamp: time.Now().UTC(),
		Region:    &region,
	}
}
