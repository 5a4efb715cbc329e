// Package oplog implements the per-worker append-only journal: the source
// of truth for replay. It layers entry semantics over the indexed log store
// (encoding, payload offloading to the blob store, append retries, the
// commit durability barrier) and serializes the append path per worker.
package oplog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/pkg/blobstore"
	"loom/pkg/logstore"
	"loom/pkg/metrics"
	"loom/pkg/protocol"
)

// BlobNamespace is the blob store namespace for offloaded entry payloads.
const BlobNamespace = "oplog"

// DefaultInlineThreshold is the largest payload stored inline in an entry.
const DefaultInlineThreshold = 64 * 1024

// storage write retries before escalating to ErrStorageUnavailable
const (
	storageAttempts  = 3
	storageBaseDelay = 50 * time.Millisecond
)

// Config holds Oplog configuration.
type Config struct {
	// InlineThreshold is the payload size above which entry bodies are
	// offloaded to the blob store (default 64 KiB).
	InlineThreshold int
}

func (c Config) withDefaults() Config {
	out := c
	if out.InlineThreshold == 0 {
		out.InlineThreshold = DefaultInlineThreshold
	}
	return out
}

// Indexed pairs an entry with its assigned position.
type Indexed struct {
	Index protocol.OplogIndex
	Entry *protocol.OplogEntry
}

// Oplog is the journal service. One instance serves every worker on the
// node; per-worker append serialization happens internally.
type Oplog struct {
	cfg       Config
	store     logstore.Store
	blobs     blobstore.Store
	logger    *slog.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	writers map[string]*sync.Mutex // per-worker append locks
}

// New creates an Oplog over the given stores. logger must not be nil;
// collector may be nil.
func New(cfg Config, store logstore.Store, blobs blobstore.Store, logger *slog.Logger, collector *metrics.Collector) *Oplog {
	return &Oplog{
		cfg:       cfg.withDefaults(),
		store:     store,
		blobs:     blobs,
		logger:    logger,
		collector: collector,
		writers:   make(map[string]*sync.Mutex),
	}
}

// writerLock returns the append lock for a worker, creating it on first
// use. Different workers append fully concurrently; a single worker has one
// writer at a time.
func (o *Oplog) writerLock(worker protocol.WorkerID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := worker.String()
	l, ok := o.writers[key]
	if !ok {
		l = &sync.Mutex{}
		o.writers[key] = l
	}
	return l
}

// Append atomically appends the entries at the worker's tail and returns
// the index assigned to the first one. Oversized payloads are offloaded to
// the blob store before the entries are written. Exhausting the storage
// retry budget returns an error wrapping protocol.ErrStorageUnavailable;
// the caller must treat the worker as Failed, never proceed undurably.
func (o *Oplog) Append(ctx context.Context, worker protocol.WorkerID, entries ...*protocol.OplogEntry) (protocol.OplogIndex, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("oplog append: empty batch")
	}

	lock := o.writerLock(worker)
	lock.Lock()
	defer lock.Unlock()

	records := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		if err := o.offloadPayloads(ctx, worker, entry); err != nil {
			return 0, err
		}
		b, err := entry.Encode()
		if err != nil {
			return 0, err
		}
		records = append(records, b)
	}

	var first protocol.OplogIndex
	err := o.withStorageRetry(ctx, "append", worker, func() error {
		var err error
		first, err = o.store.Append(ctx, worker, records)
		return err
	})
	if err != nil {
		return 0, err
	}

	o.collector.RecordAppend(len(entries))
	return first, nil
}

// Read returns the contiguous entries with from <= index <= to. Offloaded
// payloads keep their blob refs; use ResolvePayload to fetch the bytes.
func (o *Oplog) Read(ctx context.Context, worker protocol.WorkerID, from, to protocol.OplogIndex) ([]Indexed, error) {
	records, err := o.store.Read(ctx, worker, from, to)
	if err != nil {
		return nil, fmt.Errorf("oplog read %s [%d,%d]: %w", worker, from, to, err)
	}

	out := make([]Indexed, 0, len(records))
	for _, rec := range records {
		entry, err := protocol.DecodeEntry(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("oplog entry %s@%d: %w", worker, rec.Index, err)
		}
		out = append(out, Indexed{Index: rec.Index, Entry: entry})
	}
	return out, nil
}

// CurrentIndex returns the next index that will be assigned for the
// worker.
func (o *Oplog) CurrentIndex(ctx context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error) {
	tail, err := o.store.Tail(ctx, worker)
	if err != nil {
		return 0, fmt.Errorf("oplog current index %s: %w", worker, err)
	}
	return tail + 1, nil
}

// Commit is the durability barrier: it returns only once every appended
// entry is guaranteed persisted. Live execution calls it before a
// write-class durable call's result becomes observable and before an
// invocation is acknowledged as done.
func (o *Oplog) Commit(ctx context.Context, worker protocol.WorkerID) error {
	err := o.withStorageRetry(ctx, "commit", worker, func() error {
		return o.store.Commit(ctx, worker)
	})
	if err != nil {
		return err
	}
	o.collector.RecordCommit()
	return nil
}

// DropPrefix logically removes compacted history up to and including upTo,
// after a snapshot supersedes it. Failures are non-fatal for the caller:
// skipping compaction never breaks replay.
func (o *Oplog) DropPrefix(ctx context.Context, worker protocol.WorkerID, upTo protocol.OplogIndex) error {
	if err := o.store.DropPrefix(ctx, worker, upTo); err != nil {
		return fmt.Errorf("oplog drop prefix %s up to %d: %w", worker, upTo, err)
	}
	o.logger.Info("oplog prefix dropped", "worker", worker.String(), "up_to", upTo)
	return nil
}

// Delete tears down the whole worker: its log records and its offloaded
// payloads. Only used for explicit worker deletion.
func (o *Oplog) Delete(ctx context.Context, worker protocol.WorkerID) error {
	if err := o.store.DeleteWorker(ctx, worker); err != nil {
		return fmt.Errorf("oplog delete %s: %w", worker, err)
	}
	paths, err := o.blobs.List(ctx, BlobNamespace, worker.String()+"/")
	if err != nil {
		return fmt.Errorf("oplog delete blobs %s: %w", worker, err)
	}
	for _, path := range paths {
		if err := o.blobs.Delete(ctx, BlobNamespace, path); err != nil {
			return fmt.Errorf("oplog delete blob %s: %w", path, err)
		}
	}
	return nil
}

// ResolvePayload returns the payload's bytes, fetching offloaded bodies
// from the blob store.
func (o *Oplog) ResolvePayload(ctx context.Context, p *protocol.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if p.Blob == nil {
		return p.Inline, nil
	}
	data, err := o.blobs.Get(ctx, p.Blob.Namespace, p.Blob.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve offloaded payload %s/%s: %w", p.Blob.Namespace, p.Blob.Path, err)
	}
	return data, nil
}

// offloadPayloads moves oversized inline payloads of the entry into the
// blob store, replacing them with content-addressed refs. Content
// addressing keeps the put idempotent under append retries.
func (o *Oplog) offloadPayloads(ctx context.Context, worker protocol.WorkerID, entry *protocol.OplogEntry) error {
	for _, p := range []*protocol.Payload{entry.Request, entry.Response} {
		if p == nil || p.Blob != nil || len(p.Inline) <= o.cfg.InlineThreshold {
			continue
		}
		sum := sha256.Sum256(p.Inline)
		path := worker.String() + "/" + hex.EncodeToString(sum[:])
		if err := o.blobs.Put(ctx, BlobNamespace, path, p.Inline); err != nil {
			return fmt.Errorf("offload payload %s: %w", path, err)
		}
		p.Blob = &protocol.BlobRef{Namespace: BlobNamespace, Path: path, Size: int64(len(p.Inline))}
		p.Inline = nil
		o.collector.RecordOffload()
	}
	return nil
}

// withStorageRetry runs op with the storage layer's backoff, escalating to
// ErrStorageUnavailable once attempts are exhausted.
func (o *Oplog) withStorageRetry(ctx context.Context, what string, worker protocol.WorkerID, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= storageAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt < storageAttempts {
			delay := storageBaseDelay << (attempt - 1)
			o.logger.Warn("oplog storage retry",
				"op", what, "worker", worker.String(), "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("oplog %s %s after %d attempts: %v: %w",
		what, worker, storageAttempts, lastErr, protocol.ErrStorageUnavailable)
}
