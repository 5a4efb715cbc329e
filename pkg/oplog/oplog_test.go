package oplog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/blobstore"
	"loom/pkg/logstore"
	"loom/pkg/protocol"
)

func testOplog(t *testing.T) (*Oplog, *logstore.MemoryStore, *blobstore.Memory) {
	t.Helper()
	store := logstore.NewMemoryStore()
	blobs := blobstore.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{}, store, blobs, logger, nil), store, blobs
}

func testWorker(name string) protocol.WorkerID {
	return protocol.WorkerID{Component: "shopping-cart", Name: name}
}

func TestAppendAssignsDenseIndexesFromOne(t *testing.T) {
	ctx := context.Background()
	log, _, _ := testOplog(t)
	worker := testWorker("w1")

	first, err := log.Append(ctx, worker, protocol.NewCreateEntry(worker, 3, nil, nil, "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, protocol.FirstOplogIndex, first)

	second, err := log.Append(ctx, worker,
		protocol.NewExportedInvokedEntry("run", nil, protocol.NewIdempotencyKey()),
		protocol.NewExportedCompletedEntry(nil, 10))
	require.NoError(t, err)
	assert.Equal(t, protocol.OplogIndex(2), second)

	next, err := log.CurrentIndex(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, protocol.OplogIndex(4), next)
}

func TestReadRoundTripsEntries(t *testing.T) {
	ctx := context.Background()
	log, _, _ := testOplog(t)
	worker := testWorker("w1")

	key := protocol.NewIdempotencyKey()
	_, err := log.Append(ctx, worker,
		protocol.NewCreateEntry(worker, 1, []string{"arg"}, map[string]string{"K": "V"}, "acct-1"),
		protocol.NewExportedInvokedEntry("checkout", protocol.InlinePayload([]byte("req")), key),
	)
	require.NoError(t, err)

	got, err := log.Read(ctx, worker, 1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EntryCreate, got[0].Entry.Kind)
	assert.Equal(t, protocol.OplogIndex(1), got[0].Index)
	assert.Equal(t, protocol.EntryExportedInvoked, got[1].Entry.Kind)
	assert.Equal(t, key, got[1].Entry.IdempotencyKey)
	assert.Equal(t, []byte("req"), got[1].Entry.Request.Inline)
}

func TestLargePayloadOffloadedAndResolved(t *testing.T) {
	ctx := context.Background()
	log, _, blobs := testOplog(t)
	worker := testWorker("w1")

	big := bytes.Repeat([]byte("x"), DefaultInlineThreshold+1)
	entry := protocol.NewImportedInvokedEntry("http-get", protocol.ReadRemote, protocol.InlinePayload(big))
	_, err := log.Append(ctx, worker, entry)
	require.NoError(t, err)

	got, err := log.Read(ctx, worker, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	resp := got[0].Entry.Response
	require.NotNil(t, resp.Blob, "payload above threshold should be offloaded")
	assert.Nil(t, resp.Inline)
	assert.Equal(t, BlobNamespace, resp.Blob.Namespace)
	assert.Equal(t, int64(len(big)), resp.Blob.Size)

	data, err := log.ResolvePayload(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, big, data)

	paths, err := blobs.List(ctx, BlobNamespace, worker.String()+"/")
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestSmallPayloadStaysInline(t *testing.T) {
	ctx := context.Background()
	log, _, blobs := testOplog(t)
	worker := testWorker("w1")

	entry := protocol.NewImportedInvokedEntry("kv-get", protocol.ReadRemote, protocol.InlinePayload([]byte("small")))
	_, err := log.Append(ctx, worker, entry)
	require.NoError(t, err)

	got, err := log.Read(ctx, worker, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, got[0].Entry.Response.Blob)
	assert.Equal(t, []byte("small"), got[0].Entry.Response.Inline)

	paths, err := blobs.List(ctx, BlobNamespace, "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestAppendRetriesExhaustedEscalates(t *testing.T) {
	ctx := context.Background()
	log, store, _ := testOplog(t)
	worker := testWorker("w1")

	store.FailAppends(true)
	_, err := log.Append(ctx, worker, protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrStorageUnavailable)
}

func TestAppendRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	log, store, _ := testOplog(t)
	worker := testWorker("w1")

	store.FailAppends(true)
	go func() {
		// clear the fault while the first retry sleeps
		store.FailAppends(false)
	}()

	_, err := log.Append(ctx, worker, protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"))
	if err != nil {
		// timing dependent: losing the race to the fault clear is fine as
		// long as the error is the escalated one
		assert.ErrorIs(t, err, protocol.ErrStorageUnavailable)
	}
}

func TestEmptyAppendRejected(t *testing.T) {
	log, _, _ := testOplog(t)
	_, err := log.Append(context.Background(), testWorker("w1"))
	require.Error(t, err)
}

func TestCommitSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	log, store, _ := testOplog(t)
	worker := testWorker("w1")

	_, err := log.Append(ctx, worker, protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"))
	require.NoError(t, err)
	require.NoError(t, log.Commit(ctx, worker))

	_, err = log.Append(ctx, worker, protocol.NewMarkerEntry(protocol.EntrySuspend))
	require.NoError(t, err)

	store.SimulateCrash()

	got, err := log.Read(ctx, worker, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "only the committed prefix survives a crash")
	assert.Equal(t, protocol.EntryCreate, got[0].Entry.Kind)
}

func TestDropPrefixKeepsSuffixReadable(t *testing.T) {
	ctx := context.Background()
	log, _, _ := testOplog(t)
	worker := testWorker("w1")

	_, err := log.Append(ctx, worker,
		protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"),
		protocol.NewMarkerEntry(protocol.EntrySuspend),
		protocol.NewMarkerEntry(protocol.EntryNoOp),
	)
	require.NoError(t, err)

	require.NoError(t, log.DropPrefix(ctx, worker, 2))

	got, err := log.Read(ctx, worker, 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.OplogIndex(3), got[0].Index)

	next, err := log.CurrentIndex(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, protocol.OplogIndex(4), next, "indexes stay dense after compaction")
}

func TestDeleteRemovesLogAndBlobs(t *testing.T) {
	ctx := context.Background()
	log, _, blobs := testOplog(t)
	worker := testWorker("w1")
	other := testWorker("w2")

	big := bytes.Repeat([]byte("y"), DefaultInlineThreshold+1)
	_, err := log.Append(ctx, worker, protocol.NewImportedInvokedEntry("f", protocol.WriteRemote, protocol.InlinePayload(big)))
	require.NoError(t, err)
	_, err = log.Append(ctx, other, protocol.NewImportedInvokedEntry("f", protocol.WriteRemote, protocol.InlinePayload(big)))
	require.NoError(t, err)

	require.NoError(t, log.Delete(ctx, worker))

	next, err := log.CurrentIndex(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, protocol.FirstOplogIndex, next)

	paths, err := blobs.List(ctx, BlobNamespace, "")
	require.NoError(t, err)
	require.Len(t, paths, 1, "other workers' blobs untouched")

	_, err = log.Read(ctx, other, 1, 1)
	require.NoError(t, err)
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	ctx := context.Background()
	log, _, _ := testOplog(t)
	worker := testWorker("w1")

	const writers = 8
	done := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := log.Append(ctx, worker, protocol.NewMarkerEntry(protocol.EntryNoOp))
			done <- err
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-done)
	}

	got, err := log.Read(ctx, worker, 1, writers)
	require.NoError(t, err)
	require.Len(t, got, writers)
	for i, rec := range got {
		assert.Equal(t, protocol.OplogIndex(i+1), rec.Index)
	}
}
