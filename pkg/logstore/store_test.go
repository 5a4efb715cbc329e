package logstore

import (
	"context"
	"path/filepath"
	"testing"

	"loom/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWorker = protocol.WorkerID{Component: "shop", Name: "cart-1"}

// openStores returns one store of each implementation, so the contract
// tests run against both.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestAppendAssignsDenseIndices(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Append(ctx, testWorker, [][]byte{[]byte("a"), []byte("b")})
			require.NoError(t, err)
			assert.Equal(t, protocol.FirstOplogIndex, first)

			second, err := store.Append(ctx, testWorker, [][]byte{[]byte("c")})
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(3), second)

			tail, err := store.Tail(ctx, testWorker)
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(3), tail)

			records, err := store.Read(ctx, testWorker, 1, 3)
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, []byte("a"), records[0].Data)
			assert.Equal(t, []byte("c"), records[2].Data)
		})
	}
}

func TestAppendEmptyBatchRejected(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if name == "memory" {
				t.Skip("memory store tolerates empty batches")
			}
			_, err := store.Append(context.Background(), testWorker, nil)
			assert.Error(t, err)
		})
	}
}

func TestWorkersAreIsolated(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			other := protocol.WorkerID{Component: "shop", Name: "cart-2"}

			_, err := store.Append(ctx, testWorker, [][]byte{[]byte("a")})
			require.NoError(t, err)

			tail, err := store.Tail(ctx, other)
			require.NoError(t, err)
			assert.Zero(t, tail, "fresh worker must have empty log")

			first, err := store.Append(ctx, other, [][]byte{[]byte("x")})
			require.NoError(t, err)
			assert.Equal(t, protocol.FirstOplogIndex, first)
		})
	}
}

func TestDropPrefixRetainsSuffix(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Append(ctx, testWorker, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
			require.NoError(t, err)
			require.NoError(t, store.DropPrefix(ctx, testWorker, 2))

			records, err := store.Read(ctx, testWorker, 1, 10)
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, protocol.OplogIndex(3), records[0].Index)

			// Appends continue from the old tail, indices stay dense.
			next, err := store.Append(ctx, testWorker, [][]byte{[]byte("e")})
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(5), next)
		})
	}
}

func TestDeleteWorkerRemovesLog(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Append(ctx, testWorker, [][]byte{[]byte("a")})
			require.NoError(t, err)
			require.NoError(t, store.DeleteWorker(ctx, testWorker))

			tail, err := store.Tail(ctx, testWorker)
			require.NoError(t, err)
			assert.Zero(t, tail)
		})
	}
}

func TestCommittedTailTracksBarrier(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			committed, err := store.CommittedTail(ctx, testWorker)
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(0), committed)

			_, err = store.Append(ctx, testWorker, [][]byte{[]byte("a"), []byte("b")})
			require.NoError(t, err)
			committed, err = store.CommittedTail(ctx, testWorker)
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(0), committed, "appends before the barrier stay uncommitted")

			require.NoError(t, store.Commit(ctx, testWorker))
			committed, err = store.CommittedTail(ctx, testWorker)
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(2), committed)

			_, err = store.Append(ctx, testWorker, [][]byte{[]byte("c")})
			require.NoError(t, err)
			committed, err = store.CommittedTail(ctx, testWorker)
			require.NoError(t, err)
			assert.Equal(t, protocol.OplogIndex(2), committed, "the watermark moves only at Commit")
		})
	}
}

func TestMemoryCommitBarrierSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Append(ctx, testWorker, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, testWorker))

	_, err = store.Append(ctx, testWorker, [][]byte{[]byte("volatile")})
	require.NoError(t, err)

	store.SimulateCrash()

	tail, err := store.Tail(ctx, testWorker)
	require.NoError(t, err)
	assert.Equal(t, protocol.OplogIndex(2), tail, "uncommitted record must be lost, committed retained")
}

func TestMemoryFailAppends(t *testing.T) {
	store := NewMemoryStore()
	store.FailAppends(true)

	_, err := store.Append(context.Background(), testWorker, [][]byte{[]byte("a")})
	assert.ErrorIs(t, err, protocol.ErrStorageUnavailable)
}

func TestSQLiteReopenPreservesLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = store.Append(ctx, testWorker, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, testWorker))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	tail, err := reopened.Tail(ctx, testWorker)
	require.NoError(t, err)
	assert.Equal(t, protocol.OplogIndex(2), tail)
}

func TestSQLiteOpensInWALModeWithBusyTimeout(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "oplog.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, store.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}
