package worker

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"loom/pkg/component"
	"loom/pkg/promise"
	"loom/pkg/protocol"
)

// snapEngine instantiates guests whose whole state is a counter that can
// be exported and restored.
type snapEngine struct {
	kv *fakeKV
}

func (e *snapEngine) Instantiate(_ context.Context, comp *component.Component, host Host) (Instance, error) {
	return &snapInstance{fakeInstance: fakeInstance{engine: &fakeEngine{kv: e.kv}, host: host}, version: comp.Version}, nil
}

type snapInstance struct {
	fakeInstance
	version uint64
}

func (i *snapInstance) Snapshot(context.Context) ([]byte, error) {
	return []byte(strconv.Itoa(i.total)), nil
}

func (i *snapInstance) Restore(_ context.Context, state []byte) error {
	total, err := strconv.Atoi(string(state))
	if err != nil {
		return err
	}
	i.total = total
	return nil
}

func snapFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.deps.Engine = &snapEngine{kv: f.engine.kv}
	return f
}

func TestSnapshotCompactsAndRecovers(t *testing.T) {
	f := snapFixture(t)
	ctx := context.Background()
	c := f.createWorker(t, Config{})

	for n := 1; n <= 3; n++ {
		if _, err := c.Invoke(ctx, "inc", nil, protocol.IdempotencyKey(fmt.Sprintf("K%d", n))); err != nil {
			t.Fatalf("Invoke %d: %v", n, err)
		}
	}

	if err := c.CreateSnapshot(ctx); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Entry.Kind != protocol.EntryCreateSnapshot {
		t.Fatalf("post-snapshot journal %v, want single snapshot entry", kinds(entries))
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// recovery restores from the snapshot, not from replaying history
	recovered := f.newContext(t, Config{})
	if err := recovered.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if f.engine.kv.get("counter") != 3 {
		t.Fatal("recovery from snapshot must not repeat external effects")
	}

	result, err := recovered.Invoke(ctx, "inc", nil, "K4")
	if err != nil {
		t.Fatalf("post-recovery Invoke: %v", err)
	}
	if string(result) != "4" {
		t.Fatalf("post-snapshot result %q, want counter continuation", result)
	}
}

func TestAutomaticUpdateReplaysUnderNewVersion(t *testing.T) {
	f := snapFixture(t)
	ctx := context.Background()
	c := f.createWorker(t, Config{})

	if _, err := c.Invoke(ctx, "inc", nil, "K1"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	kvBefore := f.engine.kv.get("counter")
	if err := c.Update(ctx, 2, protocol.UpdateAutomatic); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if f.engine.kv.get("counter") != kvBefore {
		t.Fatal("update replay repeated external effects")
	}

	got := kinds(f.entries(t))
	if got[len(got)-2] != protocol.EntryPendingUpdate || got[len(got)-1] != protocol.EntrySuccessfulUpdate {
		t.Fatalf("journal tail %v, want pending+successful update markers", got)
	}

	// the new version serves invocations with state intact
	result, err := c.Invoke(ctx, "inc", nil, "K2")
	if err != nil {
		t.Fatalf("post-update Invoke: %v", err)
	}
	if string(result) != "2" {
		t.Fatalf("post-update result %q", result)
	}
}

func TestSnapshotBasedUpdate(t *testing.T) {
	f := snapFixture(t)
	ctx := context.Background()
	c := f.createWorker(t, Config{})

	if _, err := c.Invoke(ctx, "inc", nil, "K1"); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if err := c.Update(ctx, 2, protocol.UpdateSnapshotBased); err != nil {
		t.Fatalf("Update: %v", err)
	}

	c.mu.Lock()
	inst := c.instance.(*snapInstance)
	c.mu.Unlock()
	if inst.version != 2 {
		t.Errorf("instance version %d", inst.version)
	}
	if inst.total != 1 {
		t.Errorf("restored guest state %d, want 1", inst.total)
	}
}

func TestPromiseHostCallsAreReplayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "promises.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := promise.NewRegistry(db, logger)
	t.Cleanup(func() { _ = registry.Close() })
	f.deps.Promises = registry

	c := f.createWorker(t, Config{})

	id, err := c.PromiseCreate(ctx)
	if err != nil {
		t.Fatalf("PromiseCreate: %v", err)
	}
	if id.Worker != f.worker {
		t.Fatalf("promise owner %s", id.Worker)
	}

	// poll before completion observes pending
	_, completed, err := c.PromisePoll(ctx, id)
	if err != nil {
		t.Fatalf("PromisePoll: %v", err)
	}
	if completed {
		t.Fatal("unexpected completion")
	}

	won, err := c.PromiseComplete(ctx, id, []byte("delivered"))
	if err != nil {
		t.Fatalf("PromiseComplete: %v", err)
	}
	if !won {
		t.Fatal("first completion must win")
	}

	data, completed, err := c.PromisePoll(ctx, id)
	if err != nil {
		t.Fatalf("second PromisePoll: %v", err)
	}
	if !completed || string(data) != "delivered" {
		t.Fatalf("poll after completion: %q %v", data, completed)
	}

	// every promise interaction went through the journal
	var journaled []string
	for _, rec := range f.entries(t) {
		if rec.Entry.Kind == protocol.EntryImportedInvoked {
			journaled = append(journaled, rec.Entry.FunctionName)
		}
	}
	want := []string{"promise.create", "promise.poll", "promise.complete", "promise.poll"}
	if len(journaled) != len(want) {
		t.Fatalf("journaled calls %v", journaled)
	}
	for i := range want {
		if journaled[i] != want[i] {
			t.Fatalf("journaled calls %v", journaled)
		}
	}

	// recovery resolves polls from the journal instead of the registry:
	// delete the promise out from under the worker and replay
	if err := registry.DeleteWorker(ctx, f.worker); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recovered := f.newContext(t, Config{})
	if err := recovered.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// repeating the recorded sequence resolves every call from the
	// journal; the registry must not be consulted
	replayedID, err := recovered.PromiseCreate(ctx)
	if err != nil {
		t.Fatalf("replayed PromiseCreate: %v", err)
	}
	if replayedID != id {
		t.Fatalf("replayed promise id %s, want %s", replayedID, id)
	}
	if _, completed, err := recovered.PromisePoll(ctx, id); err != nil || completed {
		t.Fatalf("replayed first poll: completed=%v err=%v", completed, err)
	}
	if won, err := recovered.PromiseComplete(ctx, id, []byte("delivered")); err != nil || !won {
		t.Fatalf("replayed completion: won=%v err=%v", won, err)
	}
	data, completed, err = recovered.PromisePoll(ctx, id)
	if err != nil || !completed || string(data) != "delivered" {
		t.Fatalf("replayed second poll: %q %v %v", data, completed, err)
	}
}

func TestPromiseAwaitSuspendsUntilCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "promises.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := promise.NewRegistry(db, logger)
	t.Cleanup(func() { _ = registry.Close() })
	f.deps.Promises = registry

	c := f.createWorker(t, Config{})

	id, err := c.PromiseCreate(ctx)
	if err != nil {
		t.Fatalf("PromiseCreate: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = registry.Complete(context.Background(), id, []byte("ready"))
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	data, err := c.PromiseAwait(waitCtx, id)
	if err != nil {
		t.Fatalf("PromiseAwait: %v", err)
	}
	if string(data) != "ready" {
		t.Fatalf("awaited data %q", data)
	}

	got := kinds(f.entries(t))
	want := []protocol.EntryKind{
		protocol.EntryCreate,
		protocol.EntryImportedInvoked, // promise.create
		protocol.EntrySuspend,
		protocol.EntryImportedInvoked, // promise.await
	}
	if len(got) != len(want) {
		t.Fatalf("journal %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal %v, want %v", got, want)
		}
	}

	// replay resolves the await from the journal without waiting
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recovered := f.newContext(t, Config{})
	if err := recovered.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := recovered.PromiseCreate(ctx); err != nil {
		t.Fatalf("replayed PromiseCreate: %v", err)
	}
	replayCtx, cancelReplay := context.WithTimeout(ctx, time.Second)
	defer cancelReplay()
	data, err = recovered.PromiseAwait(replayCtx, id)
	if err != nil {
		t.Fatalf("replayed PromiseAwait: %v", err)
	}
	if string(data) != "ready" {
		t.Fatalf("replayed data %q", data)
	}
}
