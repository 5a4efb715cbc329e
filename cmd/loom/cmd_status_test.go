package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/pkg/blobstore"
	"loom/pkg/logstore"
	"loom/pkg/oplog"
	"loom/pkg/protocol"
)

// seedJournal creates a temp node directory with a config file and a
// journal for one worker, returning the config path.
func seedJournal(t *testing.T, worker protocol.WorkerID, entries ...*protocol.OplogEntry) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")

	configPath := filepath.Join(dir, "loom.yaml")
	body := fmt.Sprintf("storage:\n  path: %s\nblobs:\n  backend: memory\n", dbPath)
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer func() { _ = db.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := oplog.New(oplog.Config{}, logstore.NewSQLiteStore(db), blobstore.NewMemory(), logger, nil)
	if _, err := log.Append(context.Background(), worker, entries...); err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	if err := log.Commit(context.Background(), worker); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return configPath
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestStatusCmd_Idle(t *testing.T) {
	worker := protocol.WorkerID{Component: "cart", Name: "w1"}
	configPath := seedJournal(t, worker,
		protocol.NewCreateEntry(worker, 3, nil, nil, "acct-1"),
		protocol.NewExportedInvokedEntry("add-item", nil, "K1"),
		protocol.NewExportedCompletedEntry(nil, 7),
	)

	got, err := runCommand(t, "status", "cart/w1", "--config", configPath)
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	if !strings.Contains(got, "status:    idle") {
		t.Errorf("output should report idle, got: %q", got)
	}
	if !strings.Contains(got, "version:   3") {
		t.Errorf("output should report version 3, got: %q", got)
	}
	if !strings.Contains(got, "committed: 3") {
		t.Errorf("output should report the committed watermark, got: %q", got)
	}
}

func TestStatusCmd_InFlightInvocation(t *testing.T) {
	worker := protocol.WorkerID{Component: "cart", Name: "w2"}
	configPath := seedJournal(t, worker,
		protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"),
		protocol.NewExportedInvokedEntry("checkout", nil, "K9"),
		protocol.NewErrorEntry("wasm trap: unreachable", true, 0),
	)

	got, err := runCommand(t, "status", "cart/w2", "--config", configPath)
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	if !strings.Contains(got, "status:    running") {
		t.Errorf("output should report running, got: %q", got)
	}
	if !strings.Contains(got, "checkout") || !strings.Contains(got, "failed attempts=1") {
		t.Errorf("output should name the in-flight invocation, got: %q", got)
	}
}

func TestStatusCmd_UnknownWorker(t *testing.T) {
	worker := protocol.WorkerID{Component: "cart", Name: "w3"}
	configPath := seedJournal(t, worker, protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1"))

	if _, err := runCommand(t, "status", "cart/absent", "--config", configPath); err == nil {
		t.Fatal("expected error for worker without a journal")
	}
}

func TestSummarize(t *testing.T) {
	worker := protocol.WorkerID{Component: "cart", Name: "w"}
	create := protocol.NewCreateEntry(worker, 1, nil, nil, "acct-1")
	invoked := protocol.NewExportedInvokedEntry("run", nil, "K1")

	cases := []struct {
		name    string
		entries []*protocol.OplogEntry
		status  protocol.WorkerStatus
	}{
		{"fresh worker", []*protocol.OplogEntry{create}, protocol.StatusIdle},
		{"in-flight", []*protocol.OplogEntry{create, invoked}, protocol.StatusRunning},
		{"interrupted", []*protocol.OplogEntry{create, invoked,
			protocol.NewMarkerEntry(protocol.EntryInterrupted)}, protocol.StatusInterrupted},
		{"retries exhausted", []*protocol.OplogEntry{create, invoked,
			protocol.NewErrorEntry("trap", false, 2)}, protocol.StatusFailed},
		{"exited", []*protocol.OplogEntry{create, invoked,
			protocol.NewExportedCompletedEntry(nil, 1),
			protocol.NewMarkerEntry(protocol.EntryExited)}, protocol.StatusExited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			indexed := make([]oplog.Indexed, len(tc.entries))
			for i, e := range tc.entries {
				indexed[i] = oplog.Indexed{Index: protocol.OplogIndex(i + 1), Entry: e}
			}
			if got := summarize(indexed).status; got != tc.status {
				t.Errorf("status = %s, want %s", got, tc.status)
			}
		})
	}
}
