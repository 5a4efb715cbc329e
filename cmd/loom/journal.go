package main

import (
	"context"
	"fmt"

	"loom/pkg/config"
	"loom/pkg/logstore"
	"loom/pkg/oplog"
	"loom/pkg/protocol"
)

// readJournal opens the journal store read-only for inspection commands
// and decodes a worker's entries, along with the committed watermark.
// Offloaded payloads are left as blob references.
func readJournal(ctx context.Context, cfg config.Config, worker protocol.WorkerID, from, to protocol.OplogIndex) ([]oplog.Indexed, protocol.OplogIndex, error) {
	db, err := openDatabase(cfg.Storage.Path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = db.Close() }()

	store := logstore.NewSQLiteStore(db)
	records, err := store.Read(ctx, worker, from, to)
	if err != nil {
		return nil, 0, fmt.Errorf("read journal for %s: %w", worker, err)
	}
	committed, err := store.CommittedTail(ctx, worker)
	if err != nil {
		return nil, 0, fmt.Errorf("read committed watermark for %s: %w", worker, err)
	}

	entries := make([]oplog.Indexed, 0, len(records))
	for _, rec := range records {
		entry, err := protocol.DecodeEntry(rec.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("decode entry %d for %s: %w", rec.Index, worker, err)
		}
		entries = append(entries, oplog.Indexed{Index: rec.Index, Entry: entry})
	}
	return entries, committed, nil
}
