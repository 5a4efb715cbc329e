package protocol

// SchemaDDL defines the SQLite schema for a Loom executor node's durable
// state. Tables: oplog (the per-worker journal), promises (one-shot
// cross-worker futures). Execute against a SQLite database with:
// db.Exec(SchemaDDL)
const SchemaDDL = `
-- Per-worker append-only journal. (worker_id, idx) is the entry identity;
-- idx is dense and starts at 1. Entries are never updated, only appended;
-- whole-worker teardown is the only deletion.
CREATE TABLE IF NOT EXISTS oplog (
    worker_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    entry BLOB NOT NULL,
    committed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (worker_id, idx)
) WITHOUT ROWID;

-- One-shot promises keyed by (worker_id, idx) of the creating oplog entry.
CREATE TABLE IF NOT EXISTS promises (
    worker_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    data BLOB,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT,
    PRIMARY KEY (worker_id, idx)
) WITHOUT ROWID;
`
