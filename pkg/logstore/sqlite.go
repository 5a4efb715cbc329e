package logstore

import (
	"context"
	"database/sql"
	"fmt"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore is the production Store backed by SQLite in WAL mode. Every
// append runs in its own transaction, so records are durable at transaction
// commit; the committed flag additionally marks the explicit barrier for
// inspection tooling.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the log store database at path and
// initializes the schema. The pragmas are executed explicitly because the
// modernc driver does not honor mattn-style DSN parameters.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping log store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init log store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle whose schema is already
// initialized. The caller keeps ownership of the handle's lifecycle when
// sharing it with other stores.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, worker protocol.WorkerID, records [][]byte) (protocol.OplogIndex, error) {
	if len(records) == 0 {
		return 0, fmt.Errorf("append: empty batch")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tail sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM oplog WHERE worker_id = ?`, worker.String()).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("append tail query: %w", err)
	}

	first := protocol.OplogIndex(tail.Int64) + 1
	for i, rec := range records {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO oplog (worker_id, idx, entry) VALUES (?, ?, ?)`,
			worker.String(), int64(first)+int64(i), rec)
		if err != nil {
			return 0, fmt.Errorf("append insert at %d: %w", int64(first)+int64(i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append commit: %w", err)
	}
	return first, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, worker protocol.WorkerID, from, to protocol.OplogIndex) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, entry FROM oplog WHERE worker_id = ? AND idx >= ? AND idx <= ? ORDER BY idx`,
		worker.String(), int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var idx int64
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, Record{Index: protocol.OplogIndex(idx), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error) {
	var tail sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM oplog WHERE worker_id = ?`, worker.String()).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("tail query: %w", err)
	}
	return protocol.OplogIndex(tail.Int64), nil
}

// CommittedTail implements Store.
func (s *SQLiteStore) CommittedTail(ctx context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error) {
	var tail sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM oplog WHERE worker_id = ? AND committed = 1`, worker.String()).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("committed tail query: %w", err)
	}
	return protocol.OplogIndex(tail.Int64), nil
}

// Commit implements Store. SQLite transactions are durable at commit, so
// the barrier only has to mark the committed watermark.
func (s *SQLiteStore) Commit(ctx context.Context, worker protocol.WorkerID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oplog SET committed = 1 WHERE worker_id = ? AND committed = 0`, worker.String())
	if err != nil {
		return fmt.Errorf("commit barrier: %w", err)
	}
	return nil
}

// DropPrefix implements Store.
func (s *SQLiteStore) DropPrefix(ctx context.Context, worker protocol.WorkerID, upTo protocol.OplogIndex) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM oplog WHERE worker_id = ? AND idx <= ?`, worker.String(), int64(upTo))
	if err != nil {
		return fmt.Errorf("drop prefix: %w", err)
	}
	return nil
}

// DeleteWorker implements Store.
func (s *SQLiteStore) DeleteWorker(ctx context.Context, worker protocol.WorkerID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oplog WHERE worker_id = ?`, worker.String())
	if err != nil {
		return fmt.Errorf("delete worker log: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
