package logstore

import (
	"context"
	"sync"

	"loom/pkg/protocol"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Records appended after the last Commit are volatile: SimulateCrash drops
// them, which lets tests assert the commit-durability property without a
// real storage backend.
type MemoryStore struct {
	mu      sync.Mutex
	workers map[string]*memoryLog

	// failAppends, when set, makes Append return ErrStorageUnavailable.
	// Tests use it to drive the worker-fatal escalation path.
	failAppends bool
}

type memoryLog struct {
	first     protocol.OplogIndex // lowest retained index (after DropPrefix)
	records   []Record
	committed int // count of records covered by the durability barrier
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workers: make(map[string]*memoryLog)}
}

// FailAppends toggles simulated storage unavailability.
func (s *MemoryStore) FailAppends(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = fail
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, worker protocol.WorkerID, records [][]byte) (protocol.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends {
		return 0, protocol.ErrStorageUnavailable
	}

	log := s.log(worker)
	first := log.tail() + 1
	for i, data := range records {
		copied := make([]byte, len(data))
		copy(copied, data)
		log.records = append(log.records, Record{Index: first + protocol.OplogIndex(i), Data: copied})
	}
	return first, nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, worker protocol.WorkerID, from, to protocol.OplogIndex) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log(worker)
	var out []Record
	for _, rec := range log.records {
		if rec.Index >= from && rec.Index <= to {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log(worker).tail(), nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, worker protocol.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log(worker)
	log.committed = len(log.records)
	return nil
}

// CommittedTail implements Store.
func (s *MemoryStore) CommittedTail(_ context.Context, worker protocol.WorkerID) (protocol.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log(worker)
	if log.committed == 0 {
		return 0, nil
	}
	return log.records[log.committed-1].Index, nil
}

// DropPrefix implements Store.
func (s *MemoryStore) DropPrefix(_ context.Context, worker protocol.WorkerID, upTo protocol.OplogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log(worker)
	kept := log.records[:0]
	dropped := 0
	for _, rec := range log.records {
		if rec.Index <= upTo {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	log.records = kept
	log.committed -= dropped
	if log.committed < 0 {
		log.committed = 0
	}
	if upTo >= log.first {
		log.first = upTo + 1
	}
	return nil
}

// DeleteWorker implements Store.
func (s *MemoryStore) DeleteWorker(_ context.Context, worker protocol.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, worker.String())
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// SimulateCrash discards every record appended after the last Commit, for
// all workers. It models process loss between append and barrier.
func (s *MemoryStore) SimulateCrash() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, log := range s.workers {
		if log.committed < len(log.records) {
			log.records = log.records[:log.committed]
		}
	}
}

// log returns (creating if needed) the worker's log. Caller holds s.mu.
func (s *MemoryStore) log(worker protocol.WorkerID) *memoryLog {
	key := worker.String()
	log, ok := s.workers[key]
	if !ok {
		log = &memoryLog{first: protocol.FirstOplogIndex}
		s.workers[key] = log
	}
	return log
}

func (l *memoryLog) tail() protocol.OplogIndex {
	if len(l.records) == 0 {
		if l.first > protocol.FirstOplogIndex {
			return l.first - 1
		}
		return 0
	}
	return l.records[len(l.records)-1].Index
}
