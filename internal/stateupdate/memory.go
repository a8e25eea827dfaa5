package stateupdate

import (
	"context"
	"sync"
)

// Record is one committed state row held by the in-memory sink.
type Record struct {
	Table          string
	Values         map[string]any
	IdempotencyKey string
}

// MemorySink is a Sink for tests and dry runs. It deduplicates on the
// idempotency key like the durable store does.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	seen    map[string]struct{}

	// FailTables lists tables whose commits return ErrCommit.
	FailTables map[string]error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

func (s *MemorySink) CommitState(_ context.Context, table string, values map[string]any, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FailTables[table]; ok {
		return false, err
	}
	if _, dup := s.seen[idempotencyKey]; dup {
		return true, nil
	}
	s.seen[idempotencyKey] = struct{}{}
	s.records = append(s.records, Record{Table: table, Values: values, IdempotencyKey: idempotencyKey})
	return false, nil
}

// Records returns a copy of everything committed so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
