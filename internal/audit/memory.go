package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the in-process Store used in tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.records)) + 1; rec.Sequence != want {
		return fmt.Errorf("sequence %d out of order, want %d", rec.Sequence, want)
	}
	cp := rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	s.records = append(s.records, cp)
	return nil
}

func (s *MemoryStore) Range(ctx context.Context, from, to uint64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if to > uint64(len(s.records)) {
		to = uint64(len(s.records))
	}
	if to < from {
		return nil, nil
	}
	out := make([]Record, 0, to-from+1)
	for _, rec := range s.records[from-1 : to] {
		cp := rec
		cp.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Last(ctx context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return Record{}, false, nil
	}
	return s.records[len(s.records)-1], true, nil
}

// Corrupt overwrites one payload byte in place. Test hook for verification
// paths; never used by production code.
func (s *MemoryStore) Corrupt(sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence == 0 || sequence > uint64(len(s.records)) {
		return
	}
	rec := &s.records[sequence-1]
	if len(rec.Payload) > 0 {
		rec.Payload[0] ^= 0xff
	}
}
