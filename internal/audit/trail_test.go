package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestTrail(t *testing.T, store Store) *Trail {
	t.Helper()
	trail, err := New(context.Background(), store, WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("new trail: %v", err)
	}
	return trail
}

func appendN(t *testing.T, trail *Trail, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := trail.Append(context.Background(), Entry{
			Kind:          KindAccessDecision,
			At:            time.Now().UTC(),
			CardID:        fmt.Sprintf("card-%d", i),
			AccessPointID: "door-1",
			Outcome:       "granted",
			Reason:        "ok",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendChainsRecords(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	ctx := context.Background()

	first, err := trail.Append(ctx, Entry{Kind: KindLifecycle, At: time.Now().UTC(), CardID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Sequence != 1 {
		t.Fatalf("first sequence = %d", first.Sequence)
	}
	if first.PrevHash != GenesisHash() {
		t.Fatalf("first prev hash = %s", first.PrevHash)
	}

	second, err := trail.Append(ctx, Entry{Kind: KindLifecycle, At: time.Now().UTC(), CardID: "c2"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence != 2 || second.PrevHash != first.RecordHash {
		t.Fatalf("chain broken: %+v", second)
	}

	if err := trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify full range: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	appendN(t, trail, 5)
	ctx := context.Background()

	if err := trail.Verify(ctx, 1, 5); err != nil {
		t.Fatalf("pristine chain should verify: %v", err)
	}

	store.Corrupt(3)

	err := trail.Verify(ctx, 1, 5)
	if !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("expected ErrTamperDetected, got %v", err)
	}
	var tamper *TamperError
	if !errors.As(err, &tamper) || tamper.Sequence != 3 {
		t.Fatalf("expected earliest corrupted sequence 3, got %v", err)
	}

	// A sub-range before the corruption still verifies.
	if err := trail.Verify(ctx, 1, 2); err != nil {
		t.Fatalf("range before corruption should verify: %v", err)
	}
}

func TestVerifySubRangeUsesStoredPrevHash(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	appendN(t, trail, 6)

	if err := trail.Verify(context.Background(), 4, 6); err != nil {
		t.Fatalf("sub-range verify: %v", err)
	}
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := trail.Append(ctx, Entry{
				Kind:   KindAccessDecision,
				At:     time.Now().UTC(),
				CardID: fmt.Sprintf("card-%d", i),
			})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			seqs <- rec.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d sequences, got %d", n, len(seen))
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("gap at sequence %d", i)
		}
	}
	if err := trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify after concurrent appends: %v", err)
	}
}

// flakyStore fails the first N append attempts, then delegates.
type flakyStore struct {
	*MemoryStore
	mu        sync.Mutex
	failures  int
	attempted int
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.attempted++
	fail := s.attempted <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("transient io error")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	trail := newTestTrail(t, store)
	ctx := context.Background()

	rec, err := trail.Append(ctx, Entry{Kind: KindAccessDecision, At: time.Now().UTC(), CardID: "c1"})
	if err != nil {
		t.Fatalf("append should succeed within retry bound: %v", err)
	}
	if rec.Sequence != 1 {
		t.Fatalf("sequence = %d", rec.Sequence)
	}
	if err := trail.Verify(ctx, 0, 0); err != nil {
		t.Fatalf("verify after recovery: %v", err)
	}
}

func TestAppendFailsClosedAfterRetryBound(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	trail := newTestTrail(t, store)

	_, err := trail.Append(context.Background(), Entry{Kind: KindAccessDecision, At: time.Now().UTC()})
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}

	// The failed sequence must be reusable: no gap once storage recovers.
	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()
	rec, err := trail.Append(context.Background(), Entry{Kind: KindAccessDecision, At: time.Now().UTC()})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if rec.Sequence != 1 {
		t.Fatalf("expected sequence 1 after recovery, got %d", rec.Sequence)
	}
}

func TestTrailResumesFromStore(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	appendN(t, trail, 3)

	resumed := newTestTrail(t, store)
	rec, err := resumed.Append(context.Background(), Entry{Kind: KindLifecycle, At: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Sequence != 4 {
		t.Fatalf("resumed sequence = %d, want 4", rec.Sequence)
	}
	if err := resumed.Verify(context.Background(), 0, 0); err != nil {
		t.Fatalf("verify resumed chain: %v", err)
	}
}

func TestRecordsPagination(t *testing.T) {
	store := NewMemoryStore()
	trail := newTestTrail(t, store)
	appendN(t, trail, 10)
	ctx := context.Background()

	page, err := trail.Records(ctx, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 4 || page[0].Sequence != 1 || page[3].Sequence != 4 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = trail.Records(ctx, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[1].Sequence != 10 {
		t.Fatalf("unexpected last page: %+v", page)
	}

	page, err = trail.Records(ctx, 10, 4)
	if err != nil || page != nil {
		t.Fatalf("expected empty page past head, got %v, %v", page, err)
	}
}
