package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"custos.org/internal/obs"
)

var (
	ErrStorageFailure = errors.New("audit: storage failure")
	ErrTamperDetected = errors.New("audit: tamper detected")
	ErrInvalidRange   = errors.New("audit: invalid range")
)

// genesisHash anchors the chain: the first record's PrevHash.
var genesisHash = hex.EncodeToString(func() []byte {
	sum := sha256.Sum256([]byte("custos/audit/genesis"))
	return sum[:]
}())

// GenesisHash returns the fixed prev-hash of the first record.
func GenesisHash() string { return genesisHash }

// Kind classifies audited events.
type Kind string

const (
	KindAccessDecision   Kind = "access_decision"
	KindLifecycle        Kind = "lifecycle_transition"
	KindPermissionChange Kind = "permission_change"
)

// Entry is the payload callers append. All fields are scalars so
// json.Marshal field order is deterministic and the payload hash is
// reproducible.
type Entry struct {
	Kind          Kind      `json:"kind"`
	At            time.Time `json:"at"`
	CardID        string    `json:"card_id,omitempty"`
	AccessPointID string    `json:"access_point_id,omitempty"`
	Direction     string    `json:"direction,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	FromState     string    `json:"from_state,omitempty"`
	ToState       string    `json:"to_state,omitempty"`
	Principal     string    `json:"principal,omitempty"`
}

// Record is the persisted, hash-chained form of an Entry. Once written it is
// never mutated or deleted.
type Record struct {
	Sequence   uint64    `json:"sequence"`
	PrevHash   string    `json:"prev_hash"`
	Payload    []byte    `json:"payload"`
	RecordHash string    `json:"record_hash"`
	AppendedAt time.Time `json:"appended_at"`
}

// Decode unmarshals the record payload back into an Entry.
func (r Record) Decode() (Entry, error) {
	var e Entry
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return Entry{}, fmt.Errorf("audit: decode payload of %d: %w", r.Sequence, err)
	}
	return e, nil
}

// Store is the write-once storage under the trail. Append must reject
// duplicate sequence numbers; Range and Last must only return committed
// records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Range(ctx context.Context, from, to uint64) ([]Record, error)
	Last(ctx context.Context) (Record, bool, error)
}

// TamperError identifies the first corrupted record in a verified range.
type TamperError struct {
	Sequence uint64
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("audit: tamper detected at sequence %d", e.Sequence)
}

func (e *TamperError) Unwrap() error { return ErrTamperDetected }

// Trail is the append-only, hash-chained audit log. Appends run through a
// single critical section so sequence numbers are strictly increasing with
// no gaps under any concurrency level. Verification reads may run
// concurrently with appends.
type Trail struct {
	mu       sync.Mutex
	store    Store
	lastSeq  uint64
	lastHash string

	maxAttempts int
	retryBase   time.Duration
	now         func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithRetry overrides the bounded retry policy for transient store failures.
func WithRetry(attempts int, base time.Duration) Option {
	return func(t *Trail) {
		if attempts > 0 {
			t.maxAttempts = attempts
		}
		if base > 0 {
			t.retryBase = base
		}
	}
}

// New creates a Trail over the store, resuming the chain from the last
// committed record.
func New(ctx context.Context, store Store, opts ...Option) (*Trail, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	t := &Trail{
		store:       store,
		lastHash:    genesisHash,
		maxAttempts: 3,
		retryBase:   50 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load chain head: %v", ErrStorageFailure, err)
	}
	if ok {
		t.lastSeq = last.Sequence
		t.lastHash = last.RecordHash
	}
	return t, nil
}

// Append durably writes the entry as the next record in the chain. On
// transient store failure the write is retried with backoff up to the
// configured bound; persistent failure returns ErrStorageFailure and the
// caller must fail closed.
func (t *Trail) Append(ctx context.Context, e Entry) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{
		Sequence:   t.lastSeq + 1,
		PrevHash:   t.lastHash,
		Payload:    payload,
		AppendedAt: t.now(),
	}
	rec.RecordHash = chainHash(rec.PrevHash, rec.Payload, rec.Sequence)

	var appendErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.retryBase << uint(attempt-1)):
			case <-ctx.Done():
				obs.ObserveAuditAppendFailure()
				return Record{}, fmt.Errorf("%w: %v", ErrStorageFailure, ctx.Err())
			}
		}
		appendErr = t.store.Append(ctx, rec)
		if appendErr == nil {
			t.lastSeq = rec.Sequence
			t.lastHash = rec.RecordHash
			obs.ObserveAuditAppend(rec.Sequence)
			return rec, nil
		}
		obs.ObserveAuditAppendFailure()
	}
	return Record{}, fmt.Errorf("%w: %v", ErrStorageFailure, appendErr)
}

// Head returns the sequence number of the last committed record.
func (t *Trail) Head() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Records reads committed records after the given sequence, up to limit.
func (t *Trail) Records(ctx context.Context, after uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	head := t.Head()
	if after >= head {
		return nil, nil
	}
	to := after + uint64(limit)
	if to > head {
		to = head
	}
	recs, err := t.store.Range(ctx, after+1, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return recs, nil
}

// Verify recomputes the hash chain over [from, to] and compares against the
// stored hashes. It returns a TamperError naming the earliest corrupted
// sequence. The trail never repairs or truncates; that is an operator
// decision.
func (t *Trail) Verify(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	head := t.Head()
	if head == 0 {
		return nil
	}
	if to == 0 || to > head {
		to = head
	}
	if to < from {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}

	prevHash := genesisHash
	if from > 1 {
		prev, err := t.store.Range(ctx, from-1, from-1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		if len(prev) != 1 {
			return &TamperError{Sequence: from - 1}
		}
		prevHash = prev[0].RecordHash
	}

	recs, err := t.store.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	expect := from
	for _, rec := range recs {
		if rec.Sequence != expect {
			return &TamperError{Sequence: expect}
		}
		if rec.PrevHash != prevHash {
			return &TamperError{Sequence: rec.Sequence}
		}
		if chainHash(rec.PrevHash, rec.Payload, rec.Sequence) != rec.RecordHash {
			return &TamperError{Sequence: rec.Sequence}
		}
		prevHash = rec.RecordHash
		expect++
	}
	if expect != to+1 {
		return &TamperError{Sequence: expect}
	}
	return nil
}

func chainHash(prevHash string, payload []byte, sequence uint64) string {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	h.Write(seq[:])
	return hex.EncodeToString(h.Sum(nil))
}
