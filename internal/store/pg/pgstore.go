package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"custos.org/internal/audit"
	"custos.org/internal/policy"
	"custos.org/internal/registry"
)

// Store provides durable persistence: the write-once audit chain plus
// write-through card and permission snapshots.
type Store struct {
	db *sql.DB
}

var (
	_ audit.Store        = (*Store)(nil)
	_ registry.Persister = (*Store)(nil)
	_ policy.Persister   = (*Store)(nil)
)

// Open connects with pool defaults tuned for the decision path.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Append writes one audit record. The primary key on sequence makes the
// table write-once: a duplicate or out-of-order sequence fails the insert
// and the trail retries or fails closed above us.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_records(sequence, prev_hash, payload, record_hash, appended_at)
		values ($1, $2, $3, $4, $5)
	`, rec.Sequence, rec.PrevHash, rec.Payload, rec.RecordHash, rec.AppendedAt)
	return err
}

// Range returns committed records with sequence in [from, to], ordered.
func (s *Store) Range(ctx context.Context, from, to uint64) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sequence, prev_hash, payload, record_hash, appended_at
		from audit_records
		where sequence between $1 and $2
		order by sequence asc
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		if err := rows.Scan(&rec.Sequence, &rec.PrevHash, &rec.Payload, &rec.RecordHash, &rec.AppendedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Last returns the chain head, if any.
func (s *Store) Last(ctx context.Context) (audit.Record, bool, error) {
	var rec audit.Record
	err := s.db.QueryRowContext(ctx, `
		select sequence, prev_hash, payload, record_hash, appended_at
		from audit_records
		order by sequence desc
		limit 1
	`).Scan(&rec.Sequence, &rec.PrevHash, &rec.Payload, &rec.RecordHash, &rec.AppendedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Record{}, false, nil
	}
	if err != nil {
		return audit.Record{}, false, err
	}
	return rec, true, nil
}

// SaveCard upserts the card snapshot.
func (s *Store) SaveCard(ctx context.Context, card registry.Card) error {
	_, err := s.db.ExecContext(ctx, `
		insert into cards(id, cardholder_id, state, valid_from, valid_until, issued_at, last_used_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (id) do update
		set state = excluded.state,
		    valid_until = excluded.valid_until,
		    last_used_at = excluded.last_used_at
	`, card.ID, card.CardholderID, string(card.State), card.ValidFrom, card.ValidUntil, card.IssuedAt, nullTime(card.LastUsedAt))
	return err
}

// SaveCardholder upserts the cardholder snapshot.
func (s *Store) SaveCardholder(ctx context.Context, holder registry.Cardholder) error {
	groups, err := json.Marshal(holder.Groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into cardholders(id, name, groups, created_at)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set name = excluded.name, groups = excluded.groups
	`, holder.ID, holder.Name, groups, holder.CreatedAt)
	return err
}

// SaveGrant upserts the window set for (principal, access point).
func (s *Store) SaveGrant(ctx context.Context, principal, accessPointID string, windows []policy.Window) error {
	encoded, err := json.Marshal(windows)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into permissions(principal, access_point_id, windows, granted_at)
		values ($1, $2, $3, now())
		on conflict (principal, access_point_id) do update
		set windows = excluded.windows, granted_at = now()
	`, principal, accessPointID, encoded)
	return err
}

// DeleteGrant removes the grant row.
func (s *Store) DeleteGrant(ctx context.Context, principal, accessPointID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from permissions where principal = $1 and access_point_id = $2
	`, principal, accessPointID)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
