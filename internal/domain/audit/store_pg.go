package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgStore struct{ pool *pgxpool.Pool }

// NewPGStore returns a Postgres-backed Store. The primary key on
// (patient, sequence) turns a racing append into ErrSequenceConflict.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *pgStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entry
			(patient, sequence, actor, action, outcome, reason, record_id, ts, prior_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		string(e.Patient), e.Sequence, string(e.Actor), string(e.Action),
		string(e.Outcome), e.Reason, e.RecordID, e.Timestamp, e.PriorHash, e.Hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *pgStore) Head(ctx context.Context, patient identity.ID) (*Entry, error) {
	e, err := s.scanOne(s.conn(ctx).QueryRow(ctx, `
		SELECT patient, sequence, actor, action, outcome, reason, record_id, ts, prior_hash, hash
		FROM audit_entry WHERE patient = $1
		ORDER BY sequence DESC LIMIT 1`, string(patient)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit head: %w", err)
	}
	return e, nil
}

func (s *pgStore) ListAfter(ctx context.Context, patient identity.ID, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT patient, sequence, actor, action, outcome, reason, record_id, ts, prior_hash, hash
		FROM audit_entry WHERE patient = $1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3`, string(patient), after, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *pgStore) scanOne(row pgx.Row) (*Entry, error) {
	var e Entry
	var patient, actor, action, outcome string
	if err := row.Scan(&patient, &e.Sequence, &actor, &action, &outcome,
		&e.Reason, &e.RecordID, &e.Timestamp, &e.PriorHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Patient = identity.ID(patient)
	e.Actor = identity.ID(actor)
	e.Action = Action(action)
	e.Outcome = Outcome(outcome)
	return &e, nil
}
