package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
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

// NewPGStore returns a Postgres-backed Store.
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

func (s *pgStore) Put(ctx context.Context, r *Record) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO record_index (id, patient, issuer, content_hash, record_type, supersedes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, string(r.Patient), string(r.Issuer), r.ContentHash,
		string(r.Type), r.Supersedes, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM record_index WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var r Record
	var patient, issuer, recordType string
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, patient, issuer, content_hash, record_type, supersedes, created_at
		FROM record_index WHERE id = $1`, id).
		Scan(&r.ID, &patient, &issuer, &r.ContentHash, &recordType, &r.Supersedes, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	r.Patient = identity.ID(patient)
	r.Issuer = identity.ID(issuer)
	r.Type = RecordType(recordType)
	return &r, nil
}
