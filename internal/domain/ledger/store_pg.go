package ledger

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

func (s *pgStore) Get(ctx context.Context, patient identity.ID) (*PatientAccount, error) {
	acct := &PatientAccount{Owner: patient, Grants: make(map[identity.ID]Grant)}

	err := s.conn(ctx).QueryRow(ctx, `
		SELECT active, created_at FROM patient_account WHERE owner = $1`,
		string(patient)).Scan(&acct.Active, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAccount
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT provider, level, expires_at, granted_by, granted_at
		FROM access_grant WHERE patient = $1`, string(patient))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		g := Grant{Patient: patient}
		var provider, level, grantedBy string
		if err := rows.Scan(&provider, &level, &g.ExpiresAt, &grantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Level, err = ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Provider = identity.ID(provider)
		g.GrantedBy = identity.ID(grantedBy)
		acct.Grants[g.Provider] = g
	}

	recRows, err := s.conn(ctx).Query(ctx, `
		SELECT record_id FROM patient_record_ref
		WHERE patient = $1 ORDER BY position ASC`, string(patient))
	if err != nil {
		return nil, fmt.Errorf("list record refs: %w", err)
	}
	defer recRows.Close()
	for recRows.Next() {
		var id uuid.UUID
		if err := recRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record ref: %w", err)
		}
		acct.RecordIDs = append(acct.RecordIDs, id)
	}

	return acct, nil
}

func (s *pgStore) Ensure(ctx context.Context, patient identity.ID) (*PatientAccount, error) {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO patient_account (owner, active)
		VALUES ($1, TRUE)
		ON CONFLICT (owner) DO NOTHING`, string(patient))
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.Get(ctx, patient)
}

func (s *pgStore) PutGrant(ctx context.Context, g Grant) error {
	if g.Level == LevelNone {
		_, err := s.conn(ctx).Exec(ctx, `
			DELETE FROM access_grant WHERE patient = $1 AND provider = $2`,
			string(g.Patient), string(g.Provider))
		if err != nil {
			return fmt.Errorf("delete grant: %w", err)
		}
		return nil
	}

	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO access_grant (patient, provider, level, expires_at, granted_by, granted_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (patient, provider) DO UPDATE
		SET level = EXCLUDED.level, expires_at = EXCLUDED.expires_at,
		    granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at`,
		string(g.Patient), string(g.Provider), g.Level.String(),
		g.ExpiresAt, string(g.GrantedBy), g.GrantedAt)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

func (s *pgStore) AppendRecord(ctx context.Context, patient identity.ID, recordID uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO patient_record_ref (patient, record_id, position)
		VALUES ($1, $2, COALESCE(
			(SELECT MAX(position) + 1 FROM patient_record_ref WHERE patient = $1), 0))`,
		string(patient), recordID)
	if err != nil {
		return fmt.Errorf("append record ref: %w", err)
	}
	return nil
}

func (s *pgStore) RemoveRecord(ctx context.Context, patient identity.ID, recordID uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx, `
		DELETE FROM patient_record_ref WHERE patient = $1 AND record_id = $2`,
		string(patient), recordID)
	if err != nil {
		return fmt.Errorf("remove record ref: %w", err)
	}
	return nil
}

func (s *pgStore) SetActive(ctx context.Context, patient identity.ID, active bool) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE patient_account SET active = $2 WHERE owner = $1`,
		string(patient), active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoAccount
	}
	return nil
}
