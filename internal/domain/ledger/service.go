package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/medledger/medledger/internal/domain/identity"
)

// Service implements the authorization rules over a Store. All mutating
// calls are made by the access-control engine under the patient's mutation
// lock; Evaluate is a pure query and may be called concurrently.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// authorize reports whether requester may manage grants on the account:
// the owner always may, as may a provider holding an unexpired Admin grant.
func (s *Service) authorize(acct *PatientAccount, requester identity.ID, now time.Time) bool {
	if requester == acct.Owner {
		return true
	}
	if g, ok := acct.Grants[requester]; ok {
		return g.EffectiveLevel(now) == LevelAdmin
	}
	return false
}

// Grant sets or overwrites the (patient, provider) grant. The account is
// created lazily when the patient grants for the first time.
func (s *Service) Grant(ctx context.Context, patient, provider identity.ID, level AccessLevel, expiresAt *time.Time, requester identity.ID, now time.Time) (Grant, error) {
	if expiresAt != nil && expiresAt.Before(now) {
		return Grant{}, ErrInvalidExpiry
	}

	acct, err := s.store.Ensure(ctx, patient)
	if err != nil {
		return Grant{}, fmt.Errorf("ensure account: %w", err)
	}
	if !acct.Active {
		return Grant{}, ErrAccountInactive
	}
	if !s.authorize(acct, requester, now) {
		return Grant{}, ErrUnauthorized
	}

	g := Grant{
		Patient:   patient,
		Provider:  provider,
		Level:     level,
		ExpiresAt: expiresAt,
		GrantedBy: requester,
		GrantedAt: now.UTC(),
	}
	if err := s.store.PutGrant(ctx, g); err != nil {
		return Grant{}, fmt.Errorf("put grant: %w", err)
	}
	return g, nil
}

// Revoke sets the (patient, provider) grant to level None. Revoking an
// absent grant succeeds as a no-op; the engine still audits it.
func (s *Service) Revoke(ctx context.Context, patient, provider, requester identity.ID, now time.Time) error {
	acct, err := s.store.Ensure(ctx, patient)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if !acct.Active {
		return ErrAccountInactive
	}
	if !s.authorize(acct, requester, now) {
		return ErrUnauthorized
	}

	g := Grant{
		Patient:   patient,
		Provider:  provider,
		Level:     LevelNone,
		GrantedBy: requester,
		GrantedAt: now.UTC(),
	}
	if err := s.store.PutGrant(ctx, g); err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// Evaluate returns the effective access level the provider holds on the
// patient at the given instant. It never mutates state: expired grants are
// reported as None even before they are physically pruned.
func (s *Service) Evaluate(ctx context.Context, patient, provider identity.ID, now time.Time) (AccessLevel, error) {
	acct, err := s.store.Get(ctx, patient)
	if err != nil {
		if err == ErrNoAccount {
			return LevelNone, nil
		}
		return LevelNone, fmt.Errorf("get account: %w", err)
	}
	if !acct.Active {
		return LevelNone, nil
	}
	g, ok := acct.Grants[provider]
	if !ok {
		return LevelNone, nil
	}
	return g.EffectiveLevel(now), nil
}

// Deactivate marks the account inactive. Only the owner may deactivate.
func (s *Service) Deactivate(ctx context.Context, patient, requester identity.ID) error {
	acct, err := s.store.Get(ctx, patient)
	if err != nil {
		return err
	}
	if requester != acct.Owner {
		return ErrUnauthorized
	}
	return s.store.SetActive(ctx, patient, false)
}

// Account returns a snapshot of the patient's account.
func (s *Service) Account(ctx context.Context, patient identity.ID) (*PatientAccount, error) {
	return s.store.Get(ctx, patient)
}
