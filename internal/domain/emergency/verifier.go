package emergency

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medledger/medledger/internal/domain/identity"
)

// CredentialVerifier checks that a clinician credential is genuine before
// an emergency session may activate. Implementations must honor ctx
// cancellation; the controller bounds every call with a deadline.
type CredentialVerifier interface {
	Verify(ctx context.Context, clinician identity.ID, credential string) error
}

// JWTVerifier accepts HMAC-signed clinician tokens issued by the
// credentialing authority. The token's subject must match the requesting
// clinician and it must carry the emergency scope.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type clinicianClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(ctx context.Context, clinician identity.ID, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	claims := &clinicianClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrCredentialRejected, err)
	}
	if claims.Subject != string(clinician) {
		return fmt.Errorf("%w: credential subject mismatch", ErrCredentialRejected)
	}
	if claims.Scope != "emergency" {
		return fmt.Errorf("%w: missing emergency scope", ErrCredentialRejected)
	}
	return nil
}
