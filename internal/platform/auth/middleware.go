// Package auth extracts the caller's ledger identity from a bearer token.
// The token subject is the caller's address; the engine makes every
// authorization decision itself, so no roles are carried besides the
// operator flag used by the admin surface.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/domain/identity"
)

type contextKey string

const (
	ActorKey    contextKey = "actor"
	OperatorKey contextKey = "operator"
)

type Claims struct {
	jwt.RegisteredClaims
	Operator bool `json:"operator,omitempty"`
}

type Config struct {
	SigningKey []byte
}

// Middleware validates the bearer token and stores the caller's address
// in the request context. Tokens are HMAC-signed; the subject must parse
// as a ledger address.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return cfg.SigningKey, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor, err := identity.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a ledger address")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, ActorKey, actor)
			ctx = context.WithValue(ctx, OperatorKey, claims.Operator)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevMiddleware is a permissive middleware for development that takes the
// caller's address from the X-Actor header instead of a signed token.
func DevMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-Actor")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "X-Actor header required in dev mode")
			}
			actor, err := identity.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "X-Actor is not a ledger address")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, ActorKey, actor)
			ctx = context.WithValue(ctx, OperatorKey, c.Request().Header.Get("X-Operator") == "true")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireOperator gates the admin surface (chain verification, resume).
func RequireOperator() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !IsOperator(c.Request().Context()) {
				return echo.NewHTTPError(http.StatusForbidden, "operator access required")
			}
			return next(c)
		}
	}
}

// ActorFromContext returns the caller's ledger address, or the zero ID
// when the request was not authenticated.
func ActorFromContext(ctx context.Context) identity.ID {
	actor, _ := ctx.Value(ActorKey).(identity.ID)
	return actor
}

func IsOperator(ctx context.Context) bool {
	op, _ := ctx.Value(OperatorKey).(bool)
	return op
}
