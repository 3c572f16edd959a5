package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/auth"
)

// AccessLog records every authenticated API request with the caller's
// ledger address. It complements the audit chain: the chain records
// decisions, this records traffic.
func AccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	log := logger.With().Str("component", "access").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			actor := auth.ActorFromContext(req.Context())
			rid, _ := c.Get("request_id").(string)

			log.Info().
				Str("request_id", rid).
				Str("actor", string(actor)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Str("remote_ip", c.RealIP()).
				Str("user_agent", req.UserAgent()).
				Time("at", time.Now().UTC()).
				Msg("api access")

			return err
		}
	}
}
